package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/lectio/internal/metrics"
	"github.com/MarcoPoloResearchLab/lectio/internal/protocol"
	"github.com/MarcoPoloResearchLab/lectio/internal/rooms"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingConnection struct {
	id   string
	mu   sync.Mutex
	sent []protocol.Message
}

func (c *recordingConnection) ID() string { return c.id }

func (c *recordingConnection) Send(message protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, message)
	return nil
}

func (c *recordingConnection) ofKind(kind protocol.Kind) []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	matched := make([]protocol.Message, 0)
	for _, message := range c.sent {
		if message.Kind() == kind {
			matched = append(matched, message)
		}
	}
	return matched
}

type allowAll struct{}

func (allowAll) GetRoomAccess(context.Context, string, string) (bool, error) { return true, nil }

func newTestRelay(t *testing.T) (*rooms.Registry, *Relay, *metrics.Metrics) {
	t.Helper()
	registry, err := rooms.NewRegistry(rooms.Config{Access: allowAll{}})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	recorder := metrics.New(prometheus.NewRegistry())
	relay, err := NewRelay(Config{Registry: registry, Metrics: recorder})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	return registry, relay, recorder
}

func joinRoom(t *testing.T, registry *rooms.Registry, roomID, participantID string) *recordingConnection {
	t.Helper()
	conn := &recordingConnection{id: "conn-" + participantID}
	if _, err := registry.Join(context.Background(), roomID, rooms.Member{ParticipantID: participantID}, conn); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	return conn
}

func TestRelayForwardsPayloadUntouched(t *testing.T) {
	registry, relay, recorder := newTestRelay(t)
	joinRoom(t, registry, "r1", "user-a")
	connB := joinRoom(t, registry, "r1", "user-b")
	payload := json.RawMessage(`{"sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1","type":"offer"}`)

	if err := relay.Relay(context.Background(), protocol.KindCallOffer, "r1", "user-a", "user-b", payload); err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	offers := connB.ofKind(protocol.KindCallOffer)
	if len(offers) != 1 {
		t.Fatalf("expected one forwarded offer, got %d", len(offers))
	}
	signal := offers[0].(protocol.CallSignal)
	if signal.From != "user-a" || string(signal.Payload) != string(payload) {
		t.Fatalf("unexpected signal %+v", signal)
	}
	delivered := testutil.ToFloat64(recorder.SignalsRelayed.WithLabelValues(string(protocol.KindCallOffer), statusDelivered))
	if delivered != 1 {
		t.Fatalf("expected delivered signal metric, got %v", delivered)
	}
}

func TestRelayToMissingTargetIsSilent(t *testing.T) {
	registry, relay, recorder := newTestRelay(t)
	connA := joinRoom(t, registry, "r1", "user-a")

	err := relay.Relay(context.Background(), protocol.KindCallICE, "r1", "user-a", "user-gone", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("expected missing target to be dropped silently, got %v", err)
	}
	if len(connA.sent) != 0 {
		t.Fatalf("sender must not receive anything, got %d messages", len(connA.sent))
	}
	missing := testutil.ToFloat64(recorder.SignalsRelayed.WithLabelValues(string(protocol.KindCallICE), statusTargetMissing))
	if missing != 1 {
		t.Fatalf("expected target missing metric, got %v", missing)
	}
}

func TestRelayRejectsOutsider(t *testing.T) {
	registry, relay, _ := newTestRelay(t)
	joinRoom(t, registry, "r1", "user-a")

	err := relay.Relay(context.Background(), protocol.KindCallAnswer, "r1", "user-x", "user-a", json.RawMessage(`{}`))
	if !errors.Is(err, rooms.ErrNotParticipant) {
		t.Fatalf("expected not participant error, got %v", err)
	}
	err = relay.Relay(context.Background(), protocol.KindNavigate, "r1", "user-a", "user-a", nil)
	if !errors.Is(err, ErrNotSignal) {
		t.Fatalf("expected not signal error, got %v", err)
	}
}

func TestTargetInAnotherRoomIsNotReached(t *testing.T) {
	registry, relay, _ := newTestRelay(t)
	joinRoom(t, registry, "r1", "user-a")
	connB := joinRoom(t, registry, "r2", "user-b")

	if err := relay.Relay(context.Background(), protocol.KindCallOffer, "r1", "user-a", "user-b", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	if len(connB.ofKind(protocol.KindCallOffer)) != 0 {
		t.Fatalf("signals must not cross rooms")
	}
}

func TestJoinAndLeaveCallNotifyOthers(t *testing.T) {
	registry, relay, _ := newTestRelay(t)
	ctx := context.Background()
	connA := joinRoom(t, registry, "r1", "user-a")
	connB := joinRoom(t, registry, "r1", "user-b")

	if err := relay.JoinCall(ctx, "r1", "user-a"); err != nil {
		t.Fatalf("join call failed: %v", err)
	}
	if err := relay.JoinCall(ctx, "r1", "user-a"); err != nil {
		t.Fatalf("repeated join call failed: %v", err)
	}
	if notices := connB.ofKind(protocol.KindCallJoinedNotice); len(notices) != 1 {
		t.Fatalf("expected one call-joined notice, got %d", len(notices))
	}
	if len(connA.ofKind(protocol.KindCallJoinedNotice)) != 0 {
		t.Fatalf("joiner must not be notified of itself")
	}
	members, err := relay.CallMembers(ctx, "r1")
	if err != nil || len(members) != 1 || members[0] != "user-a" {
		t.Fatalf("unexpected call members %v (%v)", members, err)
	}

	if err := relay.LeaveCall(ctx, "r1", "user-a"); err != nil {
		t.Fatalf("leave call failed: %v", err)
	}
	if notices := connB.ofKind(protocol.KindCallLeftNotice); len(notices) != 1 {
		t.Fatalf("expected one call-left notice, got %d", len(notices))
	}
	if state, ok := registry.Get("r1"); !ok || len(state.Participants) != 2 {
		t.Fatalf("leaving the call must keep room membership")
	}
}

func TestRoomDepartureLeavesCall(t *testing.T) {
	registry, relay, _ := newTestRelay(t)
	ctx := context.Background()
	joinRoom(t, registry, "r1", "user-a")
	connB := joinRoom(t, registry, "r1", "user-b")
	if err := relay.JoinCall(ctx, "r1", "user-a"); err != nil {
		t.Fatalf("join call failed: %v", err)
	}

	if err := registry.Leave(ctx, "r1", "user-a"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if notices := connB.ofKind(protocol.KindCallLeftNotice); len(notices) != 1 {
		t.Fatalf("expected call-left notice on room departure, got %d", len(notices))
	}
	members, _ := relay.CallMembers(ctx, "r1")
	if len(members) != 0 {
		t.Fatalf("expected empty call, got %v", members)
	}
}

func TestCallStateForgottenWithRoom(t *testing.T) {
	registry, relay, _ := newTestRelay(t)
	ctx := context.Background()
	joinRoom(t, registry, "r1", "user-a")
	if err := relay.JoinCall(ctx, "r1", "user-a"); err != nil {
		t.Fatalf("join call failed: %v", err)
	}
	if err := registry.Leave(ctx, "r1", "user-a"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if removed, _ := relay.PruneOrphans(ctx); removed != 0 {
		t.Fatalf("expected room closure to have already discarded state, pruned %d", removed)
	}
	relay.mu.Lock()
	remaining := len(relay.sessions)
	relay.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected no call sessions, got %d", remaining)
	}
}
