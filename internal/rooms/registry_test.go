package rooms

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lectio/internal/protocol"
)

type recordingConnection struct {
	id      string
	mu      sync.Mutex
	sent    []protocol.Message
	sendErr error
}

func newRecordingConnection(id string) *recordingConnection {
	return &recordingConnection{id: id}
}

func (c *recordingConnection) ID() string {
	return c.id
}

func (c *recordingConnection) Send(message protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, message)
	return nil
}

func (c *recordingConnection) messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.sent...)
}

type stubAccess struct {
	denied map[string]bool
	err    error
	block  bool
}

func (s stubAccess) GetRoomAccess(ctx context.Context, roomID, participantID string) (bool, error) {
	if s.block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if s.err != nil {
		return false, s.err
	}
	return !s.denied[participantID], nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingObserver struct {
	NopObserver
	joined []int
	left   []int
	closed []string
}

func (o *countingObserver) ParticipantJoined(room *Room, _ *Participant, _ bool) {
	o.joined = append(o.joined, room.Count())
}

func (o *countingObserver) ParticipantLeft(room *Room, _ *Participant) {
	o.left = append(o.left, room.Count())
}

func (o *countingObserver) RoomClosed(room *Room) {
	o.closed = append(o.closed, room.ID())
}

func newTestRegistry(t *testing.T, access AccessChecker, clock *testClock) *Registry {
	t.Helper()
	if clock == nil {
		clock = &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	}
	registry, err := NewRegistry(Config{
		Access:      access,
		Clock:       clock.Now,
		JoinTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	return registry
}

func TestJoinCreatesRoomWithoutPosition(t *testing.T) {
	registry := newTestRegistry(t, stubAccess{}, nil)

	snapshot, err := registry.Join(context.Background(), "r1", Member{ParticipantID: "user-a", DisplayName: "Ada"}, newRecordingConnection("conn-a"))
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if !snapshot.Created {
		t.Fatalf("expected room to be created on first join")
	}
	if snapshot.Position != nil {
		t.Fatalf("expected nil position, got %q", *snapshot.Position)
	}
	if len(snapshot.Participants) != 0 {
		t.Fatalf("expected no other participants, got %d", len(snapshot.Participants))
	}
	if !registry.Exists("r1") {
		t.Fatalf("expected room r1 to exist")
	}
}

func TestJoinSnapshotListsOtherParticipants(t *testing.T) {
	registry := newTestRegistry(t, stubAccess{}, nil)
	ctx := context.Background()

	if _, err := registry.Join(ctx, "r1", Member{ParticipantID: "user-a", DisplayName: "Ada"}, newRecordingConnection("conn-a")); err != nil {
		t.Fatalf("join a failed: %v", err)
	}
	snapshot, err := registry.Join(ctx, "r1", Member{ParticipantID: "user-b", DisplayName: "Bo"}, newRecordingConnection("conn-b"))
	if err != nil {
		t.Fatalf("join b failed: %v", err)
	}
	if snapshot.Created {
		t.Fatalf("expected existing room to be reused")
	}
	if len(snapshot.Participants) != 1 || snapshot.Participants[0].ParticipantID != "user-a" {
		t.Fatalf("expected snapshot to list only user-a, got %+v", snapshot.Participants)
	}
}

func TestJoinDeniedWithoutAccess(t *testing.T) {
	registry := newTestRegistry(t, stubAccess{denied: map[string]bool{"intruder": true}}, nil)

	_, err := registry.Join(context.Background(), "r1", Member{ParticipantID: "intruder"}, newRecordingConnection("conn-x"))
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
	if registry.Exists("r1") {
		t.Fatalf("denied join must not create the room")
	}
}

func TestJoinTimesOutWhenAccessCheckHangs(t *testing.T) {
	registry := newTestRegistry(t, stubAccess{block: true}, nil)

	_, err := registry.Join(context.Background(), "r1", Member{ParticipantID: "user-a"}, newRecordingConnection("conn-a"))
	if !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("expected join timeout, got %v", err)
	}
}

func TestJoinTimesOutWhenRoomIsBusy(t *testing.T) {
	registry := newTestRegistry(t, stubAccess{}, nil)
	ctx := context.Background()
	if _, err := registry.Join(ctx, "r1", Member{ParticipantID: "user-a"}, newRecordingConnection("conn-a")); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = registry.Update(ctx, "r1", func(*Room) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	_, err := registry.Join(ctx, "r1", Member{ParticipantID: "user-b"}, newRecordingConnection("conn-b"))
	if !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("expected join timeout while room is locked, got %v", err)
	}
}

func TestRejoinReplacesHandle(t *testing.T) {
	registry := newTestRegistry(t, stubAccess{}, nil)
	ctx := context.Background()

	if _, err := registry.Join(ctx, "r1", Member{ParticipantID: "user-a"}, newRecordingConnection("conn-old")); err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	snapshot, err := registry.Join(ctx, "r1", Member{ParticipantID: "user-a"}, newRecordingConnection("conn-new"))
	if err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if !snapshot.Rejoined {
		t.Fatalf("expected rejoin to be reported")
	}
	state, ok := registry.Get("r1")
	if !ok {
		t.Fatalf("expected room to exist")
	}
	if len(state.Participants) != 1 {
		t.Fatalf("expected single participant after rejoin, got %d", len(state.Participants))
	}
	if state.Participants[0].ConnectionID != "conn-new" {
		t.Fatalf("expected new connection handle, got %s", state.Participants[0].ConnectionID)
	}

	removed, err := registry.LeaveConnection(ctx, "r1", "user-a", "conn-old")
	if err != nil {
		t.Fatalf("stale leave failed: %v", err)
	}
	if removed {
		t.Fatalf("stale connection must not remove the rebound participant")
	}
	if !registry.Exists("r1") {
		t.Fatalf("room must survive a stale disconnect")
	}
}

func TestLeaveDeletesEmptyRoomImmediately(t *testing.T) {
	registry := newTestRegistry(t, stubAccess{}, nil)
	observer := &countingObserver{}
	registry.Observe(observer)
	ctx := context.Background()

	if _, err := registry.Join(ctx, "r1", Member{ParticipantID: "user-a"}, newRecordingConnection("conn-a")); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := registry.Leave(ctx, "r1", "user-a"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if _, ok := registry.Get("r1"); ok {
		t.Fatalf("expected room to be gone after last leave")
	}
	if len(observer.closed) != 1 || observer.closed[0] != "r1" {
		t.Fatalf("expected a single close event for r1, got %v", observer.closed)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	registry := newTestRegistry(t, stubAccess{}, nil)
	ctx := context.Background()

	if err := registry.Leave(ctx, "missing", "user-a"); err != nil {
		t.Fatalf("leave of missing room should be a no-op, got %v", err)
	}
	if _, err := registry.Join(ctx, "r1", Member{ParticipantID: "user-a"}, newRecordingConnection("conn-a")); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := registry.Join(ctx, "r1", Member{ParticipantID: "user-b"}, newRecordingConnection("conn-b")); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := registry.Leave(ctx, "r1", "user-a"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if err := registry.Leave(ctx, "r1", "user-a"); err != nil {
		t.Fatalf("second leave should be a no-op, got %v", err)
	}
	state, ok := registry.Get("r1")
	if !ok || len(state.Participants) != 1 {
		t.Fatalf("expected one remaining participant, got %+v", state.Participants)
	}
}

func TestObserverCountsMatchMembership(t *testing.T) {
	registry := newTestRegistry(t, stubAccess{}, nil)
	observer := &countingObserver{}
	registry.Observe(observer)
	ctx := context.Background()

	for _, id := range []string{"user-a", "user-b", "user-c"} {
		if _, err := registry.Join(ctx, "r1", Member{ParticipantID: id}, newRecordingConnection("conn-"+id)); err != nil {
			t.Fatalf("join %s failed: %v", id, err)
		}
	}
	for _, id := range []string{"user-b", "user-a"} {
		if err := registry.Leave(ctx, "r1", id); err != nil {
			t.Fatalf("leave %s failed: %v", id, err)
		}
	}

	expectedJoined := []int{1, 2, 3}
	for index, count := range expectedJoined {
		if observer.joined[index] != count {
			t.Fatalf("join event %d: expected count %d, got %d", index, count, observer.joined[index])
		}
	}
	expectedLeft := []int{2, 1}
	for index, count := range expectedLeft {
		if observer.left[index] != count {
			t.Fatalf("leave event %d: expected count %d, got %d", index, count, observer.left[index])
		}
	}
}

func TestSweepNeverRemovesPopulatedRoom(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	registry := newTestRegistry(t, stubAccess{}, clock)
	ctx := context.Background()

	if _, err := registry.Join(ctx, "quiet", Member{ParticipantID: "user-a"}, newRecordingConnection("conn-a")); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	clock.Advance(72 * time.Hour)

	swept, err := registry.Sweep(ctx, time.Minute)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(swept) != 0 {
		t.Fatalf("expected no rooms swept, got %v", swept)
	}
	if !registry.Exists("quiet") {
		t.Fatalf("populated room must survive sweep")
	}
}

func TestSweepRemovesIdleEmptyRoom(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	registry := newTestRegistry(t, stubAccess{}, clock)
	ctx := context.Background()

	// An empty room only lingers when a join gives up after the room was created.
	registry.getOrCreate("abandoned")
	registry.getOrCreate("fresh")

	clock.Advance(45 * time.Minute)
	if err := registry.Touch(ctx, "fresh"); err != nil {
		t.Fatalf("touch failed: %v", err)
	}

	swept, err := registry.Sweep(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(swept) != 1 || swept[0] != "abandoned" {
		t.Fatalf("expected only abandoned room swept, got %v", swept)
	}
	if !registry.Exists("fresh") {
		t.Fatalf("recently touched room must survive")
	}
}

func TestBroadcastContinuesPastDeadConnection(t *testing.T) {
	registry := newTestRegistry(t, stubAccess{}, nil)
	ctx := context.Background()

	dead := newRecordingConnection("conn-dead")
	dead.sendErr = errors.New("connection closed")
	alive := newRecordingConnection("conn-alive")

	if _, err := registry.Join(ctx, "r1", Member{ParticipantID: "user-a"}, dead); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := registry.Join(ctx, "r1", Member{ParticipantID: "user-b"}, alive); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	var delivered int
	err := registry.Update(ctx, "r1", func(room *Room) error {
		delivered = room.Broadcast(protocol.NavigationSync{RoomID: "r1", Ref: "John 1:1"})
		return nil
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("expected one delivery, got %d", delivered)
	}
	if len(alive.messages()) != 1 {
		t.Fatalf("expected live connection to receive the broadcast")
	}
}

func TestUpdateMissingRoom(t *testing.T) {
	registry := newTestRegistry(t, stubAccess{}, nil)
	err := registry.Update(context.Background(), "nope", func(*Room) error { return nil })
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}
}
