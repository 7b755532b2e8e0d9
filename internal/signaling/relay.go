package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/lectio/internal/metrics"
	"github.com/MarcoPoloResearchLab/lectio/internal/protocol"
	"github.com/MarcoPoloResearchLab/lectio/internal/rooms"
	"go.uber.org/zap"
)

const (
	statusDelivered     = "delivered"
	statusTargetMissing = "target_missing"
	statusFailed        = "failed"
)

var (
	// ErrNotSignal indicates a relay request for a kind that is not a call signal.
	ErrNotSignal = errors.New("signaling: not a call signal")

	errMissingRegistry = errors.New("signaling: registry required")
)

// Config describes the dependencies of a Relay.
type Config struct {
	Registry *rooms.Registry
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// callSession tracks the participants that opted into the video sub-room of one room.
// It is only touched while the owning room's lock is held.
type callSession struct {
	room    *rooms.Room
	members map[string]struct{}
}

// Relay forwards call negotiation between room members without reading the payloads.
type Relay struct {
	mu       sync.Mutex
	sessions map[string]*callSession

	registry *rooms.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewRelay constructs a Relay and subscribes it to registry membership events.
func NewRelay(cfg Config) (*Relay, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	relay := &Relay{
		sessions: make(map[string]*callSession),
		registry: cfg.Registry,
		logger:   logger.Named("signaling"),
		metrics:  cfg.Metrics,
	}
	cfg.Registry.Observe(relay)
	return relay, nil
}

// JoinCall opts the participant into the room's call and notifies the other room members.
// Joining twice is a no-op.
func (r *Relay) JoinCall(ctx context.Context, roomID, participantID string) error {
	return r.registry.Update(ctx, roomID, func(room *rooms.Room) error {
		if _, ok := room.Participant(participantID); !ok {
			return fmt.Errorf("%w: %s in %s", rooms.ErrNotParticipant, participantID, roomID)
		}
		session := r.sessionFor(room)
		if _, joined := session.members[participantID]; joined {
			return nil
		}
		session.members[participantID] = struct{}{}
		room.Broadcast(protocol.CallJoinedNotice{RoomID: room.ID(), ParticipantID: participantID}, participantID)
		r.logger.Info("participant joined call",
			zap.String("room_id", room.ID()),
			zap.String("participant_id", participantID),
			zap.Int("call_size", len(session.members)))
		return nil
	})
}

// LeaveCall removes the participant from the room's call while keeping room membership.
func (r *Relay) LeaveCall(ctx context.Context, roomID, participantID string) error {
	return r.registry.Update(ctx, roomID, func(room *rooms.Room) error {
		if _, ok := room.Participant(participantID); !ok {
			return fmt.Errorf("%w: %s in %s", rooms.ErrNotParticipant, participantID, roomID)
		}
		r.removeLocked(room, participantID)
		return nil
	})
}

// Relay forwards an offer, answer or ICE candidate to one room member. A missing target
// is logged and dropped because it may have just disconnected.
func (r *Relay) Relay(ctx context.Context, kind protocol.Kind, roomID, from, to string, payload json.RawMessage) error {
	if !kind.IsCallSignal() {
		return fmt.Errorf("%w: %s", ErrNotSignal, kind)
	}
	return r.registry.Update(ctx, roomID, func(room *rooms.Room) error {
		if _, ok := room.Participant(from); !ok {
			return fmt.Errorf("%w: %s in %s", rooms.ErrNotParticipant, from, roomID)
		}
		target, ok := room.Participant(to)
		if !ok || to == from {
			r.metrics.SignalRelayed(string(kind), statusTargetMissing)
			r.logger.Debug("signal target not in room",
				zap.String("room_id", roomID),
				zap.String("from", from),
				zap.String("to", to),
				zap.String("kind", string(kind)))
			return nil
		}
		signal := protocol.CallSignal{SignalKind: kind, From: from, Payload: payload}
		if !room.SendTo(target, signal) {
			r.metrics.SignalRelayed(string(kind), statusFailed)
			return nil
		}
		r.metrics.SignalRelayed(string(kind), statusDelivered)
		return nil
	})
}

// CallMembers returns the participants currently in the room's call, sorted.
func (r *Relay) CallMembers(ctx context.Context, roomID string) ([]string, error) {
	members := []string{}
	err := r.registry.Update(ctx, roomID, func(room *rooms.Room) error {
		session := r.existingSession(room)
		if session == nil {
			return nil
		}
		for participantID := range session.members {
			members = append(members, participantID)
		}
		sort.Strings(members)
		return nil
	})
	return members, err
}

func (r *Relay) ParticipantJoined(*rooms.Room, *rooms.Participant, bool) {}

// ParticipantLeft drops a departing participant from the call.
func (r *Relay) ParticipantLeft(room *rooms.Room, participant *rooms.Participant) {
	r.removeLocked(room, participant.ID)
}

// RoomClosed discards call state of a deleted room.
func (r *Relay) RoomClosed(room *rooms.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[room.ID()]; ok && session.room == room {
		delete(r.sessions, room.ID())
	}
}

// PruneOrphans drops call state whose room is no longer registered.
func (r *Relay) PruneOrphans(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for roomID, session := range r.sessions {
		if r.registry.Holds(roomID, session.room) {
			continue
		}
		delete(r.sessions, roomID)
		removed++
	}
	return removed, nil
}

func (r *Relay) removeLocked(room *rooms.Room, participantID string) {
	session := r.existingSession(room)
	if session == nil {
		return
	}
	if _, joined := session.members[participantID]; !joined {
		return
	}
	delete(session.members, participantID)
	room.Broadcast(protocol.CallLeftNotice{RoomID: room.ID(), ParticipantID: participantID}, participantID)
	r.logger.Info("participant left call",
		zap.String("room_id", room.ID()),
		zap.String("participant_id", participantID),
		zap.Int("call_size", len(session.members)))
}

func (r *Relay) sessionFor(room *rooms.Room) *callSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[room.ID()]
	if !ok || session.room != room {
		session = &callSession{room: room, members: make(map[string]struct{})}
		r.sessions[room.ID()] = session
	}
	return session
}

func (r *Relay) existingSession(room *rooms.Room) *callSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[room.ID()]
	if !ok || session.room != room {
		return nil
	}
	return session
}
