package rooms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/lectio/internal/metrics"
	"github.com/MarcoPoloResearchLab/lectio/internal/protocol"
	"go.uber.org/zap"
)

const (
	defaultJoinTimeout  = 5 * time.Second
	maxIdentifierLength = 190
)

var (
	// ErrAccessDenied indicates the participant is neither creator nor listed member of the room.
	ErrAccessDenied = errors.New("rooms: access denied")
	// ErrRoomNotFound indicates no live room exists for the identifier.
	ErrRoomNotFound = errors.New("rooms: room not found")
	// ErrJoinTimeout indicates the join did not complete within the configured bound.
	ErrJoinTimeout = errors.New("rooms: join timed out")
	// ErrNotParticipant indicates the participant is not bound to the room.
	ErrNotParticipant = errors.New("rooms: not a participant")
	// ErrInvalidRoomID indicates an empty or oversized room identifier.
	ErrInvalidRoomID = errors.New("rooms: invalid room id")
	// ErrInvalidParticipant indicates an empty or oversized participant identifier.
	ErrInvalidParticipant = errors.New("rooms: invalid participant")

	errMissingAccessChecker = errors.New("rooms: access checker required")
)

// AccessChecker answers whether a participant may join a room.
type AccessChecker interface {
	GetRoomAccess(ctx context.Context, roomID, participantID string) (bool, error)
}

// Observer receives membership events while the room lock is held.
// Implementations must not call back into the Registry for the same room.
type Observer interface {
	ParticipantJoined(room *Room, participant *Participant, rejoined bool)
	ParticipantLeft(room *Room, participant *Participant)
	RoomClosed(room *Room)
}

// NopObserver can be embedded to implement only the events of interest.
type NopObserver struct{}

func (NopObserver) ParticipantJoined(*Room, *Participant, bool) {}
func (NopObserver) ParticipantLeft(*Room, *Participant)         {}
func (NopObserver) RoomClosed(*Room)                            {}

// Config describes the dependencies of a Registry.
type Config struct {
	Access      AccessChecker
	Clock       func() time.Time
	JoinTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Snapshot is returned to a joining participant.
type Snapshot struct {
	RoomID       string
	Position     *string
	Participants []protocol.ParticipantInfo
	Created      bool
	Rejoined     bool
}

// Registry owns every Room and its participant handles.
//
// The map lock only guards room lookup; each Room carries its own lock so operations on
// different rooms never contend.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[string]*Room
	observers []Observer

	access      AccessChecker
	clock       func() time.Time
	joinTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Access == nil {
		return nil, errMissingAccessChecker
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	joinTimeout := cfg.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = defaultJoinTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms:       make(map[string]*Room),
		access:      cfg.Access,
		clock:       clock,
		joinTimeout: joinTimeout,
		logger:      logger.Named("rooms"),
		metrics:     cfg.Metrics,
	}, nil
}

// Observe registers an observer for membership events.
func (r *Registry) Observe(observer Observer) {
	if observer == nil {
		return
	}
	r.mu.Lock()
	r.observers = append(r.observers, observer)
	r.mu.Unlock()
}

// Join binds the participant's connection to the room, creating the room when absent.
// Re-joining replaces the previous handle of the same participant.
func (r *Registry) Join(ctx context.Context, roomID string, member Member, conn Connection) (Snapshot, error) {
	roomID = strings.TrimSpace(roomID)
	if err := validateIdentifier(roomID, ErrInvalidRoomID); err != nil {
		return Snapshot{}, err
	}
	member.ParticipantID = strings.TrimSpace(member.ParticipantID)
	if err := validateIdentifier(member.ParticipantID, ErrInvalidParticipant); err != nil {
		return Snapshot{}, err
	}
	if conn == nil {
		return Snapshot{}, fmt.Errorf("%w: connection required", ErrInvalidParticipant)
	}

	ctx, cancel := context.WithTimeout(ctx, r.joinTimeout)
	defer cancel()

	allowed, err := r.access.GetRoomAccess(ctx, roomID, member.ParticipantID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrJoinTimeout, err)
		}
		return Snapshot{}, fmt.Errorf("rooms: access check failed: %w", err)
	}
	if !allowed {
		return Snapshot{}, ErrAccessDenied
	}

	for {
		room, created := r.getOrCreate(roomID)
		if err := room.lock(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return Snapshot{}, fmt.Errorf("%w: %v", ErrJoinTimeout, err)
			}
			return Snapshot{}, err
		}
		if room.closed {
			// Lost a race with the last leave; the next lookup creates a fresh room.
			room.unlock()
			continue
		}
		snapshot := r.joinLocked(room, member, conn)
		snapshot.Created = created
		room.unlock()
		return snapshot, nil
	}
}

func (r *Registry) joinLocked(room *Room, member Member, conn Connection) Snapshot {
	now := r.clock()
	existing, rejoined := room.participants[member.ParticipantID]
	participant := &Participant{
		ID:          member.ParticipantID,
		DisplayName: strings.TrimSpace(member.DisplayName),
		Conn:        conn,
		JoinedAt:    now,
		Position:    room.position,
	}
	if rejoined {
		participant.JoinedAt = existing.JoinedAt
		if existing.Position != "" {
			participant.Position = existing.Position
		}
	} else {
		r.metrics.ParticipantBound()
	}
	if participant.DisplayName == "" {
		participant.DisplayName = participant.ID
	}
	room.participants[participant.ID] = participant
	room.Touch()

	r.logger.Info("participant joined room",
		zap.String("room_id", room.id),
		zap.String("participant_id", participant.ID),
		zap.String("connection_id", conn.ID()),
		zap.Bool("rejoined", rejoined),
		zap.Int("participant_count", room.Count()))

	for _, observer := range r.currentObservers() {
		observer.ParticipantJoined(room, participant, rejoined)
	}

	return Snapshot{
		RoomID:       room.id,
		Position:     room.PositionPtr(),
		Participants: room.ParticipantInfos(participant.ID),
		Rejoined:     rejoined,
	}
}

// Leave removes the participant. Leaving an absent room or as an absent participant is a no-op.
func (r *Registry) Leave(ctx context.Context, roomID, participantID string) error {
	_, err := r.leave(ctx, roomID, participantID, "")
	return err
}

// LeaveConnection removes the participant only while connectionID is still its bound handle,
// so a stale connection closing after a reconnect leaves the new handle in place.
func (r *Registry) LeaveConnection(ctx context.Context, roomID, participantID, connID string) (bool, error) {
	return r.leave(ctx, roomID, participantID, connID)
}

func (r *Registry) leave(ctx context.Context, roomID, participantID, connID string) (bool, error) {
	room := r.lookup(roomID)
	if room == nil {
		return false, nil
	}
	if err := room.lock(ctx); err != nil {
		return false, err
	}
	defer room.unlock()
	if room.closed {
		return false, nil
	}
	return r.removeLocked(room, participantID, connID), nil
}

func (r *Registry) removeLocked(room *Room, participantID, connID string) bool {
	participant, ok := room.participants[participantID]
	if !ok {
		return false
	}
	if connID != "" && connectionID(participant.Conn) != connID {
		return false
	}
	delete(room.participants, participantID)
	room.Touch()
	r.metrics.ParticipantUnbound()

	r.logger.Info("participant left room",
		zap.String("room_id", room.id),
		zap.String("participant_id", participantID),
		zap.Int("participant_count", room.Count()))

	for _, observer := range r.currentObservers() {
		observer.ParticipantLeft(room, participant)
	}
	if room.Count() == 0 {
		r.closeLocked(room, "empty")
	}
	return true
}

func (r *Registry) closeLocked(room *Room, reason string) {
	room.closed = true
	r.mu.Lock()
	if r.rooms[room.id] == room {
		delete(r.rooms, room.id)
	}
	r.mu.Unlock()
	r.metrics.RoomClosed()
	r.logger.Info("room closed", zap.String("room_id", room.id), zap.String("reason", reason))
	for _, observer := range r.currentObservers() {
		observer.RoomClosed(room)
	}
}

// Update runs fn with the room locked. It fails with ErrRoomNotFound for absent rooms.
func (r *Registry) Update(ctx context.Context, roomID string, fn func(room *Room) error) error {
	room := r.lookup(roomID)
	if room == nil {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if err := room.lock(ctx); err != nil {
		return err
	}
	defer room.unlock()
	if room.closed {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return fn(room)
}

// Get returns a detached snapshot of the room.
func (r *Registry) Get(roomID string) (State, bool) {
	var state State
	err := r.Update(context.Background(), roomID, func(room *Room) error {
		state = room.State()
		return nil
	})
	if err != nil {
		return State{}, false
	}
	return state, true
}

// Touch refreshes the room's last activity timestamp.
func (r *Registry) Touch(ctx context.Context, roomID string) error {
	return r.Update(ctx, roomID, func(room *Room) error {
		room.Touch()
		return nil
	})
}

// Holds reports whether room is the live instance registered under roomID.
func (r *Registry) Holds(roomID string, room *Room) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, ok := r.rooms[roomID]
	return ok && current == room
}

// Exists reports whether a live room is registered under roomID.
func (r *Registry) Exists(roomID string) bool {
	return r.lookup(roomID) != nil
}

// IDs returns the identifiers of all registered rooms in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Sweep deletes rooms with no participants whose last activity is older than maxIdle.
// Populated rooms are never swept.
func (r *Registry) Sweep(ctx context.Context, maxIdle time.Duration) ([]string, error) {
	swept := make([]string, 0)
	for _, roomID := range r.IDs() {
		room := r.lookup(roomID)
		if room == nil {
			continue
		}
		if err := room.lock(ctx); err != nil {
			return swept, err
		}
		if !room.closed && room.Count() == 0 && r.clock().Sub(room.lastActivity) > maxIdle {
			r.closeLocked(room, "idle")
			swept = append(swept, roomID)
		}
		room.unlock()
	}
	return swept, nil
}

func (r *Registry) getOrCreate(roomID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[roomID]; ok {
		return room, false
	}
	room := newRoom(roomID, r.clock, r.logger, func(kind protocol.Kind) {
		r.metrics.BroadcastFailed(string(kind))
	})
	r.rooms[roomID] = room
	r.metrics.RoomOpened()
	r.logger.Info("room created", zap.String("room_id", roomID))
	return room, true
}

func (r *Registry) lookup(roomID string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

func (r *Registry) currentObservers() []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	return observers
}

func validateIdentifier(value string, sentinel error) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return nil
}
