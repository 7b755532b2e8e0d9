package studyroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/lectio/internal/navigation"
	"github.com/MarcoPoloResearchLab/lectio/internal/protocol"
	"github.com/MarcoPoloResearchLab/lectio/internal/rooms"
	"go.uber.org/zap"
)

const defaultOperationTimeout = 5 * time.Second

// Error codes carried in protocol error messages.
const (
	CodeInvalidMessage      = "invalid_message"
	CodeAccessDenied        = "access_denied"
	CodeRoomNotFound        = "room_not_found"
	CodeJoinTimeout         = "join_timeout"
	CodeNotInRoom           = "not_in_room"
	CodeNoConflict          = "no_conflict"
	CodeParticipantMismatch = "participant_mismatch"
	CodeTimeout             = "timeout"
	CodeInternal            = "internal"
)

var (
	// ErrNotInRoom indicates an operation that needs a joined room before any join.
	ErrNotInRoom = errors.New("studyroom: not in a room")
	// ErrParticipantMismatch indicates a message naming a participant other than the sender.
	ErrParticipantMismatch = errors.New("studyroom: participant mismatch")

	errMissingRegistry  = errors.New("studyroom: registry required")
	errMissingNavigator = errors.New("studyroom: navigator required")
	errMissingRelay     = errors.New("studyroom: relay required")
)

// CallRelay is the call signaling capability the coordinator dispatches to.
type CallRelay interface {
	JoinCall(ctx context.Context, roomID, participantID string) error
	LeaveCall(ctx context.Context, roomID, participantID string) error
	Relay(ctx context.Context, kind protocol.Kind, roomID, from, to string, payload json.RawMessage) error
}

// Config describes the dependencies of a Coordinator.
type Config struct {
	Registry         *rooms.Registry
	Navigator        navigation.Navigator
	Relay            CallRelay
	Clock            func() time.Time
	OperationTimeout time.Duration
	Logger           *zap.Logger
}

// Session is one authenticated connection. Handle calls for a session must not overlap.
type Session struct {
	member rooms.Member
	conn   rooms.Connection
}

// ParticipantID returns the authenticated participant behind the session.
func (s *Session) ParticipantID() string {
	return s.member.ParticipantID
}

// binding records the single room a participant occupies and the session bound there.
type binding struct {
	roomID  string
	session *Session
}

// Coordinator routes client messages to the registry, the navigator and the call relay,
// and keeps each participant in at most one room.
type Coordinator struct {
	mu       sync.Mutex
	bindings map[string]binding

	registry  *rooms.Registry
	navigator navigation.Navigator
	relay     CallRelay
	clock     func() time.Time
	timeout   time.Duration
	logger    *zap.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Navigator == nil {
		return nil, errMissingNavigator
	}
	if cfg.Relay == nil {
		return nil, errMissingRelay
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		bindings:  make(map[string]binding),
		registry:  cfg.Registry,
		navigator: cfg.Navigator,
		relay:     cfg.Relay,
		clock:     clock,
		timeout:   timeout,
		logger:    logger.Named("studyroom"),
	}, nil
}

// Connect opens a session for an authenticated participant on a fresh connection.
func (c *Coordinator) Connect(member rooms.Member, conn rooms.Connection) *Session {
	if member.DisplayName == "" {
		member.DisplayName = member.ParticipantID
	}
	return &Session{member: member, conn: conn}
}

// CurrentRoom returns the room the participant occupies, if any.
func (c *Coordinator) CurrentRoom(participantID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bound, ok := c.bindings[participantID]
	return bound.roomID, ok
}

// Handle decodes and dispatches one client frame. Failures local to the sender are
// reported to the sender as error messages and never reach other participants.
func (c *Coordinator) Handle(ctx context.Context, session *Session, frame []byte) {
	message, err := protocol.DecodeInbound(frame)
	if err != nil {
		c.reject(session, protocol.Kind(""), err)
		return
	}
	if err := c.dispatch(ctx, session, message); err != nil {
		c.reject(session, message.Type, err)
	}
}

func (c *Coordinator) dispatch(ctx context.Context, session *Session, message protocol.Inbound) error {
	switch message.Type {
	case protocol.KindPing:
		return session.conn.Send(protocol.Pong{Timestamp: c.clock()})
	case protocol.KindJoinRoom:
		return c.joinRoom(ctx, session, message.RoomID)
	case protocol.KindLeaveRoom:
		return c.leaveRoom(ctx, session, message.RoomID)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	participantID := session.member.ParticipantID

	switch message.Type {
	case protocol.KindNavigate:
		return c.navigator.Propose(opCtx, message.RoomID, participantID, message.NewRef)
	case protocol.KindResolveConflict:
		return c.navigator.Resolve(opCtx, message.RoomID, participantID, message.ChosenRef)
	case protocol.KindJoinCall, protocol.KindLeaveCall:
		if message.ParticipantID != "" && message.ParticipantID != participantID {
			return ErrParticipantMismatch
		}
		if message.Type == protocol.KindJoinCall {
			return c.relay.JoinCall(opCtx, message.RoomID, participantID)
		}
		return c.relay.LeaveCall(opCtx, message.RoomID, participantID)
	case protocol.KindCallOffer, protocol.KindCallAnswer, protocol.KindCallICE:
		roomID, ok := c.roomOf(session)
		if !ok {
			return ErrNotInRoom
		}
		return c.relay.Relay(opCtx, message.Type, roomID, participantID, message.To, message.Payload)
	default:
		return fmt.Errorf("%w: %s", protocol.ErrUnknownKind, message.Type)
	}
}

func (c *Coordinator) joinRoom(ctx context.Context, session *Session, roomID string) error {
	participantID := session.member.ParticipantID
	if _, err := c.registry.Join(ctx, roomID, session.member, session.conn); err != nil {
		return err
	}

	c.mu.Lock()
	previous, hadPrevious := c.bindings[participantID]
	c.bindings[participantID] = binding{roomID: roomID, session: session}
	c.mu.Unlock()

	if !hadPrevious || previous.roomID == roomID {
		return nil
	}
	leaveCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.registry.Leave(leaveCtx, previous.roomID, participantID); err != nil {
		c.logger.Warn("leaving previous room failed, undoing join",
			zap.String("participant_id", participantID),
			zap.String("room_id", previous.roomID),
			zap.String("target_room_id", roomID),
			zap.Error(err))
		c.undoJoin(session, roomID, previous)
		return fmt.Errorf("studyroom: leaving %s: %w", previous.roomID, err)
	}
	_ = previous.session.conn.Send(protocol.RoomLeft{RoomID: previous.roomID})
	c.logger.Info("participant switched rooms",
		zap.String("participant_id", participantID),
		zap.String("from_room_id", previous.roomID),
		zap.String("to_room_id", roomID))
	return nil
}

// undoJoin takes the session back out of roomID and restores the previous binding,
// keeping the participant in a single room when the switch cannot complete.
func (c *Coordinator) undoJoin(session *Session, roomID string, previous binding) {
	participantID := session.member.ParticipantID
	c.mu.Lock()
	if bound, ok := c.bindings[participantID]; ok && bound.session == session && bound.roomID == roomID {
		c.bindings[participantID] = previous
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	removed, err := c.registry.LeaveConnection(ctx, roomID, participantID, session.conn.ID())
	if err != nil {
		c.logger.Error("undoing join failed",
			zap.String("participant_id", participantID),
			zap.String("room_id", roomID),
			zap.Error(err))
		return
	}
	if removed {
		_ = session.conn.Send(protocol.RoomLeft{RoomID: roomID})
	}
}

// leaveRoom removes the participant only while this session's connection is the bound
// handle; a superseded session cannot evict its replacement.
func (c *Coordinator) leaveRoom(ctx context.Context, session *Session, roomID string) error {
	participantID := session.member.ParticipantID
	leaveCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.registry.LeaveConnection(leaveCtx, roomID, participantID, session.conn.ID()); err != nil {
		return err
	}

	c.mu.Lock()
	if bound, ok := c.bindings[participantID]; ok && bound.roomID == roomID && bound.session == session {
		delete(c.bindings, participantID)
	}
	c.mu.Unlock()

	return session.conn.Send(protocol.RoomLeft{RoomID: roomID})
}

// Disconnect releases whatever the session holds. A session that was superseded by a
// reconnect of the same participant leaves the newer binding untouched.
func (c *Coordinator) Disconnect(ctx context.Context, session *Session) {
	participantID := session.member.ParticipantID
	c.mu.Lock()
	bound, ok := c.bindings[participantID]
	if !ok || bound.session != session {
		c.mu.Unlock()
		return
	}
	delete(c.bindings, participantID)
	c.mu.Unlock()

	leaveCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	removed, err := c.registry.LeaveConnection(leaveCtx, bound.roomID, participantID, session.conn.ID())
	if err != nil {
		c.logger.Warn("disconnect cleanup failed",
			zap.String("participant_id", participantID),
			zap.String("room_id", bound.roomID),
			zap.Error(err))
		return
	}
	c.logger.Debug("session disconnected",
		zap.String("participant_id", participantID),
		zap.String("room_id", bound.roomID),
		zap.Bool("removed", removed))
}

func (c *Coordinator) roomOf(session *Session) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bound, ok := c.bindings[session.member.ParticipantID]
	if !ok {
		return "", false
	}
	return bound.roomID, true
}

func (c *Coordinator) reject(session *Session, kind protocol.Kind, err error) {
	code, text := describe(err)
	level := c.logger.Debug
	if code == CodeInternal {
		level = c.logger.Error
	}
	level("client operation rejected",
		zap.String("participant_id", session.member.ParticipantID),
		zap.String("kind", string(kind)),
		zap.String("code", code),
		zap.Error(err))
	if sendErr := session.conn.Send(protocol.Error{Code: code, Message: text}); sendErr != nil {
		c.logger.Debug("error delivery failed",
			zap.String("participant_id", session.member.ParticipantID),
			zap.Error(sendErr))
	}
}

func describe(err error) (string, string) {
	switch {
	case errors.Is(err, protocol.ErrMalformedMessage),
		errors.Is(err, protocol.ErrUnknownKind),
		errors.Is(err, protocol.ErrMissingField),
		errors.Is(err, protocol.ErrFieldTooLong),
		errors.Is(err, navigation.ErrInvalidRef),
		errors.Is(err, rooms.ErrInvalidRoomID),
		errors.Is(err, rooms.ErrInvalidParticipant):
		return CodeInvalidMessage, err.Error()
	case errors.Is(err, rooms.ErrAccessDenied):
		return CodeAccessDenied, "you do not have access to this room"
	case errors.Is(err, rooms.ErrRoomNotFound):
		return CodeRoomNotFound, "room not found"
	case errors.Is(err, rooms.ErrJoinTimeout):
		return CodeJoinTimeout, "joining the room timed out"
	case errors.Is(err, rooms.ErrNotParticipant), errors.Is(err, ErrNotInRoom):
		return CodeNotInRoom, "join the room first"
	case errors.Is(err, navigation.ErrConflictState):
		return CodeNoConflict, "there is no navigation conflict to resolve"
	case errors.Is(err, ErrParticipantMismatch):
		return CodeParticipantMismatch, "participant does not match the connection"
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout, "the room is busy, try again"
	default:
		return CodeInternal, "internal error"
	}
}
