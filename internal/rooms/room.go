package rooms

import (
	"context"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/lectio/internal/protocol"
	"go.uber.org/zap"
)

// Connection is a point-to-point handle owned by the gateway.
// Send must not block; a closed or saturated connection returns an error.
type Connection interface {
	ID() string
	Send(message protocol.Message) error
}

// Member identifies a participant asking to join a room.
type Member struct {
	ParticipantID string
	DisplayName   string
}

// Participant is a connection bound to a room.
type Participant struct {
	ID          string
	DisplayName string
	Conn        Connection
	JoinedAt    time.Time
	// Position is the last ref this participant is known to be viewing.
	Position string
}

// Info returns the wire description of the participant.
func (p *Participant) Info() protocol.ParticipantInfo {
	return protocol.ParticipantInfo{
		ParticipantID:   p.ID,
		ParticipantName: p.DisplayName,
		Position:        p.Position,
		JoinedAt:        p.JoinedAt,
	}
}

// Room is the in-memory state of one study session.
//
// Every method other than ID requires the room lock, which the Registry holds while
// running join, leave, sweep and Update callbacks.
type Room struct {
	id    string
	guard chan struct{}

	participants map[string]*Participant
	position     string
	hasPosition  bool
	createdAt    time.Time
	lastActivity time.Time
	closed       bool

	clock    func() time.Time
	logger   *zap.Logger
	onFailed func(kind protocol.Kind)
}

func newRoom(id string, clock func() time.Time, logger *zap.Logger, onFailed func(protocol.Kind)) *Room {
	now := clock()
	return &Room{
		id:           id,
		guard:        make(chan struct{}, 1),
		participants: make(map[string]*Participant),
		createdAt:    now,
		lastActivity: now,
		clock:        clock,
		logger:       logger,
		onFailed:     onFailed,
	}
}

func (r *Room) lock(ctx context.Context) error {
	select {
	case r.guard <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) unlock() {
	<-r.guard
}

// ID returns the stable room identifier.
func (r *Room) ID() string {
	return r.id
}

// Position returns the agreed ref, if any navigation has happened.
func (r *Room) Position() (string, bool) {
	return r.position, r.hasPosition
}

// PositionPtr returns the agreed ref as a nullable value for wire messages.
func (r *Room) PositionPtr() *string {
	if !r.hasPosition {
		return nil
	}
	position := r.position
	return &position
}

// SetPosition records the agreed ref and touches the room.
func (r *Room) SetPosition(ref string) {
	r.position = ref
	r.hasPosition = true
	r.Touch()
}

// Touch updates the last activity timestamp.
func (r *Room) Touch() {
	r.lastActivity = r.clock()
}

// LastActivity returns the time of the last join, leave or navigation.
func (r *Room) LastActivity() time.Time {
	return r.lastActivity
}

// Count returns the number of bound participants.
func (r *Room) Count() int {
	return len(r.participants)
}

// Participant looks up a bound participant.
func (r *Room) Participant(participantID string) (*Participant, bool) {
	participant, ok := r.participants[participantID]
	return participant, ok
}

// Participants returns members ordered by join time.
func (r *Room) Participants() []*Participant {
	members := make([]*Participant, 0, len(r.participants))
	for _, participant := range r.participants {
		members = append(members, participant)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ID < members[j].ID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members
}

// ParticipantInfos returns wire descriptions of all members except the excluded ids.
func (r *Room) ParticipantInfos(excluded ...string) []protocol.ParticipantInfo {
	infos := make([]protocol.ParticipantInfo, 0, len(r.participants))
	for _, participant := range r.Participants() {
		if contains(excluded, participant.ID) {
			continue
		}
		infos = append(infos, participant.Info())
	}
	return infos
}

// SendTo delivers a message to one participant. Failures are logged and reported.
func (r *Room) SendTo(participant *Participant, message protocol.Message) bool {
	if participant == nil || participant.Conn == nil {
		return false
	}
	if err := participant.Conn.Send(message); err != nil {
		r.logger.Warn("room send failed",
			zap.String("room_id", r.id),
			zap.String("participant_id", participant.ID),
			zap.String("kind", string(message.Kind())),
			zap.Error(err))
		if r.onFailed != nil {
			r.onFailed(message.Kind())
		}
		return false
	}
	return true
}

// Broadcast sends a message to every member except the excluded ids, in join order.
// A failed connection never stops delivery to the remaining members.
func (r *Room) Broadcast(message protocol.Message, excluded ...string) int {
	delivered := 0
	for _, participant := range r.Participants() {
		if contains(excluded, participant.ID) {
			continue
		}
		if r.SendTo(participant, message) {
			delivered++
		}
	}
	return delivered
}

// State returns an immutable copy of the room.
func (r *Room) State() State {
	participants := make([]ParticipantState, 0, len(r.participants))
	for _, participant := range r.Participants() {
		participants = append(participants, ParticipantState{
			ID:           participant.ID,
			DisplayName:  participant.DisplayName,
			ConnectionID: connectionID(participant.Conn),
			JoinedAt:     participant.JoinedAt,
			Position:     participant.Position,
		})
	}
	return State{
		ID:           r.id,
		Position:     r.position,
		HasPosition:  r.hasPosition,
		Participants: participants,
		CreatedAt:    r.createdAt,
		LastActivity: r.lastActivity,
	}
}

// State is a detached snapshot of a room.
type State struct {
	ID           string
	Position     string
	HasPosition  bool
	Participants []ParticipantState
	CreatedAt    time.Time
	LastActivity time.Time
}

// ParticipantState is a detached snapshot of a participant handle.
type ParticipantState struct {
	ID           string
	DisplayName  string
	ConnectionID string
	JoinedAt     time.Time
	Position     string
}

func connectionID(conn Connection) string {
	if conn == nil {
		return ""
	}
	return conn.ID()
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
