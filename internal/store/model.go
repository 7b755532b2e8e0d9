package store

import (
	"errors"
	"fmt"
	"strings"
)

const (
	maxIdentifierLength = 190
	maxRefLength        = 190
	maxTitleLength      = 190
)

var (
	// ErrInvalidRoomID indicates that a room identifier is empty or exceeds storage bounds.
	ErrInvalidRoomID = errors.New("store: invalid room id")
	// ErrInvalidParticipantID indicates that a participant identifier is empty or exceeds storage bounds.
	ErrInvalidParticipantID = errors.New("store: invalid participant id")
	// ErrInvalidRef indicates that a text reference is empty or exceeds storage bounds.
	ErrInvalidRef = errors.New("store: invalid ref")
	// ErrRoomNotFound indicates that no room is stored under the identifier.
	ErrRoomNotFound = errors.New("store: room not found")
	// ErrNotCreator indicates that only the room creator may perform the operation.
	ErrNotCreator = errors.New("store: not the room creator")
	// ErrProgressNotFound indicates that the participant has no reading progress in the room.
	ErrProgressNotFound = errors.New("store: progress not found")
)

// RoomID represents a validated room identifier.
type RoomID string

// NewRoomID validates raw input and returns a RoomID.
func NewRoomID(rawInput string) (RoomID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomID, maxIdentifierLength)
	}
	return RoomID(trimmed), nil
}

func (id RoomID) String() string {
	return string(id)
}

// ParticipantID represents a validated participant identifier.
type ParticipantID string

// NewParticipantID validates raw input and returns a ParticipantID.
func NewParticipantID(rawInput string) (ParticipantID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidParticipantID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidParticipantID, maxIdentifierLength)
	}
	return ParticipantID(trimmed), nil
}

func (id ParticipantID) String() string {
	return string(id)
}

func normalizeRef(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRef)
	}
	if len(trimmed) > maxRefLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRef, maxRefLength)
	}
	return trimmed, nil
}

// StudyRoom is the durable record of a study room. LastPosition is empty until
// the first navigation is persisted.
type StudyRoom struct {
	RoomID                string `gorm:"column:room_id;primaryKey;size:190;not null"`
	CreatorID             string `gorm:"column:creator_id;size:190;not null;index:idx_rooms_creator"`
	Title                 string `gorm:"column:title;size:190;not null;default:''"`
	LastPosition          string `gorm:"column:last_position;size:190;not null;default:''"`
	LastPositionAtSeconds int64  `gorm:"column:last_position_at_s;not null;default:0"`
	CreatedAtSeconds      int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StudyRoom) TableName() string {
	return "study_rooms"
}

// RoomParticipant lists a participant the creator granted access to.
type RoomParticipant struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	ParticipantID    string `gorm:"column:participant_id;primaryKey;size:190;not null;index:idx_room_participants_participant"`
	GrantedAtSeconds int64  `gorm:"column:granted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomParticipant) TableName() string {
	return "room_participants"
}

// ReadingProgress is the last ref a participant reached in a room.
type ReadingProgress struct {
	ParticipantID    string `gorm:"column:participant_id;primaryKey;size:190;not null"`
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	Ref              string `gorm:"column:ref;size:190;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReadingProgress) TableName() string {
	return "reading_progress"
}

// Models lists every table owned by the store, in migration order.
func Models() []any {
	return []any{&StudyRoom{}, &RoomParticipant{}, &ReadingProgress{}}
}
