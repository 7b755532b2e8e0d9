package navigation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lectio/internal/protocol"
	"github.com/MarcoPoloResearchLab/lectio/internal/rooms"
)

const maxRefLength = 190

var (
	// ErrConflictState indicates a resolve attempt while no conflict is pending.
	ErrConflictState = errors.New("navigation: no conflict pending")
	// ErrInvalidRef indicates an empty or oversized text reference.
	ErrInvalidRef = errors.New("navigation: invalid ref")
)

// Navigator is the room navigation capability consumed by the session coordinator.
// Synchronizer is the full implementation; PassThrough accepts every proposal directly.
type Navigator interface {
	Propose(ctx context.Context, roomID, participantID, ref string) error
	Resolve(ctx context.Context, roomID, participantID, chosenRef string) error
	History(ctx context.Context, roomID string) ([]Record, error)
	ClearHistory(ctx context.Context, roomID string) error
	// HistoryOf reads retained history while the caller already holds the room lock.
	HistoryOf(room *rooms.Room) []Record
}

// Persister records agreed positions durably, along with the reading progress of the
// listed participants. Implementations must not block.
type Persister interface {
	RecordPosition(roomID, ref string, at time.Time, participantIDs ...string)
}

// Record is an accepted navigation. Records are appended and never mutated.
type Record struct {
	RoomID          string
	ParticipantID   string
	ParticipantName string
	Ref             string
	Timestamp       time.Time
}

// Entry returns the wire form of the record.
func (r Record) Entry() protocol.NavigationEntry {
	return protocol.NavigationEntry{
		ParticipantID:   r.ParticipantID,
		ParticipantName: r.ParticipantName,
		Ref:             r.Ref,
		Timestamp:       r.Timestamp,
	}
}

// Entries converts records to their wire form.
func Entries(records []Record) []protocol.NavigationEntry {
	entries := make([]protocol.NavigationEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, record.Entry())
	}
	return entries
}

type nopPersister struct{}

func (nopPersister) RecordPosition(string, string, time.Time, ...string) {}

func normalizeRef(ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRef)
	}
	if len(trimmed) > maxRefLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRef, maxRefLength)
	}
	return trimmed, nil
}

func memberOf(room *rooms.Room, participantID string) (*rooms.Participant, error) {
	participant, ok := room.Participant(participantID)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", rooms.ErrNotParticipant, participantID, room.ID())
	}
	return participant, nil
}
