package presence

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/lectio/internal/navigation"
	"github.com/MarcoPoloResearchLab/lectio/internal/protocol"
	"github.com/MarcoPoloResearchLab/lectio/internal/rooms"
	"go.uber.org/zap"
)

const defaultSnapshotInterval = 15 * time.Second

var errMissingRegistry = errors.New("presence: registry required")

// HistorySource supplies retained navigation history to joining participants.
type HistorySource interface {
	HistoryOf(room *rooms.Room) []navigation.Record
}

// Config describes the dependencies of a Broadcaster.
type Config struct {
	Registry         *rooms.Registry
	History          HistorySource
	Clock            func() time.Time
	SnapshotInterval time.Duration
	Logger           *zap.Logger
}

// Broadcaster announces membership changes and periodic position snapshots.
type Broadcaster struct {
	registry *rooms.Registry
	history  HistorySource
	clock    func() time.Time
	interval time.Duration
	logger   *zap.Logger
}

// NewBroadcaster constructs a Broadcaster and subscribes it to registry events.
func NewBroadcaster(cfg Config) (*Broadcaster, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.SnapshotInterval
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	broadcaster := &Broadcaster{
		registry: cfg.Registry,
		history:  cfg.History,
		clock:    clock,
		interval: interval,
		logger:   logger.Named("presence"),
	}
	cfg.Registry.Observe(broadcaster)
	return broadcaster, nil
}

// ParticipantJoined sends the joiner a room snapshot and tells everyone else.
// A rejoin only refreshes the joiner's snapshot.
func (b *Broadcaster) ParticipantJoined(room *rooms.Room, participant *rooms.Participant, rejoined bool) {
	history := []protocol.NavigationEntry{}
	if b.history != nil {
		history = navigation.Entries(b.history.HistoryOf(room))
	}
	room.SendTo(participant, protocol.RoomJoined{
		RoomID:       room.ID(),
		Position:     room.PositionPtr(),
		Participants: room.ParticipantInfos(participant.ID),
		History:      history,
	})
	if rejoined {
		return
	}
	room.Broadcast(protocol.ParticipantJoined{
		RoomID:           room.ID(),
		ParticipantID:    participant.ID,
		ParticipantName:  participant.DisplayName,
		ParticipantCount: room.Count(),
	}, participant.ID)
}

// ParticipantLeft tells the remaining members. The departed handle is already unbound.
func (b *Broadcaster) ParticipantLeft(room *rooms.Room, participant *rooms.Participant) {
	room.Broadcast(protocol.ParticipantLeft{
		RoomID:           room.ID(),
		ParticipantID:    participant.ID,
		ParticipantName:  participant.DisplayName,
		ParticipantCount: room.Count(),
	})
}

func (b *Broadcaster) RoomClosed(*rooms.Room) {}

// SnapshotRoom broadcasts the full participant-positions snapshot of one room.
func (b *Broadcaster) SnapshotRoom(ctx context.Context, roomID string) error {
	return b.registry.Update(ctx, roomID, func(room *rooms.Room) error {
		room.Broadcast(protocol.ParticipantPositions{
			RoomID:       room.ID(),
			Position:     room.PositionPtr(),
			Participants: room.ParticipantInfos(),
			Timestamp:    b.clock(),
		})
		return nil
	})
}

// SnapshotAll broadcasts a snapshot to every live room and returns how many were reached.
func (b *Broadcaster) SnapshotAll(ctx context.Context) int {
	reached := 0
	for _, roomID := range b.registry.IDs() {
		if ctx.Err() != nil {
			return reached
		}
		err := b.SnapshotRoom(ctx, roomID)
		switch {
		case err == nil:
			reached++
		case errors.Is(err, rooms.ErrRoomNotFound):
		default:
			b.logger.Warn("presence snapshot failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}
	return reached
}

// Run emits snapshots on a fixed interval until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.SnapshotAll(ctx)
		}
	}
}
