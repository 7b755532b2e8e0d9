package navigation

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/lectio/internal/metrics"
	"github.com/MarcoPoloResearchLab/lectio/internal/protocol"
	"github.com/MarcoPoloResearchLab/lectio/internal/rooms"
	"go.uber.org/zap"
)

// PassThroughConfig describes the dependencies of a PassThrough navigator.
type PassThroughConfig struct {
	Registry  *rooms.Registry
	Persister Persister
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// PassThrough accepts every proposal immediately: it persists and broadcasts without
// conflict detection or history. It is selected when full synchronization is disabled.
type PassThrough struct {
	registry  *rooms.Registry
	persister Persister
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewPassThrough(cfg PassThroughConfig) (*PassThrough, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	persister := cfg.Persister
	if persister == nil {
		persister = nopPersister{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PassThrough{
		registry:  cfg.Registry,
		persister: persister,
		clock:     clock,
		logger:    logger.Named("navigation"),
		metrics:   cfg.Metrics,
	}, nil
}

func (p *PassThrough) Propose(ctx context.Context, roomID, participantID, ref string) error {
	normalized, err := normalizeRef(ref)
	if err != nil {
		return err
	}
	return p.registry.Update(ctx, roomID, func(room *rooms.Room) error {
		participant, err := memberOf(room, participantID)
		if err != nil {
			return err
		}
		now := p.clock()
		room.SetPosition(normalized)
		participant.Position = normalized
		room.Broadcast(protocol.NavigationUpdate{
			RoomID:          room.ID(),
			NewRef:          normalized,
			NavigatedBy:     participant.ID,
			NavigatedByName: participant.DisplayName,
			Timestamp:       now,
		})
		p.persister.RecordPosition(room.ID(), normalized, now, participant.ID)
		p.metrics.Navigation(metrics.OutcomeAccepted)
		return nil
	})
}

// Resolve always fails: conflicts never arise without synchronization.
func (p *PassThrough) Resolve(context.Context, string, string, string) error {
	return ErrConflictState
}

func (p *PassThrough) History(ctx context.Context, roomID string) ([]Record, error) {
	err := p.registry.Update(ctx, roomID, func(*rooms.Room) error { return nil })
	return []Record{}, err
}

func (p *PassThrough) ClearHistory(context.Context, string) error {
	return nil
}

func (p *PassThrough) HistoryOf(*rooms.Room) []Record {
	return []Record{}
}
