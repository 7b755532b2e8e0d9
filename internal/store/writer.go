package store

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/lectio/internal/metrics"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	defaultQueueSize       = 256
	defaultMaxAttempts     = 5
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 5 * time.Second
	drainTimeout           = 5 * time.Second

	opRecordPosition = "store.record_position"
)

var (
	// ErrQueueFull indicates a position write was dropped because the queue was saturated.
	ErrQueueFull = errors.New("store: write queue full")

	errMissingPositionStore = errors.New("position store is required")
)

// PositionStore is the durable side of position recording.
type PositionStore interface {
	SaveLastPosition(ctx context.Context, roomID, ref string, at time.Time) error
	UpsertProgress(ctx context.Context, participantID, roomID, ref string, at time.Time) error
}

type WriterConfig struct {
	Store           PositionStore
	QueueSize       int
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

type positionWrite struct {
	roomID         string
	ref            string
	at             time.Time
	participantIDs []string
}

// AsyncWriter queues agreed positions and persists them on a single worker with
// exponential backoff, so navigation never waits on storage.
type AsyncWriter struct {
	store           PositionStore
	queue           chan positionWrite
	maxAttempts     uint
	initialInterval time.Duration
	maxInterval     time.Duration
	logger          *zap.Logger
	metrics         *metrics.Metrics
}

func NewAsyncWriter(cfg WriterConfig) (*AsyncWriter, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opRecordPosition, "missing_store", errMissingPositionStore)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	initialInterval := cfg.InitialInterval
	if initialInterval <= 0 {
		initialInterval = defaultInitialInterval
	}
	maxInterval := cfg.MaxInterval
	if maxInterval < initialInterval {
		maxInterval = defaultMaxInterval
		if maxInterval < initialInterval {
			maxInterval = initialInterval
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &AsyncWriter{
		store:           cfg.Store,
		queue:           make(chan positionWrite, queueSize),
		maxAttempts:     maxAttempts,
		initialInterval: initialInterval,
		maxInterval:     maxInterval,
		logger:          logger.Named("persistence"),
		metrics:         cfg.Metrics,
	}, nil
}

// RecordPosition enqueues the room's last position and the reading progress of every
// listed participant without blocking. A saturated queue drops the whole write.
func (w *AsyncWriter) RecordPosition(roomID, ref string, at time.Time, participantIDs ...string) {
	write := positionWrite{
		roomID:         roomID,
		ref:            ref,
		at:             at,
		participantIDs: append([]string(nil), participantIDs...),
	}
	select {
	case w.queue <- write:
	default:
		w.metrics.PersistenceFailed("enqueue")
		w.logger.Error("position write dropped",
			zap.String("operation", opRecordPosition),
			zap.String("reason", "queue_full"),
			zap.String("room_id", roomID),
			zap.Strings("participant_ids", participantIDs),
			zap.Error(ErrQueueFull))
	}
}

// Run persists queued writes until ctx is cancelled, then drains what is left.
func (w *AsyncWriter) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			w.drain()
			return nil
		}
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case write := <-w.queue:
			w.persist(ctx, write)
		}
	}
}

func (w *AsyncWriter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case write := <-w.queue:
			w.persist(ctx, write)
		default:
			return
		}
	}
}

func (w *AsyncWriter) persist(ctx context.Context, write positionWrite) {
	if err := w.retry(ctx, func() error {
		return w.store.SaveLastPosition(ctx, write.roomID, write.ref, write.at)
	}); err != nil {
		w.metrics.PersistenceFailed("save_last_position")
		w.logger.Error("position persistence failed",
			zap.String("operation", opSaveLastPosition),
			zap.String("room_id", write.roomID),
			zap.String("ref", write.ref),
			zap.Error(err))
	}
	for _, participantID := range write.participantIDs {
		if err := w.retry(ctx, func() error {
			return w.store.UpsertProgress(ctx, participantID, write.roomID, write.ref, write.at)
		}); err != nil {
			w.metrics.PersistenceFailed("upsert_progress")
			w.logger.Error("progress persistence failed",
				zap.String("operation", opUpsertProgress),
				zap.String("room_id", write.roomID),
				zap.String("participant_id", participantID),
				zap.String("ref", write.ref),
				zap.Error(err))
		}
	}
}

func (w *AsyncWriter) retry(ctx context.Context, operation func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.initialInterval
	policy.MaxInterval = w.maxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := operation()
		if isPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(w.maxAttempts))
	return err
}

// isPermanent reports validation failures that retrying cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, ErrInvalidRoomID) ||
		errors.Is(err, ErrInvalidParticipantID) ||
		errors.Is(err, ErrInvalidRef)
}
