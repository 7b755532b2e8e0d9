package reaper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/lectio/internal/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSchedule = "@every 30m"
	defaultMaxIdle  = 30 * time.Minute
)

var errMissingSweeper = errors.New("reaper: sweeper required")

// Sweeper deletes empty rooms idle for longer than maxIdle.
type Sweeper interface {
	Sweep(ctx context.Context, maxIdle time.Duration) ([]string, error)
}

// Pruner discards per-room state whose room is no longer held by the registry.
type Pruner interface {
	PruneOrphans(ctx context.Context) (int, error)
}

type Config struct {
	Sweeper Sweeper
	Pruners []Pruner
	// Schedule is a standard cron spec or descriptor such as "@every 30m".
	Schedule string
	MaxIdle  time.Duration
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Result summarizes one reaper pass.
type Result struct {
	Swept  []string
	Pruned int
}

// Reaper periodically removes idle empty rooms and orphaned component state.
type Reaper struct {
	sweeper  Sweeper
	pruners  []Pruner
	schedule cron.Schedule
	spec     string
	maxIdle  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewReaper(cfg Config) (*Reaper, error) {
	if cfg.Sweeper == nil {
		return nil, errMissingSweeper
	}
	spec := strings.TrimSpace(cfg.Schedule)
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("reaper: invalid schedule %q: %w", spec, err)
	}
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		sweeper:  cfg.Sweeper,
		pruners:  append([]Pruner(nil), cfg.Pruners...),
		schedule: schedule,
		spec:     spec,
		maxIdle:  maxIdle,
		logger:   logger.Named("reaper"),
		metrics:  cfg.Metrics,
	}, nil
}

// RunOnce sweeps idle rooms, then prunes orphaned state in every pruner in parallel.
func (r *Reaper) RunOnce(ctx context.Context) (Result, error) {
	swept, sweepErr := r.sweeper.Sweep(ctx, r.maxIdle)
	r.metrics.RoomsReapedAdd(len(swept))

	var pruned atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	for _, pruner := range r.pruners {
		group.Go(func() error {
			count, err := pruner.PruneOrphans(groupCtx)
			pruned.Add(int64(count))
			return err
		})
	}
	pruneErr := group.Wait()

	result := Result{Swept: swept, Pruned: int(pruned.Load())}
	if err := errors.Join(sweepErr, pruneErr); err != nil {
		r.logger.Error("reaper pass failed",
			zap.Strings("swept_room_ids", swept),
			zap.Int("pruned", result.Pruned),
			zap.Error(err))
		return result, err
	}
	if len(swept) > 0 || result.Pruned > 0 {
		r.logger.Info("reaper pass completed",
			zap.Strings("swept_room_ids", swept),
			zap.Int("pruned", result.Pruned))
	}
	return result, nil
}

// Run executes RunOnce on the schedule until ctx is cancelled. Overlapping passes are skipped.
func (r *Reaper) Run(ctx context.Context) error {
	logger := cronLogger{logger: r.logger.Sugar()}
	scheduler := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	scheduler.Schedule(r.schedule, cron.FuncJob(func() {
		_, _ = r.RunOnce(ctx)
	}))
	scheduler.Start()
	r.logger.Info("reaper started", zap.String("schedule", r.spec), zap.Duration("max_idle", r.maxIdle))

	<-ctx.Done()
	<-scheduler.Stop().Done()
	r.logger.Info("reaper stopped")
	return nil
}

// cronLogger routes scheduler diagnostics through zap.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
