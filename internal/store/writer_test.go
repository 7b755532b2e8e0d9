package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lectio/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type flakyStore struct {
	mu            sync.Mutex
	failures      int
	saveCalls     int
	progressCalls int
	saved         []string
	progress      []string
	permanent     error
}

func (s *flakyStore) SaveLastPosition(_ context.Context, roomID, ref string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.permanent != nil {
		return s.permanent
	}
	if s.failures > 0 {
		s.failures--
		return errors.New("database is locked")
	}
	s.saved = append(s.saved, roomID+"|"+ref)
	return nil
}

func (s *flakyStore) UpsertProgress(_ context.Context, participantID, roomID, ref string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progressCalls++
	if s.permanent != nil {
		return s.permanent
	}
	s.progress = append(s.progress, participantID+"|"+roomID+"|"+ref)
	return nil
}

func (s *flakyStore) snapshot() (int, []string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCalls, append([]string(nil), s.saved...), append([]string(nil), s.progress...)
}

func newTestWriter(t *testing.T, store PositionStore, queueSize int) (*AsyncWriter, *metrics.Metrics, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.ErrorLevel)
	recorder := metrics.New(prometheus.NewRegistry())
	writer, err := NewAsyncWriter(WriterConfig{
		Store:           store,
		QueueSize:       queueSize,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Logger:          zap.New(core),
		Metrics:         recorder,
	})
	if err != nil {
		t.Fatalf("failed to construct writer: %v", err)
	}
	return writer, recorder, logs
}

func TestWriterRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{failures: 2}
	writer, _, logs := newTestWriter(t, store, 4)

	writer.RecordPosition("room-1", "Genesis 1:1", time.Unix(1700000000, 0), "user-a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := writer.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	calls, saved, progress := store.snapshot()
	if calls != 3 {
		t.Fatalf("expected two retries before success, got %d calls", calls)
	}
	if len(saved) != 1 || saved[0] != "room-1|Genesis 1:1" {
		t.Fatalf("unexpected saved positions %v", saved)
	}
	if len(progress) != 1 || progress[0] != "user-a|room-1|Genesis 1:1" {
		t.Fatalf("unexpected progress %v", progress)
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no error logs, got %d", logs.Len())
	}
}

func TestWriterRecordsProgressForEveryParticipant(t *testing.T) {
	store := &flakyStore{}
	writer, _, _ := newTestWriter(t, store, 4)

	writer.RecordPosition("room-1", "John 1:1", time.Unix(1700000000, 0), "user-a", "user-b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := writer.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	calls, saved, progress := store.snapshot()
	if calls != 1 || len(saved) != 1 {
		t.Fatalf("expected the room position to be saved once, got %d calls %v", calls, saved)
	}
	if len(progress) != 2 || progress[0] != "user-a|room-1|John 1:1" || progress[1] != "user-b|room-1|John 1:1" {
		t.Fatalf("expected progress for both participants, got %v", progress)
	}
}

func TestWriterGivesUpAfterMaxAttempts(t *testing.T) {
	store := &flakyStore{failures: 10}
	writer, recorder, logs := newTestWriter(t, store, 4)

	writer.RecordPosition("room-1", "Genesis 1:1", time.Unix(1700000000, 0), "user-a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := writer.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	calls, _, progress := store.snapshot()
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(progress) != 1 {
		t.Fatalf("progress must still be written when the position save fails")
	}
	failures := testutil.ToFloat64(recorder.PersistenceFailures.WithLabelValues("save_last_position"))
	if failures != 1 {
		t.Fatalf("expected one persistence failure, got %v", failures)
	}
	if logs.FilterMessage("position persistence failed").Len() != 1 {
		t.Fatalf("expected persistence failure to be logged")
	}
}

func TestWriterDoesNotRetryValidationErrors(t *testing.T) {
	store := &flakyStore{permanent: newServiceError(opSaveLastPosition, "invalid_ref", ErrInvalidRef)}
	writer, _, _ := newTestWriter(t, store, 4)

	writer.RecordPosition("room-1", "", time.Unix(1700000000, 0), "user-a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = writer.Run(ctx)

	if calls, _, _ := store.snapshot(); calls != 1 {
		t.Fatalf("expected a single attempt for a permanent error, got %d", calls)
	}
}

func TestRecordPositionDropsWhenQueueFull(t *testing.T) {
	store := &flakyStore{}
	writer, recorder, logs := newTestWriter(t, store, 1)

	writer.RecordPosition("room-1", "Genesis 1:1", time.Unix(1700000000, 0), "user-a")
	writer.RecordPosition("room-1", "Genesis 1:2", time.Unix(1700000001, 0), "user-a")

	if dropped := testutil.ToFloat64(recorder.PersistenceFailures.WithLabelValues("enqueue")); dropped != 1 {
		t.Fatalf("expected one dropped write, got %v", dropped)
	}
	if logs.FilterMessage("position write dropped").Len() != 1 {
		t.Fatalf("expected drop to be logged")
	}
}

func TestWriterPersistsWhileRunning(t *testing.T) {
	store := &flakyStore{}
	writer, _, _ := newTestWriter(t, store, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = writer.Run(ctx)
		close(done)
	}()

	writer.RecordPosition("room-1", "Psalm 23:1", time.Unix(1700000000, 0), "user-a")
	deadline := time.After(2 * time.Second)
	for {
		if _, saved, _ := store.snapshot(); len(saved) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected queued write to be persisted")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
