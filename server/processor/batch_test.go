package processor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/san-kum/stroke-risk/server/models"
	"go.uber.org/zap"
)

// ageResponder echoes the input age as the probability so tests can check
// ordering.
type ageResponder struct {
	delay time.Duration
}

func (r ageResponder) Respond(ctx context.Context, raw models.RawInput, explain bool) models.PredictionResponse {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if raw.Age < 0 {
		panic("negative age")
	}
	return models.PredictionResponse{
		PredictionResult: models.NewPredictionResult(raw.Age/100, 0.5, models.RiskLow),
	}
}

func newTestProcessor(t *testing.T, r Responder, cfg BatchConfig) *BatchProcessor {
	t.Helper()
	bp := NewBatchProcessor(r, cfg, zap.NewNop())
	t.Cleanup(func() { bp.Shutdown(time.Second) })
	return bp
}

func TestProcessBatchKeepsInputOrder(t *testing.T) {
	t.Parallel()

	bp := newTestProcessor(t, ageResponder{delay: time.Millisecond}, BatchConfig{Workers: 4, QueueSize: 8, MaxItems: 50})

	items := make([]BatchItem, 20)
	for i := range items {
		items[i] = BatchItem{Input: models.RawInput{Age: float64(i)}}
	}
	results, err := bp.ProcessBatch(context.Background(), items, false)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	for i, r := range results {
		if r.Error != "" {
			t.Fatalf("item %d failed: %s", i, r.Error)
		}
		if r.Percent != i {
			t.Errorf("item %d percent = %d, results out of order", i, r.Percent)
		}
	}
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	t.Parallel()

	bp := newTestProcessor(t, ageResponder{}, BatchConfig{Workers: 2, QueueSize: 4, MaxItems: 10})

	items := []BatchItem{
		{Input: models.RawInput{Age: 30}},
		{Err: errors.New("age: required")},
		{Input: models.RawInput{Age: -1}},
		{Input: models.RawInput{Age: 60}},
	}
	results, err := bp.ProcessBatch(context.Background(), items, false)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if results[0].Error != "" || results[3].Error != "" {
		t.Errorf("healthy items failed: %+v", results)
	}
	if results[1].Error != "age: required" {
		t.Errorf("validation error = %q", results[1].Error)
	}
	if results[2].Error == "" {
		t.Error("panicking item should produce an error response")
	}
}

func TestProcessBatchLimits(t *testing.T) {
	t.Parallel()

	bp := newTestProcessor(t, ageResponder{}, BatchConfig{Workers: 1, QueueSize: 1, MaxItems: 2})

	if _, err := bp.ProcessBatch(context.Background(), nil, false); err == nil {
		t.Error("expected error for empty batch")
	}
	items := make([]BatchItem, 3)
	if _, err := bp.ProcessBatch(context.Background(), items, false); err == nil {
		t.Error("expected error for oversized batch")
	}
}

func TestProcessBatchContextCancelled(t *testing.T) {
	t.Parallel()

	bp := newTestProcessor(t, ageResponder{delay: 50 * time.Millisecond}, BatchConfig{Workers: 1, QueueSize: 1, MaxItems: 10})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	items := make([]BatchItem, 5)
	for i := range items {
		items[i] = BatchItem{Input: models.RawInput{Age: float64(i)}}
	}
	results, err := bp.ProcessBatch(ctx, items, false)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(results) != len(items) {
		t.Fatalf("results = %d", len(results))
	}
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	if failed == 0 {
		t.Error("expected some items to time out")
	}
}

func TestQueueRejectsAfterShutdown(t *testing.T) {
	t.Parallel()

	q := NewProcessingQueue(2, 1, func(item *QueueItem) {})
	if err := q.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if q.IsRunning() {
		t.Error("queue still running")
	}
	err := q.Submit(context.Background(), &QueueItem{ResultChan: make(chan *ProcessingResult, 1)})
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if err := q.Shutdown(time.Second); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestQueueStats(t *testing.T) {
	t.Parallel()

	q := NewProcessingQueue(4, 3, func(item *QueueItem) {})
	defer q.Shutdown(time.Second)

	stats := q.GetQueueStats()
	if stats.MaxCapacity != 4 || stats.ActiveWorkers != 3 || !stats.IsRunning {
		t.Errorf("stats = %+v", stats)
	}
	if math.IsNaN(stats.UtilizationPercent) {
		t.Error("utilization must be finite")
	}
}
