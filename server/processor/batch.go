package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/san-kum/stroke-risk/server/models"
	"go.uber.org/zap"
)

// Responder is the fail-soft prediction boundary the workers call.
type Responder interface {
	Respond(ctx context.Context, raw models.RawInput, explain bool) models.PredictionResponse
}

type BatchConfig struct {
	Workers   int
	QueueSize int
	MaxItems  int
}

// BatchItem is one entry of a batch. Items that failed request validation
// carry Err and are answered without reaching a worker.
type BatchItem struct {
	Input models.RawInput
	Err   error
}

type BatchProcessor struct {
	responder Responder
	queue     *ProcessingQueue
	logger    *zap.Logger
	config    BatchConfig
}

func NewBatchProcessor(responder Responder, config BatchConfig, logger *zap.Logger) *BatchProcessor {
	bp := &BatchProcessor{
		responder: responder,
		logger:    logger,
		config:    config,
	}
	bp.queue = NewProcessingQueue(config.QueueSize, config.Workers, bp.processItem)
	return bp
}

func (bp *BatchProcessor) processItem(item *QueueItem) {
	resp := bp.responder.Respond(item.Ctx, item.Input, item.Explain)
	item.ResultChan <- &ProcessingResult{Index: item.Index, Response: resp}
}

// ProcessBatch scores every item and returns responses in input order. A
// failing item never affects the others.
func (bp *BatchProcessor) ProcessBatch(ctx context.Context, items []BatchItem, explain bool) ([]models.PredictionResponse, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("batch is empty")
	}
	if bp.config.MaxItems > 0 && len(items) > bp.config.MaxItems {
		return nil, fmt.Errorf("batch of %d items exceeds limit of %d", len(items), bp.config.MaxItems)
	}

	start := time.Now()
	results := make([]models.PredictionResponse, len(items))
	done := make([]bool, len(items))
	resultCh := make(chan *ProcessingResult, len(items))

	pending := 0
	for i, it := range items {
		if it.Err != nil {
			results[i] = models.ErrorResponse(it.Err)
			done[i] = true
			continue
		}
		err := bp.queue.Submit(ctx, &QueueItem{
			Ctx:        ctx,
			Index:      i,
			Input:      it.Input,
			Explain:    explain,
			ResultChan: resultCh,
			StartTime:  time.Now(),
		})
		if err != nil {
			results[i] = models.ErrorResponse(err)
			done[i] = true
			continue
		}
		pending++
	}

wait:
	for pending > 0 {
		select {
		case r := <-resultCh:
			if !done[r.Index] {
				results[r.Index] = r.Response
				done[r.Index] = true
				pending--
			}
		case <-ctx.Done():
			break wait
		}
	}
	for i := range results {
		if !done[i] {
			results[i] = models.ErrorResponse(ctx.Err())
		}
	}

	bp.logger.Debug("Batch processed",
		zap.Int("items", len(items)),
		zap.Duration("latency", time.Since(start)))
	return results, nil
}

func (bp *BatchProcessor) Stats() QueueStats {
	return bp.queue.GetQueueStats()
}

func (bp *BatchProcessor) Shutdown(timeout time.Duration) error {
	return bp.queue.Shutdown(timeout)
}
