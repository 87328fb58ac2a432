package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/san-kum/stroke-risk/server/metrics"
	"github.com/san-kum/stroke-risk/server/models"
)

var ErrQueueClosed = errors.New("processing queue is shut down")

type ProcessingQueue struct {
	items      chan *QueueItem
	workers    int
	workerFunc func(*QueueItem)
	wg         sync.WaitGroup
	shutdown   chan struct{}
	isRunning  bool
	mutex      sync.RWMutex
}

type QueueItem struct {
	Ctx        context.Context
	Index      int
	Input      models.RawInput
	Explain    bool
	ResultChan chan *ProcessingResult
	StartTime  time.Time
}

type ProcessingResult struct {
	Index    int
	Response models.PredictionResponse
}

func NewProcessingQueue(queueSize, workers int, workerFunc func(*QueueItem)) *ProcessingQueue {
	if workers <= 0 {
		workers = 1
	}
	queue := &ProcessingQueue{
		items:      make(chan *QueueItem, queueSize),
		workers:    workers,
		workerFunc: workerFunc,
		shutdown:   make(chan struct{}),
		isRunning:  true,
	}

	for i := 0; i < workers; i++ {
		queue.wg.Add(1)
		go queue.worker(i)
	}

	return queue
}

func (pq *ProcessingQueue) worker(id int) {
	defer pq.wg.Done()

	for {
		select {
		case item := <-pq.items:
			metrics.BatchQueueDepth.Set(float64(len(pq.items)))
			if item != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							select {
							case item.ResultChan <- &ProcessingResult{
								Index:    item.Index,
								Response: models.ErrorResponse(fmt.Errorf("worker %d panic: %v", id, r)),
							}:
							default:
							}
						}
					}()

					pq.workerFunc(item)
				}()
			}
		case <-pq.shutdown:
			return
		}
	}
}

// Submit blocks until the item is queued, ctx is done or the queue shuts
// down.
func (pq *ProcessingQueue) Submit(ctx context.Context, item *QueueItem) error {
	pq.mutex.RLock()
	running := pq.isRunning
	pq.mutex.RUnlock()
	if !running {
		return ErrQueueClosed
	}

	select {
	case pq.items <- item:
		metrics.BatchQueueDepth.Set(float64(len(pq.items)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-pq.shutdown:
		return ErrQueueClosed
	}
}

func (pq *ProcessingQueue) Size() int {
	return len(pq.items)
}

func (pq *ProcessingQueue) Capacity() int {
	return cap(pq.items)
}

func (pq *ProcessingQueue) IsRunning() bool {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()
	return pq.isRunning
}

// Shutdown stops the workers and answers anything still queued with an
// error response. The items channel is never closed so a racing Submit
// cannot panic.
func (pq *ProcessingQueue) Shutdown(timeout time.Duration) error {
	pq.mutex.Lock()
	if !pq.isRunning {
		pq.mutex.Unlock()
		return nil
	}
	pq.isRunning = false
	pq.mutex.Unlock()

	close(pq.shutdown)

	done := make(chan struct{})
	go func() {
		pq.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("shutdown timeout exceeded")
	}
	pq.DrainQueue()
	return err
}

func (pq *ProcessingQueue) DrainQueue() int {
	drained := 0

	for {
		select {
		case item := <-pq.items:
			if item != nil {
				select {
				case item.ResultChan <- &ProcessingResult{
					Index:    item.Index,
					Response: models.ErrorResponse(fmt.Errorf("processing cancelled - queue shutting down")),
				}:
				default:
				}
				drained++
			}
		default:
			metrics.BatchQueueDepth.Set(0)
			return drained
		}
	}
}

func (pq *ProcessingQueue) GetQueueStats() QueueStats {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()

	stats := QueueStats{
		CurrentSize:   pq.Size(),
		MaxCapacity:   pq.Capacity(),
		ActiveWorkers: pq.workers,
		IsRunning:     pq.isRunning,
	}
	if stats.MaxCapacity > 0 {
		stats.UtilizationPercent = float64(stats.CurrentSize) / float64(stats.MaxCapacity) * 100
	}
	return stats
}

type QueueStats struct {
	CurrentSize        int     `json:"current_size"`
	MaxCapacity        int     `json:"max_capacity"`
	ActiveWorkers      int     `json:"active_workers"`
	IsRunning          bool    `json:"is_running"`
	UtilizationPercent float64 `json:"utilization_percent"`
}
