package transformer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/withObsrvr/metric-transformer/internal/logging"
)

// pool implements the dispatcher → workers → results flow. Files are
// independent, so results are consumed in completion order.
type pool struct {
	t       *Transformer
	workers int
	log     *slog.Logger

	workQueue  chan FileTask
	resultChan chan FileResult
	wg         sync.WaitGroup
}

func newPool(t *Transformer, log *slog.Logger, workers int) *pool {
	if workers < 1 {
		workers = 1
	}
	return &pool{
		t:          t,
		workers:    workers,
		log:        log,
		workQueue:  make(chan FileTask, workers*2),
		resultChan: make(chan FileResult, workers*2),
	}
}

// run starts the workers and returns the result channel, which is closed once
// every dispatched task has been reported.
func (p *pool) run(ctx context.Context, tasks []FileTask) <-chan FileResult {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}

	go p.dispatcherLoop(ctx, tasks)

	// Close results when workers finish
	go func() {
		p.wg.Wait()
		close(p.resultChan)
	}()

	return p.resultChan
}

// dispatcherLoop feeds tasks to workers until done or cancelled.
func (p *pool) dispatcherLoop(ctx context.Context, tasks []FileTask) {
	defer close(p.workQueue)

	for i, task := range tasks {
		select {
		case <-ctx.Done():
			p.log.Debug("dispatch stopped", "remaining", len(tasks)-i)
			return
		case p.workQueue <- task:
		}
	}
}

// workerLoop processes tasks until the queue is drained.
func (p *pool) workerLoop(ctx context.Context, workerID int) {
	defer p.wg.Done()

	for task := range p.workQueue {
		// Queued tasks are not started once the job is cancelled
		if ctx.Err() != nil {
			continue
		}
		p.resultChan <- p.t.processFile(ctx, logging.WorkerLogger(p.log, workerID), task)
	}
}
