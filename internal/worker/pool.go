package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"s3migrate/internal/metrics"
)

// Pool manages a pool of workers
type Pool struct {
	size      int
	processor Processor
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewPool creates a new worker pool
func NewPool(size int, processor Processor, collector *metrics.Collector, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:      size,
		processor: processor,
		metrics:   collector,
		logger:    logger,
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Run processes tasks until the channel is closed and every worker has
// exited. Workers keep draining after ctx is canceled, so each task sent on
// the channel still produces an outcome.
func (p *Pool) Run(ctx context.Context, tasks <-chan Task, rec Recorder) {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, tasks, rec, &wg)
	}
	wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int, tasks <-chan Task, rec Recorder, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	for task := range tasks {
		p.metrics.IncInflight()
		out := p.processor.Process(ctx, task)
		p.metrics.DecInflight()
		rec.Record(out)
	}

	if ctx.Err() != nil {
		logger.Debug("Worker stopped - context cancelled")
		return
	}
	logger.Debug("Worker finished - no more tasks")
}
