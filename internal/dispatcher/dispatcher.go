// Package dispatcher manages worker fan-out over the submission queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/directorybolt/submitd/internal/pipeline"
	"github.com/directorybolt/submitd/internal/worker"
)

// Dispatcher fans out queue work to a pool of worker goroutines. A single
// Worker instance backs the whole pool so its customer/directory in-flight
// tracking spans every goroutine.
type Dispatcher struct {
	queue       pipeline.Queue
	worker      *worker.Worker
	concurrency int
}

// New creates a Dispatcher.
func New(queue pipeline.Queue, w *worker.Worker, concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Dispatcher{
		queue:       queue,
		worker:      w,
		concurrency: concurrency,
	}
}

// Run starts the worker pool and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker.Run(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item pipeline.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
