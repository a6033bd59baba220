// Package memory provides the queue implementation for single-process
// deployments and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/directorybolt/submitd/internal/pipeline"
)

// ErrClosed is returned by Enqueue and Dequeue after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch chan pipeline.QueueItem

	mu     sync.RWMutex
	closed bool
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan pipeline.QueueItem, capacity),
	}
}

// Enqueue pushes an item into the queue or returns if the context ends.
// Enqueue after Close returns ErrClosed instead of panicking on the closed
// channel, since late backoff goroutines can still deliver during shutdown.
func (q *Queue) Enqueue(ctx context.Context, item pipeline.QueueItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (pipeline.QueueItem, error) {
	select {
	case <-ctx.Done():
		return pipeline.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return pipeline.QueueItem{}, ErrClosed
		}
		return item, nil
	}
}

// Close closes the underlying channel for shutdown. It waits for in-flight
// Enqueue calls so the channel is never closed under a pending send; those
// sends unblock through their (canceled) contexts first.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
