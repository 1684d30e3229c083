// Package dispatcher manages the PDF worker pool over the task queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/gallery-proxy/internal/gallery"
)

// Queue is the task queue shared by the dispatcher and its workers.
type Queue interface {
	Enqueue(ctx context.Context, task gallery.ArtifactTask) error
	Dequeue(ctx context.Context) (gallery.ArtifactTask, error)
}

// Runner is a worker loop that returns once ctx is done.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queued tasks to a fixed pool of workers.
type Dispatcher struct {
	queue   Queue
	workers []Runner
}

// New creates a Dispatcher.
func New(queue Queue, workers []Runner) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Size returns the number of workers in the pool.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task gallery.ArtifactTask) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
