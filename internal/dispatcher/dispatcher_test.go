// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JakeFAU/gallery-proxy/internal/gallery"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 2)}
	workers := []Runner{&queueRunner{queue: queue}, &queueRunner{queue: queue}}
	dispatch := New(queue, workers)
	if dispatch.Size() != 2 {
		t.Fatalf("expected pool of 2, got %d", dispatch.Size())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-queue.started:
		case <-time.After(time.Second):
			t.Fatal("worker did not begin dequeuing")
		}
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	for _, w := range workers {
		if !w.(*queueRunner).stopped.Load() {
			t.Fatal("worker still running after dispatcher returned")
		}
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil)

	err := dispatch.Enqueue(context.Background(), gallery.ArtifactTask{GalleryID: 1})
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

type queueRunner struct {
	queue   Queue
	stopped atomic.Bool
}

func (r *queueRunner) Run(ctx context.Context) {
	defer r.stopped.Store(true)
	for {
		if _, err := r.queue.Dequeue(ctx); err != nil && ctx.Err() != nil {
			return
		}
	}
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ gallery.ArtifactTask) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (gallery.ArtifactTask, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return gallery.ArtifactTask{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, gallery.ArtifactTask) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (gallery.ArtifactTask, error) {
	return gallery.ArtifactTask{}, nil
}
