// Package artifact builds combined PDFs from gallery pages off the request
// path and tracks the state of every build.
package artifact

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-proxy/internal/gallery"
	"github.com/JakeFAU/gallery-proxy/internal/metrics"
)

// Enqueuer schedules a task on the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, task gallery.ArtifactTask) error
}

// TrackerConfig controls job retention and scheduling.
type TrackerConfig struct {
	// StatusTTL is how long a terminal job is kept before cleanup.
	StatusTTL time.Duration
	// EnqueueTimeout bounds how long Submit waits for queue capacity.
	EnqueueTimeout time.Duration
}

// Tracker owns the per-gallery job status map. At most one job exists per
// gallery; entries are only mutated under mu.
type Tracker struct {
	queue  Enqueuer
	clock  gallery.Clock
	cfg    TrackerConfig
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[int]gallery.JobStatus
}

// NewTracker constructs a Tracker.
func NewTracker(queue Enqueuer, clock gallery.Clock, cfg TrackerConfig, logger *zap.Logger) *Tracker {
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = time.Hour
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		queue:  queue,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
		jobs:   make(map[int]gallery.JobStatus),
	}
}

// Status returns a copy of the job tracked for galleryID.
func (t *Tracker) Status(galleryID int) (gallery.JobStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[galleryID]
	if !ok {
		return gallery.JobStatus{}, false
	}
	return copyJob(job), true
}

// Submit schedules a build for record unless a job already exists for
// galleryID. The record is copied so the worker never shares it with the
// caller.
func (t *Tracker) Submit(record gallery.Record, galleryID int) gallery.JobStatus {
	t.mu.Lock()
	if job, ok := t.jobs[galleryID]; ok {
		t.mu.Unlock()
		return copyJob(job)
	}
	now := t.clock.Now()
	job := gallery.JobStatus{GalleryID: galleryID, State: gallery.JobProcessing, UpdatedAt: now}
	t.jobs[galleryID] = job
	t.mu.Unlock()

	task := gallery.ArtifactTask{GalleryID: galleryID, Record: record.Clone(), Submitted: now}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.EnqueueTimeout)
	defer cancel()
	if err := t.queue.Enqueue(ctx, task); err != nil {
		t.logger.Error("failed to schedule pdf build", zap.Int("gallery_id", galleryID), zap.Error(err))
		t.Fail(galleryID, fmt.Sprintf("failed to schedule pdf build: %v", err), nil)
		failed, _ := t.Status(galleryID)
		return failed
	}
	metrics.ObserveArtifactJob(string(gallery.JobProcessing))
	t.logger.Info("pdf build submitted", zap.Int("gallery_id", galleryID), zap.Int("pages", len(record.Pages)))
	return job
}

// Complete moves a processing job to completed.
func (t *Tracker) Complete(galleryID int, resultURL string, failedPages []int) {
	t.finish(galleryID, gallery.JobStatus{
		State:       gallery.JobCompleted,
		ResultURL:   resultURL,
		FailedPages: failedPages,
	})
}

// Fail moves a processing job to error.
func (t *Tracker) Fail(galleryID int, message string, failedPages []int) {
	t.finish(galleryID, gallery.JobStatus{
		State:       gallery.JobError,
		Error:       message,
		FailedPages: failedPages,
	})
}

func (t *Tracker) finish(galleryID int, next gallery.JobStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.jobs[galleryID]
	if !ok || current.State.Terminal() {
		t.logger.Warn("ignoring transition for inactive job",
			zap.Int("gallery_id", galleryID),
			zap.String("state", string(next.State)),
		)
		return
	}
	next.GalleryID = galleryID
	next.UpdatedAt = t.clock.Now()
	next.FailedPages = append([]int(nil), next.FailedPages...)
	t.jobs[galleryID] = next
	metrics.ObserveArtifactJob(string(next.State))
}

// Cleanup removes terminal jobs older than the status TTL and returns how
// many were removed.
func (t *Tracker) Cleanup() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, job := range t.jobs {
		if job.State.Terminal() && now.Sub(job.UpdatedAt) > t.cfg.StatusTTL {
			delete(t.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Info("pdf job statuses cleaned up", zap.Int("removed", removed))
	}
	return removed
}

// RunCleanup calls Cleanup every interval until ctx is cancelled.
func (t *Tracker) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Cleanup()
		}
	}
}

// Len reports how many jobs are tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

func copyJob(job gallery.JobStatus) gallery.JobStatus {
	if job.FailedPages != nil {
		job.FailedPages = append([]int(nil), job.FailedPages...)
	}
	return job
}

var _ gallery.Artifacts = (*Tracker)(nil)
