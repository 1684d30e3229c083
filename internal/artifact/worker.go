package artifact

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-proxy/internal/gallery"
	"github.com/JakeFAU/gallery-proxy/internal/metrics"
	"github.com/JakeFAU/gallery-proxy/internal/telemetry"
)

// ImageFetcher downloads one image. status is the HTTP status when a
// response was received.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (body []byte, status int, err error)
}

// Dequeuer yields tasks for a worker.
type Dequeuer interface {
	Dequeue(ctx context.Context) (gallery.ArtifactTask, error)
}

// Reporter records job outcomes.
type Reporter interface {
	Complete(galleryID int, resultURL string, failedPages []int)
	Fail(galleryID int, message string, failedPages []int)
}

// Publisher announces finished builds.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Event is published when a build reaches a terminal state.
type Event struct {
	GalleryID   int              `json:"gallery_id"`
	Status      gallery.JobState `json:"status"`
	PDFURL      string           `json:"pdf_url,omitempty"`
	Error       string           `json:"error,omitempty"`
	FailedPages []int            `json:"failed_pages,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Config controls Worker behavior.
type Config struct {
	ImageRetries int
	RetryBackoff time.Duration
	RequestDelay time.Duration
	MirrorImages bool
	Topic        string
	// Assemble overrides PDF assembly, mainly for tests.
	Assemble func([]PageImage) ([]byte, error)
}

// Worker consumes artifact tasks and builds one PDF per task.
type Worker struct {
	queue     Dequeuer
	reporter  Reporter
	fetcher   ImageFetcher
	store     gallery.ObjectStore
	publisher Publisher
	hasher    gallery.Hasher
	clock     gallery.Clock
	cfg       Config
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewWorker constructs a Worker. publisher and hasher may be nil.
func NewWorker(
	queue Dequeuer,
	reporter Reporter,
	fetcher ImageFetcher,
	store gallery.ObjectStore,
	publisher Publisher,
	hasher gallery.Hasher,
	clock gallery.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ImageRetries <= 0 {
		cfg.ImageRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.Assemble == nil {
		cfg.Assemble = AssemblePDF
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		reporter:  reporter,
		fetcher:   fetcher,
		store:     store,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepContext,
	}
}

// Run blocks, consuming tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if w.sleep(ctx, w.cfg.RetryBackoff) != nil {
				return
			}
			continue
		}
		w.logger.Debug("dequeued pdf build", zap.Int("gallery_id", task.GalleryID))
		// A started build runs to completion even during shutdown.
		w.Process(context.WithoutCancel(ctx), task)
	}
}

// Process builds, uploads and reports the PDF for one task.
func (w *Worker) Process(ctx context.Context, task gallery.ArtifactTask) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	id := task.GalleryID
	ctx, span := telemetry.Tracer("artifact").Start(ctx, "BuildPDF")
	defer span.End()
	span.SetAttributes(attribute.Int("gallery.id", id), attribute.Int("gallery.pages", len(task.Record.Pages)))

	start := time.Now()
	logger := w.logger.With(zap.Int("gallery_id", id), zap.String("media_id", task.Record.MediaID))
	logger.Info("pdf build started", zap.Int("pages", len(task.Record.Pages)))

	images, failed := w.collect(ctx, logger, task.Record)
	if len(images) == 0 {
		w.fail(ctx, logger, id, "no images were successfully downloaded", failed)
		return
	}

	doc, err := w.cfg.Assemble(images)
	if err != nil {
		w.fail(ctx, logger, id, fmt.Sprintf("pdf assembly failed: %v", err), failed)
		return
	}
	url, err := w.store.Put(ctx, gallery.PDFKey(id), "application/pdf", doc)
	if err != nil {
		w.fail(ctx, logger, id, fmt.Sprintf("pdf upload failed: %v", err), failed)
		return
	}

	w.reporter.Complete(id, url, failed)
	logger.Info("pdf build completed",
		zap.String("pdf_url", url),
		zap.Int("pages", len(images)),
		zap.Ints("failed_pages", failed),
		zap.Duration("duration", time.Since(start)),
	)
	w.publish(ctx, logger, Event{GalleryID: id, Status: gallery.JobCompleted, PDFURL: url, FailedPages: failed})
}

// collect downloads and normalizes pages strictly in record order. Failed
// pages are reported by 1-based page number.
func (w *Worker) collect(ctx context.Context, logger *zap.Logger, record gallery.Record) ([]PageImage, []int) {
	images := make([]PageImage, 0, len(record.Pages))
	var failed []int
	for i, page := range record.Pages {
		if i > 0 && w.cfg.RequestDelay > 0 {
			_ = w.sleep(ctx, w.cfg.RequestDelay)
		}
		body, err := w.download(ctx, page.URL)
		if err != nil {
			logger.Warn("page download failed", zap.Int("page", i+1), zap.String("url", page.URL), zap.Error(err))
			failed = append(failed, i+1)
			continue
		}
		jpegData, width, height, err := NormalizeImage(body)
		if err != nil {
			logger.Warn("page conversion failed", zap.Int("page", i+1), zap.Error(err))
			failed = append(failed, i+1)
			continue
		}
		if w.cfg.MirrorImages {
			w.mirror(ctx, logger, record.MediaID, page.URL, body)
		}
		images = append(images, PageImage{Index: i, JPEG: jpegData, Width: width, Height: height})
	}
	return images, failed
}

func (w *Worker) download(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("page has no url")
	}
	var lastErr error
	for attempt := 0; attempt < w.cfg.ImageRetries; attempt++ {
		if attempt > 0 {
			if err := w.sleep(ctx, w.cfg.RetryBackoff*time.Duration(1<<(attempt-1))); err != nil {
				return nil, err
			}
		}
		body, status, err := w.fetcher.Fetch(ctx, url)
		switch {
		case err != nil:
			lastErr = err
		case status == http.StatusOK && len(body) > 0:
			metrics.ObserveImageDownload(true)
			return body, nil
		default:
			lastErr = fmt.Errorf("status %d", status)
		}
		metrics.ObserveImageDownload(false)
	}
	return nil, fmt.Errorf("after %d attempts: %w", w.cfg.ImageRetries, lastErr)
}

func (w *Worker) mirror(ctx context.Context, logger *zap.Logger, mediaID, sourceURL string, body []byte) {
	if w.hasher == nil || mediaID == "" {
		return
	}
	digest, err := w.hasher.Hash([]byte(sourceURL))
	if err != nil {
		logger.Warn("mirror hash failed", zap.Error(err))
		return
	}
	key := gallery.MirrorKey(mediaID, digest)
	exists, err := w.store.Exists(ctx, key)
	if err == nil && exists {
		return
	}
	if _, err := w.store.Put(ctx, key, http.DetectContentType(body), body); err != nil {
		logger.Warn("image mirror failed", zap.String("key", key), zap.Error(err))
	}
}

func (w *Worker) fail(ctx context.Context, logger *zap.Logger, id int, message string, failed []int) {
	w.reporter.Fail(id, message, failed)
	logger.Error("pdf build failed", zap.String("error", message), zap.Ints("failed_pages", failed))
	w.publish(ctx, logger, Event{GalleryID: id, Status: gallery.JobError, Error: message, FailedPages: failed})
}

func (w *Worker) publish(ctx context.Context, logger *zap.Logger, event Event) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	event.Timestamp = w.clock.Now()
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		logger.Warn("publish pdf event failed", zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
