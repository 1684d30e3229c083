// Package app builds the long-lived services of the proxy and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-proxy/internal/api"
	"github.com/JakeFAU/gallery-proxy/internal/artifact"
	"github.com/JakeFAU/gallery-proxy/internal/cache"
	"github.com/JakeFAU/gallery-proxy/internal/clock/system"
	"github.com/JakeFAU/gallery-proxy/internal/config"
	"github.com/JakeFAU/gallery-proxy/internal/dispatcher"
	"github.com/JakeFAU/gallery-proxy/internal/extract"
	collyfetcher "github.com/JakeFAU/gallery-proxy/internal/fetcher/colly"
	"github.com/JakeFAU/gallery-proxy/internal/gallery"
	"github.com/JakeFAU/gallery-proxy/internal/hash/sha256"
	"github.com/JakeFAU/gallery-proxy/internal/logging"
	gcppublisher "github.com/JakeFAU/gallery-proxy/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/gallery-proxy/internal/queue/memory"
	"github.com/JakeFAU/gallery-proxy/internal/session"
	"github.com/JakeFAU/gallery-proxy/internal/storage"
	"github.com/JakeFAU/gallery-proxy/internal/storage/gcs"
	"github.com/JakeFAU/gallery-proxy/internal/storage/local"
	"github.com/JakeFAU/gallery-proxy/internal/storage/s3"
	"github.com/JakeFAU/gallery-proxy/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     gallery.Clock
	apiServer *api.Server
	session   *session.Manager
	cache     *cache.FileStore
	store     gallery.ObjectStore
	tracker   *artifact.Tracker
	publisher artifact.Publisher
	queue     *queueMemory.Queue
	dispatch  *dispatcher.Dispatcher
	closers   []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Option customises Build.
type Option func(*options)

type options struct {
	launcher session.Launcher
	clock    gallery.Clock
}

// WithLauncher replaces the Chrome launcher, mainly for tests.
func WithLauncher(l session.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithClock replaces the wall clock.
func WithClock(c gallery.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{clock: system.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.launcher == nil {
		o.launcher = session.NewChromeLauncher(session.ChromeConfig{
			UserAgent:        cfg.Target.UserAgent,
			Headless:         cfg.Session.Headless,
			ExecPath:         cfg.Session.ExecPath,
			ChallengeTimeout: seconds(cfg.Session.ChallengeTimeoutSeconds),
		})
	}

	a := &App{cfg: cfg, logger: logger, clock: o.clock}
	a.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("target", cfg.Target.BaseURL),
		zap.String("storage_provider", cfg.Storage.Provider),
	)

	tp, err := telemetry.InitTracerProvider(ctx, logging.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}
	a.closers = append(a.closers, namedCloser{name: "tracing", close: func() error {
		return tp.Shutdown(context.Background())
	}})

	a.cache, err = cache.New(cache.Config{
		Dir:           cfg.Cache.Dir,
		TTL:           cfg.CacheTTL(),
		MemoryEntries: cfg.Cache.MemoryEntries,
	}, a.clock, logging.Component(logger, "cache"))
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("cache init failed: %w", err)
	}

	if err = a.setupStorage(ctx); err != nil {
		a.closeAll()
		return nil, err
	}

	a.session = session.NewManager(session.Config{
		BaseURL:          cfg.Target.BaseURL,
		RenewalInterval:  seconds(cfg.Session.RenewalIntervalSeconds),
		MaxRetries:       cfg.Session.MaxRetries,
		RenewingWait:     time.Duration(cfg.Session.RenewingWaitMs) * time.Millisecond,
		ProbeTimeout:     seconds(cfg.Session.ProbeTimeoutSeconds),
		FetchTimeout:     seconds(cfg.Session.FetchTimeoutSeconds),
		ChallengeTimeout: seconds(cfg.Session.ChallengeTimeoutSeconds),
	}, o.launcher, a.clock, logging.Component(logger, "session"))
	a.closers = append(a.closers, namedCloser{name: "session", close: func() error {
		a.session.Close()
		return nil
	}})

	hasher := sha256.New()
	var artifacts gallery.Artifacts
	if a.store != nil {
		publisher, perr := a.setupPublisher(ctx)
		if perr != nil {
			a.closeAll()
			return nil, perr
		}
		a.setupArtifacts(publisher, hasher)
		artifacts = a.tracker
	} else {
		a.logger.Warn("no object storage configured, PDF builds disabled")
	}

	service := gallery.NewService(
		a.session,
		a.cache,
		extract.New(extract.Config{
			ImageBaseURL:     cfg.Target.ImageBaseURL,
			ThumbnailBaseURL: cfg.Target.ThumbnailBaseURL,
		}),
		a.store,
		artifacts,
		hasher,
		gallery.Config{
			BaseURL:      cfg.Target.BaseURL,
			MaxRetries:   cfg.Gallery.MaxRetries,
			Normalizer:   gallery.NewURLNormalizer(cfg.Target.ThumbnailToken, cfg.Target.ImageToken),
			FetchTimeout: cfg.RequestTimeout(),
		},
		logging.Component(logger, "gallery"),
	)

	a.apiServer = api.NewServer(service, a.session, api.Options{
		RequestTimeout: cfg.RequestTimeout(),
	}, logging.Component(logger, "api"))

	return a, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	store, closeFn, err := storage.Open(ctx, storage.Config{
		Provider:  a.cfg.Storage.Provider,
		PublicURL: a.cfg.Storage.PublicURL,
		S3: s3.Config{
			AccountID:       a.cfg.Storage.S3.AccountID,
			Endpoint:        a.cfg.Storage.S3.Endpoint,
			Region:          a.cfg.Storage.S3.Region,
			AccessKeyID:     a.cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: a.cfg.Storage.S3.SecretAccessKey,
			Bucket:          a.cfg.Storage.S3.Bucket,
		},
		GCS:   gcs.Config{Bucket: a.cfg.Storage.GCS.Bucket},
		Local: local.Config{BaseDir: a.cfg.Storage.Local.BaseDir},
	})
	if err != nil {
		return fmt.Errorf("storage init failed: %w", err)
	}
	a.closers = append(a.closers, namedCloser{name: "storage", close: closeFn})
	a.store = store
	if store != nil {
		a.logger.Info("object storage initialized", zap.String("provider", a.cfg.Storage.Provider))
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (artifact.Publisher, error) {
	if !a.cfg.NotificationsEnabled() {
		a.logger.Info("no Pub/Sub topic configured, completion events disabled")
		return nil, nil
	}
	publisher, closeFn, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.closers = append(a.closers, namedCloser{name: "pubsub", close: closeFn})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return publisher, nil
}

func (a *App) setupArtifacts(publisher artifact.Publisher, hasher gallery.Hasher) {
	a.publisher = publisher
	a.queue = queueMemory.NewQueue(a.cfg.Artifacts.QueueDepth)

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Target.UserAgent,
		Referer:       a.cfg.Referer(),
		Timeout:       seconds(a.cfg.Artifacts.DownloadTimeoutSeconds),
		RatePerSecond: a.cfg.Artifacts.RatePerSecond,
	})

	workerCfg := artifact.Config{
		ImageRetries: a.cfg.Artifacts.ImageRetries,
		RequestDelay: time.Duration(a.cfg.Artifacts.RequestDelayMs) * time.Millisecond,
		MirrorImages: a.cfg.Artifacts.MirrorImages,
		Topic:        a.cfg.PubSub.Topic,
	}
	a.logger.Info("artifact worker config",
		zap.Int("workers", a.cfg.Artifacts.Workers),
		zap.Int("queue_depth", a.cfg.Artifacts.QueueDepth),
		zap.Int("image_retries", workerCfg.ImageRetries),
		zap.Duration("request_delay", workerCfg.RequestDelay),
		zap.Bool("mirror_images", workerCfg.MirrorImages),
	)

	a.tracker = artifact.NewTracker(a.queue, a.clock, artifact.TrackerConfig{
		StatusTTL: minutes(a.cfg.Artifacts.StatusTTLMinutes),
	}, logging.Component(a.logger, "tracker"))

	runners := make([]dispatcher.Runner, 0, a.cfg.Artifacts.Workers)
	for i := 0; i < a.cfg.Artifacts.Workers; i++ {
		runners = append(runners, artifact.NewWorker(
			a.queue,
			a.tracker,
			fetcher,
			a.store,
			publisher,
			hasher,
			a.clock,
			workerCfg,
			logging.Component(a.logger, "artifact").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, runners)
}

// Handler exposes the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// ArtifactsEnabled reports whether PDF builds are wired.
func (a *App) ArtifactsEnabled() bool {
	return a.tracker != nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	dispatchDone := make(chan struct{})
	if a.dispatch != nil {
		go func() {
			defer close(dispatchDone)
			a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
			a.dispatch.Run(ctx)
		}()
		go a.tracker.RunCleanup(ctx, minutes(a.cfg.Artifacts.CleanupIntervalMinutes))
	} else {
		close(dispatchDone)
	}
	go a.cache.RunSweeper(ctx, minutes(a.cfg.Cache.SweepIntervalMinutes))
	go func() {
		if !a.session.Renew(ctx) {
			a.logger.Warn("initial session warm-up failed; requests will retry")
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.drain(dispatchDone)
	a.Close()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// drain waits for started PDF builds before storage and publishers close.
func (a *App) drain(done <-chan struct{}) {
	timeout := seconds(a.cfg.Artifacts.DrainTimeoutSeconds)
	if timeout <= 0 {
		<-done
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		a.logger.Info("artifact workers drained")
	case <-timer.C:
		a.logger.Warn("artifact workers still busy after drain timeout", zap.Duration("timeout", timeout))
	}
}

// Close gracefully shuts down the application.
func (a *App) Close() {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeAll()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
