package gallery

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/gallery-proxy/internal/metrics"
	"github.com/JakeFAU/gallery-proxy/internal/telemetry"
)

// DefaultMaxRetries bounds upstream fetch attempts per request.
const DefaultMaxRetries = 3

// DefaultFetchTimeout bounds one shared upstream fetch.
const DefaultFetchTimeout = 2 * time.Minute

// Config controls Service behavior.
type Config struct {
	BaseURL    string
	MaxRetries int
	Normalizer URLNormalizer
	// FetchTimeout bounds a coalesced fetch independently of any one caller.
	FetchTimeout time.Duration
}

// Service answers record lookups. It is the single read path used by the
// HTTP surface.
type Service struct {
	session   Session
	cache     RecordCache
	extractor Extractor
	store     ObjectStore
	artifacts Artifacts
	hasher    Hasher
	cfg       Config
	logger    *zap.Logger
	inflight  singleflight.Group
}

// NewService wires a Service. store and artifacts may be nil when object
// storage is not configured; PDFs are then reported as unavailable.
func NewService(
	session Session,
	cache RecordCache,
	extractor Extractor,
	store ObjectStore,
	artifacts Artifacts,
	hasher Hasher,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Normalizer.ThumbnailToken == "" {
		cfg.Normalizer = NewURLNormalizer("", "")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		session:   session,
		cache:     cache,
		extractor: extractor,
		store:     store,
		artifacts: artifacts,
		hasher:    hasher,
		cfg:       cfg,
		logger:    logger,
	}
}

type fetchOutcome struct {
	resp   Response
	status int
}

// GetRecord returns the record for galleryID, or only its PDF job status
// when statusOnly is set and a job is tracked.
func (s *Service) GetRecord(ctx context.Context, galleryID int, statusOnly bool) (Response, int) {
	ctx, span := telemetry.Tracer("gallery").Start(ctx, "GetRecord")
	defer span.End()
	span.SetAttributes(attribute.Int("gallery.id", galleryID), attribute.Bool("gallery.status_only", statusOnly))

	resp, status := s.getRecord(ctx, galleryID, statusOnly)
	metrics.ObserveRecordRequest(string(resp.Kind), status)
	span.SetAttributes(attribute.Int("http.status_code", status))
	if !resp.Status {
		span.SetStatus(codes.Error, resp.Reason)
	}
	return resp, status
}

func (s *Service) getRecord(ctx context.Context, galleryID int, statusOnly bool) (Response, int) {
	if galleryID <= 0 {
		return failure(KindInvalidInput, ReasonInvalidID), http.StatusBadRequest
	}

	if statusOnly && s.artifacts != nil {
		if job, ok := s.artifacts.Status(galleryID); ok {
			return statusResponse(job), http.StatusOK
		}
	}

	if !s.session.EnsureValid(ctx) {
		s.logger.Error("session validation failed", zap.Int("gallery_id", galleryID))
		return failure(KindSessionRenewalFailure, ReasonConnection), http.StatusInternalServerError
	}

	if cached, ok := s.cache.Get(galleryID); ok {
		s.logger.Debug("cache hit", zap.Int("gallery_id", galleryID))
		return success(s.refreshCached(galleryID, cached)), http.StatusOK
	}

	// Concurrent misses for the same id share one upstream fetch. It is
	// detached from the caller that started it so a disconnect does not fail
	// the others; each caller still stops waiting on its own context.
	ch := s.inflight.DoChan(strconv.Itoa(galleryID), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FetchTimeout)
		defer cancel()
		resp, status := s.fetchAndStore(fetchCtx, galleryID)
		return fetchOutcome{resp: resp, status: status}, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		s.logger.Warn("caller stopped waiting for gallery fetch", zap.Int("gallery_id", galleryID), zap.Error(ctx.Err()))
		return failure(KindUpstreamOther, ReasonTimeout), http.StatusGatewayTimeout
	}
	out, ok := res.Val.(fetchOutcome)
	if !ok {
		return failure(KindUpstreamOther, "unexpected fetch outcome"), http.StatusInternalServerError
	}
	if out.resp.Data != nil {
		rec := out.resp.Data.Clone()
		out.resp.Data = &rec
	}
	return out.resp, out.status
}

func (s *Service) fetchAndStore(ctx context.Context, galleryID int) (Response, int) {
	target := GalleryURL(s.cfg.BaseURL, galleryID)
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		hasMore := attempt < s.cfg.MaxRetries
		s.logger.Info("fetching gallery",
			zap.Int("gallery_id", galleryID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.cfg.MaxRetries),
		)

		result, err := s.session.Fetch(ctx, target)
		if err != nil {
			s.logger.Warn("gallery fetch failed", zap.Int("gallery_id", galleryID), zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			if hasMore {
				s.session.Renew(ctx)
			}
			continue
		}

		if result.StatusCode == http.StatusForbidden && hasMore {
			s.logger.Info("upstream challenge, renewing session", zap.Int("gallery_id", galleryID))
			s.session.Renew(ctx)
			continue
		}
		if result.StatusCode != http.StatusOK {
			return failure(UpstreamKind(result.StatusCode), fmt.Sprintf("Backend returned %d", result.StatusCode)),
				result.StatusCode
		}

		record, err := s.extractor.Extract(result.Body)
		if err != nil {
			s.logger.Error("gallery extraction failed", zap.Int("gallery_id", galleryID), zap.Error(err))
			return failure(KindExtractionFailure, ReasonExtraction), http.StatusInternalServerError
		}
		if record.ID == 0 {
			record.ID = galleryID
		}

		s.normalize(&record)
		s.decidePDF(ctx, galleryID, &record)

		if !s.cache.Set(galleryID, record) {
			s.logger.Warn("cache write failed", zap.Int("gallery_id", galleryID))
		}
		return success(record), http.StatusOK
	}
	return failure(KindMaxRetries, ReasonMaxRetries), http.StatusInternalServerError
}

// normalize rewrites thumbnail-host URLs and derives mirror URLs when an
// object store is configured.
func (s *Service) normalize(record *Record) {
	record.Cover.URL = s.cfg.Normalizer.Normalize(record.Cover.URL)
	if s.store != nil && record.MediaID != "" && record.Cover.URL != "" {
		record.Cover.CDNURL = s.mirrorURL(record.MediaID, record.Cover.URL)
	}
	for i := range record.Pages {
		page := &record.Pages[i]
		page.URL = s.cfg.Normalizer.Normalize(page.URL)
		if s.store == nil || record.MediaID == "" {
			continue
		}
		if page.URL != "" {
			page.CDNURL = s.mirrorURL(record.MediaID, page.URL)
		}
		if page.ThumbnailURL != "" {
			page.ThumbnailCDNURL = s.mirrorURL(record.MediaID, page.ThumbnailURL)
		}
	}
}

func (s *Service) mirrorURL(mediaID, sourceURL string) string {
	return MirrorURL(s.store, s.hasher, mediaID, sourceURL)
}

// MirrorURL derives the public URL an image is (or will be) mirrored to.
func MirrorURL(store ObjectStore, hasher Hasher, mediaID, sourceURL string) string {
	if store == nil || hasher == nil {
		return ""
	}
	digest, err := hasher.Hash([]byte(sourceURL))
	if err != nil {
		return ""
	}
	return store.URL(MirrorKey(mediaID, digest))
}

func (s *Service) decidePDF(ctx context.Context, galleryID int, record *Record) {
	if s.store == nil || s.artifacts == nil || record.MediaID == "" {
		record.PDFStatus = PDFUnavailable
		return
	}

	exists, err := s.store.Exists(ctx, PDFKey(galleryID))
	switch {
	case err != nil:
		s.logger.Warn("pdf existence check failed", zap.Int("gallery_id", galleryID), zap.Error(err))
	case exists:
		record.PDFStatus = PDFCompleted
		record.PDFURL = s.store.URL(PDFKey(galleryID))
		return
	}

	if job, ok := s.artifacts.Status(galleryID); ok {
		applyJob(record, job)
		return
	}
	applyJob(record, s.artifacts.Submit(record.Clone(), galleryID))
}

// refreshCached overlays current PDF state onto a cached record.
func (s *Service) refreshCached(galleryID int, record Record) Record {
	if record.PDFURL != "" || s.artifacts == nil {
		return record
	}
	if job, ok := s.artifacts.Status(galleryID); ok {
		applyJob(&record, job)
		if job.State == JobCompleted && job.ResultURL != "" {
			if !s.cache.Set(galleryID, record) {
				s.logger.Warn("cache write failed", zap.Int("gallery_id", galleryID))
			}
		}
		return record
	}
	if s.store != nil && record.MediaID != "" {
		applyJob(&record, s.artifacts.Submit(record.Clone(), galleryID))
	}
	return record
}

func applyJob(record *Record, job JobStatus) {
	record.PDFStatus = job.State.PDFStatus()
	if job.State == JobCompleted {
		record.PDFURL = job.ResultURL
	}
}

