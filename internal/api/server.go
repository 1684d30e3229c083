package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-proxy/internal/gallery"
	"github.com/JakeFAU/gallery-proxy/internal/metrics"
)

// ServiceName is reported by the health check.
const ServiceName = "gallery-proxy"

const reasonMissingID = "Invalid or missing gallery ID"

// RecordService answers record lookups.
type RecordService interface {
	GetRecord(ctx context.Context, galleryID int, statusOnly bool) (gallery.Response, int)
}

// SessionHealth reports upstream session health.
type SessionHealth interface {
	EnsureValid(ctx context.Context) bool
	LastRenewal() time.Time
}

// Options tunes the HTTP surface.
type Options struct {
	// RequestTimeout bounds each request; zero disables the bound.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the record service.
type Server struct {
	router  chi.Router
	records RecordService
	session SessionHealth
	docs    *docs
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(records RecordService, session SessionHealth, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		records: records,
		session: session,
		docs:    loadDocs(logger),
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	if opts.RequestTimeout > 0 {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
	}

	r.Get("/", s.notFound)
	r.Get("/get", s.getRecord)
	r.Get("/pdf-status/{id}", s.pdfStatus)
	r.Get("/health-check", s.healthCheck)
	r.Get("/healthz", s.healthz)
	r.Get("/docs", s.docs.serveUI)
	r.Get("/openapi.json", s.docs.serveSpec)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.NotFound(s.notFound)
	r.MethodNotAllowed(s.notFound)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("id")
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if raw == "" || err != nil {
		writeError(w, http.StatusBadRequest, reasonMissingID)
		return
	}
	statusOnly := strings.EqualFold(r.URL.Query().Get("check_status"), "true")

	resp, status := s.records.GetRecord(r.Context(), id, statusOnly)
	s.logOutcome(r, id, resp, status)
	writeJSON(w, status, resp)
}

func (s *Server) pdfStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 0 {
		s.notFound(w, r)
		return
	}
	resp, status := s.records.GetRecord(r.Context(), id, true)
	s.logOutcome(r, id, resp, status)
	writeJSON(w, status, resp)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ok := s.session.EnsureValid(r.Context())
	var ts int64
	if last := s.session.LastRenewal(); !last.IsZero() {
		ts = last.Unix()
	}
	writeJSON(w, http.StatusOK, envelope{
		Status: true,
		Data: healthPayload{
			Service:   ServiceName,
			Timestamp: ts,
			CookiesOK: ok,
		},
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, gallery.ReasonResourceNotFound)
}

func (s *Server) logOutcome(r *http.Request, id int, resp gallery.Response, status int) {
	if err := gallery.ResponseError(resp, status); err != nil {
		s.logger.Info("record request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Int("gallery_id", id),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
}

type healthPayload struct {
	Service   string `json:"service"`
	Timestamp int64  `json:"timestamp"`
	CookiesOK bool   `json:"cookies_ok"`
}
