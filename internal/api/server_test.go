package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-proxy/internal/gallery"
)

type recordCall struct {
	id         int
	statusOnly bool
}

type fakeRecords struct {
	mu     sync.Mutex
	calls  []recordCall
	resp   gallery.Response
	status int
	panic  bool
	sawCtx context.Context
}

func (f *fakeRecords) GetRecord(ctx context.Context, id int, statusOnly bool) (gallery.Response, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		panic("boom")
	}
	f.calls = append(f.calls, recordCall{id: id, statusOnly: statusOnly})
	f.sawCtx = ctx
	return f.resp, f.status
}

func (f *fakeRecords) lastCall(t *testing.T) recordCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

type fakeSession struct {
	ok   bool
	last time.Time
}

func (f fakeSession) EnsureValid(context.Context) bool { return f.ok }
func (f fakeSession) LastRenewal() time.Time           { return f.last }

func newTestServer(records *fakeRecords, session SessionHealth) *Server {
	return NewServer(records, session, Options{RequestTimeout: 5 * time.Second}, zap.NewNop())
}

func doGet(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestGetRecordStreamsSuccess(t *testing.T) {
	t.Parallel()

	rec := gallery.Record{ID: 42, MediaID: "998877", PDFStatus: gallery.PDFProcessing}
	records := &fakeRecords{resp: gallery.Response{Status: true, Data: &rec}, status: http.StatusOK}
	s := newTestServer(records, fakeSession{ok: true})

	res := doGet(t, s, "/get?id=42")

	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "no", res.Header().Get("X-Accel-Buffering"))
	assert.Equal(t, "no-cache", res.Header().Get("Cache-Control"))
	assert.Equal(t, "application/json", res.Header().Get("Content-Type"))
	assert.NotEmpty(t, res.Header().Get("X-Request-ID"))
	assert.True(t, res.Flushed)

	body := decode(t, res)
	assert.Equal(t, true, body["status"])
	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, data["id"])
	assert.Equal(t, "processing", data["pdf_status"])

	assert.Equal(t, recordCall{id: 42, statusOnly: false}, records.lastCall(t))
}

func TestGetRecordCheckStatusFlag(t *testing.T) {
	t.Parallel()

	records := &fakeRecords{
		resp:   gallery.Response{Status: true, PDFStatus: gallery.PDFCompleted, PDFURL: "https://cdn.test/x.pdf"},
		status: http.StatusOK,
	}
	s := newTestServer(records, fakeSession{ok: true})

	res := doGet(t, s, "/get?id=7&check_status=TRUE")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, recordCall{id: 7, statusOnly: true}, records.lastCall(t))

	body := decode(t, res)
	assert.Equal(t, "completed", body["pdf_status"])
	assert.Equal(t, "https://cdn.test/x.pdf", body["pdf_url"])
	assert.NotContains(t, body, "data")

	doGet(t, s, "/get?id=7&check_status=yes")
	assert.Equal(t, recordCall{id: 7, statusOnly: false}, records.lastCall(t))
}

func TestGetRecordRejectsBadIDs(t *testing.T) {
	t.Parallel()

	for _, target := range []string{"/get", "/get?id=", "/get?id=abc", "/get?id=1.5"} {
		target := target
		t.Run(target, func(t *testing.T) {
			t.Parallel()
			records := &fakeRecords{}
			s := newTestServer(records, fakeSession{ok: true})

			res := doGet(t, s, target)

			require.Equal(t, http.StatusBadRequest, res.Code)
			assert.Empty(t, res.Header().Get("X-Accel-Buffering"))
			body := decode(t, res)
			assert.Equal(t, false, body["status"])
			assert.Equal(t, "Invalid or missing gallery ID", body["reason"])
			assert.Empty(t, records.calls)
		})
	}
}

func TestGetRecordPassesThroughServiceStatus(t *testing.T) {
	t.Parallel()

	records := &fakeRecords{
		resp:   gallery.Response{Status: false, Reason: gallery.ReasonInvalidID, Kind: gallery.KindInvalidInput},
		status: http.StatusBadRequest,
	}
	s := newTestServer(records, fakeSession{ok: true})

	res := doGet(t, s, "/get?id=-3")
	require.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, recordCall{id: -3}, records.lastCall(t))
	assert.Equal(t, "Invalid gallery ID", decode(t, res)["reason"])

	records.resp = gallery.Response{Status: false, Reason: "Backend returned 404", Kind: gallery.KindUpstreamNotFound}
	records.status = http.StatusNotFound
	res = doGet(t, s, "/get?id=5")
	require.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, "Backend returned 404", decode(t, res)["reason"])
}

func TestGetRecordContextHasDeadline(t *testing.T) {
	t.Parallel()

	records := &fakeRecords{resp: gallery.Response{Status: true}, status: http.StatusOK}
	s := newTestServer(records, fakeSession{ok: true})

	doGet(t, s, "/get?id=1")

	records.mu.Lock()
	defer records.mu.Unlock()
	_, ok := records.sawCtx.Deadline()
	assert.True(t, ok)
}

func TestPDFStatusRoute(t *testing.T) {
	t.Parallel()

	records := &fakeRecords{
		resp:   gallery.Response{Status: true, PDFStatus: gallery.PDFError, Error: "no images were successfully downloaded"},
		status: http.StatusOK,
	}
	s := newTestServer(records, fakeSession{ok: true})

	res := doGet(t, s, "/pdf-status/99")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, recordCall{id: 99, statusOnly: true}, records.lastCall(t))
	body := decode(t, res)
	assert.Equal(t, "error", body["pdf_status"])
	assert.Equal(t, "no images were successfully downloaded", body["error"])

	res = doGet(t, s, "/pdf-status/abc")
	require.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, "Resource not found", decode(t, res)["reason"])
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	last := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newTestServer(&fakeRecords{}, fakeSession{ok: true, last: last})

	res := doGet(t, s, "/health-check")
	require.Equal(t, http.StatusOK, res.Code)
	body := decode(t, res)
	assert.Equal(t, true, body["status"])
	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "gallery-proxy", data["service"])
	assert.EqualValues(t, last.Unix(), data["timestamp"])
	assert.Equal(t, true, data["cookies_ok"])

	s = newTestServer(&fakeRecords{}, fakeSession{ok: false})
	body = decode(t, doGet(t, s, "/health-check"))
	data, ok = body["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, data["cookies_ok"])
	assert.EqualValues(t, 0, data["timestamp"])
}

func TestNotFoundRoutes(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRecords{}, fakeSession{ok: true})
	for _, target := range []string{"/", "/invalid", "/g/123"} {
		res := doGet(t, s, target)
		require.Equal(t, http.StatusNotFound, res.Code, target)
		body := decode(t, res)
		assert.Equal(t, false, body["status"])
		assert.Equal(t, "Resource not found", body["reason"])
	}

	req := httptest.NewRequest(http.MethodPost, "/get?id=1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRecords{}, fakeSession{ok: false})
	res := doGet(t, s, "/healthz")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "ok", decode(t, res)["status"])

	res = doGet(t, s, "/metrics")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "http_requests_total")
}

func TestDocsRoutes(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRecords{}, fakeSession{ok: true})

	res := doGet(t, s, "/docs")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, res.Body.String(), "swagger-ui")

	res = doGet(t, s, "/openapi.json")
	require.Equal(t, http.StatusOK, res.Code)
	body := decode(t, res)
	assert.Equal(t, true, body["status"])
	spec, ok := body["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "3.0.3", spec["openapi"])
	paths, ok := spec["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/get")
	assert.Contains(t, paths, "/pdf-status/{id}")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRecords{panic: true}, fakeSession{ok: true})
	res := doGet(t, s, "/get?id=1")
	require.Equal(t, http.StatusInternalServerError, res.Code)
	body := decode(t, res)
	assert.Equal(t, false, body["status"])
	assert.Equal(t, "internal server error", body["reason"])
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRecords{resp: gallery.Response{Status: true}, status: http.StatusOK}, fakeSession{ok: true})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestParseOpenAPIRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := parseOpenAPI([]byte("openapi: [unterminated"))
	require.Error(t, err)

	d := &docs{err: err}
	rec := httptest.NewRecorder()
	d.serveSpec(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to load OpenAPI specification", decode(t, rec)["reason"])
}
