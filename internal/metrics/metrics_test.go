package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveCacheLookup(t *testing.T) {
	hitsBefore := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit"))
	missesBefore := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("miss"))

	ObserveCacheLookup(true)
	ObserveCacheLookup(false)
	ObserveCacheLookup(false)

	require.InDelta(t, hitsBefore+1, testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit")), 0.001)
	require.InDelta(t, missesBefore+2, testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("miss")), 0.001)
}

func TestObserveRecordRequestDefaultsKind(t *testing.T) {
	before := testutil.ToFloat64(recordRequestsTotal.WithLabelValues("none", "200"))
	ObserveRecordRequest("", http.StatusOK)
	require.InDelta(t, before+1, testutil.ToFloat64(recordRequestsTotal.WithLabelValues("none", "200")), 0.001)
}

func TestObserveRenewal(t *testing.T) {
	before := testutil.ToFloat64(sessionRenewalsTotal.WithLabelValues("failure"))
	ObserveRenewal(false, 2*time.Second)
	require.InDelta(t, before+1, testutil.ToFloat64(sessionRenewalsTotal.WithLabelValues("failure")), 0.001)
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/pdf-status/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pdf-status/7", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418")), 0.001)
}
