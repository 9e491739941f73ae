// Package httpmetrics counts served API requests with OpenCensus.
package httpmetrics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	keyRoute  = tag.MustNewKey("route")
	keyMethod = tag.MustNewKey("method")
	keyCode   = tag.MustNewKey("code")
)

type Wrapper struct {
	requestCount     *stats.Int64Measure
	requestCountView *view.View

	inner http.Handler
}

func New(inner http.Handler) *Wrapper {
	r := &Wrapper{}

	r.requestCount = stats.Int64("pillmate/api/requests", "API requests served", stats.UnitDimensionless)
	r.requestCountView = &view.View{
		Name:        "pillmate/api/requests",
		Description: "Counter of requests that have been handled",

		// Route patterns, not raw paths, so that device PINs stay out of the
		// metric labels.
		TagKeys: []tag.Key{keyRoute, keyMethod, keyCode},

		Measure:     r.requestCount,
		Aggregation: view.Count(),
	}

	r.inner = inner

	return r
}

func (h *Wrapper) RegisterMetrics() error {
	return view.Register(h.requestCountView)
}

func (h *Wrapper) UnregisterMetrics() {
	view.Unregister(h.requestCountView)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Wrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

	// chi fills in a route context it finds on the request instead of
	// pooling its own, so the matched pattern is still readable afterwards.
	rctx := chi.NewRouteContext()
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))

	h.inner.ServeHTTP(rec, r)

	route := rctx.RoutePattern()
	if route == "" {
		route = "unmatched"
	}

	slog.DebugContext(r.Context(), "Served", slog.String("route", route), slog.String("method", r.Method), slog.Int("code", rec.code))

	stats.RecordWithOptions(
		r.Context(),
		stats.WithTags(
			tag.Insert(keyRoute, route),
			tag.Insert(keyMethod, r.Method),
			tag.Insert(keyCode, strconv.Itoa(rec.code)),
		),
		stats.WithMeasurements(h.requestCount.M(1)))
}
