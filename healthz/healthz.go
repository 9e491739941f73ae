// Package healthz serves liveness and readiness endpoints.
package healthz

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Check returns nil when the dependency it probes is usable.
type Check func(ctx context.Context) error

type Handler struct {
	checks  map[string]Check
	timeout time.Duration
}

// New returns a handler that reports 200 OK when every check passes.  With no
// checks it is a plain liveness probe.
func New(checks map[string]Check) *Handler {
	return &Handler{
		checks:  checks,
		timeout: 5 * time.Second,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			slog.WarnContext(ctx, "Health check failed", slog.String("check", name), slog.Any("err", err))
			http.Error(w, fmt.Sprintf("503 %s: %v", name, err), http.StatusServiceUnavailable)
			return
		}
	}
	w.Write([]byte("200 OK"))
}
