// health_handler.go
package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/casedesk/docket/internal/store"
	"golang.org/x/sync/errgroup"
)

// healthTimeout bounds each dependency ping.
const healthTimeout = 2 * time.Second

// dependencyStatus maps a ping result to "ok", "disabled" or "error".
func dependencyStatus(r *http.Request, name string, err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrCacheDisabled):
		return "disabled"
	default:
		logError(r, "health check failed", "dependency", name, "error", err)
		return "error"
	}
}

// CheckHealth handles GET /health. Postgres and Redis are pinged in parallel.
// 503 if either reports an error; a disabled Redis is healthy.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}

	ping := func(name string, check func(context.Context) error, out *string) func() error {
		return func() error {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			*out = dependencyStatus(r, name, check(ctx))
			return nil
		}
	}
	var g errgroup.Group
	g.Go(ping("postgres", h.PS.CheckHealth, &body.Postgres))
	g.Go(ping("redis", h.RS.CheckHealth, &body.Redis))
	_ = g.Wait()

	status := http.StatusOK
	if body.Postgres == "error" || body.Redis == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, body)
}
