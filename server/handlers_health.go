package server

import (
	"context"
	"net/http"
)

// HandleHealthz is the liveness check.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz checks the database and the cache.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	type check struct {
		name string
		fn   func(context.Context) error
	}
	var checks []check
	if h.deps.DB != nil {
		checks = append(checks, check{"database", h.deps.DB.PingContext})
	}
	if h.deps.Cache != nil {
		checks = append(checks, check{"cache", h.deps.Cache.Ping})
	}
	for _, c := range checks {
		if err := c.fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": c.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"sessions": len(h.deps.Sessions.List()),
	})
}
