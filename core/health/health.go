// Package health exposes liveness and readiness probes over HTTP.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/m3rciful/marketbot/core/buildinfo"
	"github.com/m3rciful/marketbot/core/logger"
)

const (
	checkTimeout    = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Check is one readiness dependency.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Result is the outcome of one check.
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the body of both endpoints.
type Response struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]Result `json:"checks,omitempty"`
}

// NewRouter serves GET /health (process is up) and GET /ready (every
// check passes, 503 otherwise).
func NewRouter(checks ...Check) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Response{Status: "ok", Version: buildinfo.String()})
	})
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		resp := Response{Status: "ok", Version: buildinfo.String(), Checks: make(map[string]Result, len(checks))}
		code := http.StatusOK
		for _, c := range checks {
			ctx, cancel := context.WithTimeout(req.Context(), checkTimeout)
			err := c.Ping(ctx)
			cancel()
			if err != nil {
				resp.Checks[c.Name] = Result{Status: "error", Message: err.Error()}
				resp.Status = "unavailable"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[c.Name] = Result{Status: "ok"}
		}
		if code != http.StatusOK {
			logger.Warn(req.Context(), logger.CompHTTP, "ready.failed", slog.Any("checks", resp.Checks))
		}
		writeJSON(w, code, resp)
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve listens on addr until ctx ends, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, logger.CompHTTP, "listen", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		logger.Info(ctx, logger.CompHTTP, "stopped")
		return nil
	}
}
