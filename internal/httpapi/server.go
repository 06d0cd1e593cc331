// Package httpapi serves the launcher's status surface: liveness, readiness,
// a JSON snapshot of the group, Prometheus metrics and a small set of
// control broadcasts.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"semipd/internal/control"
	"semipd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Snapshot() types.GroupStatus
	Ready() bool
	Broadcast(op control.Op) error
}

// broadcastable lists the ops a client may trigger. Shutdown belongs to the
// process owning the launcher.
var broadcastable = map[control.Op]bool{
	control.OpPing:       true,
	control.OpFlushCache: true,
}

func NewMux(svc Service, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(requestLogger(opts.Log, parseLevel(opts.RequestLog)))
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: opts.corsMethods(),
			AllowedHeaders: opts.corsHeaders(),
			MaxAge:         300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(strings.ToLower(svc.Snapshot().State)))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Snapshot()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	r.Post("/control/{op}", func(w http.ResponseWriter, r *http.Request) {
		op := control.Op(chi.URLParam(r, "op"))
		if !broadcastable[op] {
			controlRequestsTotal.WithLabelValues("invalid", "rejected").Inc()
			writeJSONError(w, http.StatusBadRequest, "unsupported control op "+string(op))
			return
		}
		if err := svc.Broadcast(op); err != nil {
			controlRequestsTotal.WithLabelValues(string(op), "error").Inc()
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		controlRequestsTotal.WithLabelValues(string(op), "ok").Inc()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"op": string(op), "status": "sent"})
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// Serve runs srv on ln until ctx is done, then shuts it down within grace.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener, grace time.Duration) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
