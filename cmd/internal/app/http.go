package app

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// pinger is a readiness dependency.
type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", a.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", a.ws.HandleWS)
	mux.Handle("/api/", a.api.Routes())
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ReadinessRequireDB && !a.dbEnabled {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}

	if a.dbEnabled && a.dbPool != nil {
		if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.db.not_ready", "err", err)
			return
		}
	}

	if p, ok := a.mirror.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			http.Error(w, "presence mirror not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.redis.not_ready", "err", err)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
