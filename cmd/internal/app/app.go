// Package app wires the SDH-Chat server runtime: config, logging, persistence,
// the realtime relay, and the HTTP surfaces.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/api"
	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/presence"
	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/realtime"
	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/store"
)

// App is the SDH-Chat server runtime: it owns the persistence gateway, the relay and HTTP wiring.
type App struct {
	cfg Config
	log Logger

	gateway   store.Gateway
	dbPool    *pgxpool.Pool
	dbEnabled bool

	mirror presence.Mirror
	relay  *realtime.Relay
	ws     *realtime.WSGateway
	api    *api.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	gw, pool, err := newGateway(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	mirror, err := newMirror(ctx, cfg, log)
	if err != nil {
		_ = gw.Close()
		closePool(pool)
		return nil, err
	}

	// The relay starts with no connections, so nobody can be online yet.
	now := time.Now().UTC()
	if err := gw.ResetPresence(ctx, now); err != nil {
		log.Error("presence.reset.fail", "err", err)
	}
	if err := mirror.Clear(ctx); err != nil {
		log.Error("presence.mirror.clear.fail", "err", err)
	}

	relay := realtime.NewRelay(log, gw, realtime.WithMirror(mirror))

	return &App{
		cfg:       cfg,
		log:       log,
		gateway:   gw,
		dbPool:    pool,
		dbEnabled: pool != nil,
		mirror:    mirror,
		relay:     relay,
		ws:        realtime.NewWSGateway(log, relay),
		api:       api.NewHandler(log, gw, cfg.API, api.WithRelay(relay), api.WithPresenceMirror(mirror)),
	}, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"api", base+"/api",
		"ws", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		a.close()
		return err
	}
	// Hijacked websocket connections are not tracked by Shutdown; they end with ctx.
	if err := a.ws.Drain(shutdownCtx); err != nil {
		a.log.Error("ws.drain.fail", "err", err)
	}

	a.close()
	a.log.Info("server.stopped")
	return nil
}

func (a *App) close() {
	if err := a.mirror.Close(); err != nil {
		a.log.Error("presence.mirror.close.fail", "err", err)
	}
	if err := a.gateway.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	closePool(a.dbPool)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newGateway decides between Postgres-backed persistence and the in-memory dev gateway.
//
// Ownership model:
// - app owns pool lifecycle
// - PostgresGateway.Close() is a no-op
func newGateway(ctx context.Context, cfg Config, log Logger) (store.Gateway, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return store.NewMemoryGateway(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	schema := cfg.DBSchema
	if schema == "" {
		schema = store.DefaultSchema
	}
	if cfg.AutoMigrate {
		if err := store.ApplySchema(ctx, pool, schema); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("db.schema.applied", "schema", schema)
	}

	gw, err := store.NewPostgresGateway(pool, store.WithSchema(schema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", schema)
	return gw, pool, nil
}

func newMirror(ctx context.Context, cfg Config, log Logger) (presence.Mirror, error) {
	if cfg.RedisURL == "" {
		log.Info("presence.mirror.disabled")
		return presence.NopMirror{}, nil
	}
	m, err := presence.NewRedisMirror(ctx, cfg.RedisURL, cfg.RedisPrefix)
	if err != nil {
		return nil, err
	}
	log.Info("presence.mirror.redis", "prefix", cfg.RedisPrefix)
	return m, nil
}

func closePool(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}

// runtimeBaseURL turns a listen address into a URL a local client can reach.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(httpBase string) string {
	switch {
	case strings.HasPrefix(httpBase, "https://"):
		return "wss://" + strings.TrimPrefix(httpBase, "https://")
	case strings.HasPrefix(httpBase, "http://"):
		return "ws://" + strings.TrimPrefix(httpBase, "http://")
	default:
		return "ws://" + httpBase
	}
}
