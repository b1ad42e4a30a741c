// Package runtime is the main orchestrator that ties together the session
// manager, the handler dispatcher, the stores and the control API.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/switchyard-chat/switchyard/internal/api"
	"github.com/switchyard-chat/switchyard/internal/auth"
	"github.com/switchyard-chat/switchyard/internal/config"
	"github.com/switchyard-chat/switchyard/internal/conn"
	"github.com/switchyard-chat/switchyard/internal/credstore"
	"github.com/switchyard-chat/switchyard/internal/dispatch"
	"github.com/switchyard-chat/switchyard/internal/eventbus"
	"github.com/switchyard-chat/switchyard/internal/groupcache"
	"github.com/switchyard-chat/switchyard/internal/handler"
	"github.com/switchyard-chat/switchyard/internal/kvstore"
	"github.com/switchyard-chat/switchyard/internal/metastore"
	"github.com/switchyard-chat/switchyard/internal/session"
	"github.com/switchyard-chat/switchyard/internal/throttle"
)

const shutdownTimeout = 15 * time.Second

// Runtime is the switchyard process.
type Runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *eventbus.Bus
	startedAt time.Time

	kv         *kvstore.Store
	creds      *credstore.Store
	cache      *groupcache.Cache
	throttle   *throttle.Throttle
	dispatcher *dispatch.Dispatcher
	sessions   *session.Manager

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

// New opens the stores and builds every component. If bus is nil, a private
// bus is created.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, bus *eventbus.Bus) (*Runtime, error) {
	if bus == nil {
		bus = eventbus.New()
	}

	kv, err := kvstore.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}

	rt := &Runtime{
		cfg:       cfg,
		logger:    logger.With("component", "runtime"),
		bus:       bus,
		startedAt: time.Now(),
		kv:        kv,
		creds:     credstore.New(cfg.Sessions.Dir),
		ready:     make(chan struct{}),
	}

	rt.cache = groupcache.New(groupcache.Options{
		MaxTenants:  cfg.Cache.MaxTenants,
		MaxEntries:  cfg.Cache.MaxEntries,
		TTL:         cfg.Cache.TTL.Duration,
		StaleGrace:  cfg.Cache.StaleGrace.Duration,
		PrefetchMax: cfg.Cache.PrefetchMax,
		SweepEvery:  cfg.Cache.SweepEvery.Duration,
	}, logger)
	rt.throttle = throttle.New(cfg.Dispatch.Concurrency, cfg.Dispatch.QueueSize, logger)
	rt.dispatcher = dispatch.New(handler.DefaultRegistry(), rt.throttle, rt.cache, kv, cfg.Dispatch.Prefix, logger)

	meta := metastore.New(cfg.Sessions.MetaFile, logger)
	meta.OnPersisted = func(ids []string) {
		bus.PublishType(eventbus.SessionMetaUpdated, map[string]any{"ids": ids})
	}

	rt.sessions = session.NewManager(cfg.Sessions, session.Deps{
		Factory: conn.NewBridgeFactory(cfg.Bridge, rt.creds, logger),
		Meta:    meta,
		Creds:   rt.creds,
		Cache:   rt.cache,
		KV:      kv,
		Events:  rt.dispatcher,
		Bus:     bus,
	}, logger)

	return rt, nil
}

// Bus returns the runtime's event bus.
func (r *Runtime) Bus() *eventbus.Bus { return r.bus }

// Sessions returns the session manager.
func (r *Runtime) Sessions() *session.Manager { return r.sessions }

// Ready is closed once the API listener is bound.
func (r *Runtime) Ready() <-chan struct{} { return r.ready }

// Addr returns the API listen address, or nil before Ready.
func (r *Runtime) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Run restores and starts sessions, then serves the API until ctx is
// cancelled. Connections are closed gracefully on the way out, which keeps
// their credentials.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("starting runtime",
		"api_addr", r.cfg.API.Addr,
		"storage", r.cfg.Storage.Driver,
		"auto_start", r.cfg.ShouldAutoStart(),
	)

	ctx, cancel := context.WithCancel(ctx)
	var bg sync.WaitGroup
	defer func() {
		r.logger.Info("shutting down runtime")
		cancel()
		bg.Wait()
		r.shutdown()
	}()

	bg.Add(1)
	go func() {
		defer bg.Done()
		r.cache.Run(ctx)
	}()

	restored := r.sessions.Restore()
	for _, id := range r.cfg.Sessions.IDs {
		if _, err := r.sessions.Register(id); err != nil {
			r.logger.Warn("skipping configured session", "session_id", id, "error", err)
		}
	}
	r.logger.Info("sessions registered", "restored", restored, "total", len(r.sessions.List()))

	if r.cfg.ShouldAutoStart() {
		bg.Add(1)
		go func() {
			defer bg.Done()
			failures := r.sessions.StartAll(ctx)
			for id, err := range failures {
				r.logger.Warn("auto start failed", "session_id", id, "error", err)
			}
		}()
	}

	provider, err := auth.NewProvider(ctx, r.cfg.API.Auth)
	if err != nil {
		return fmt.Errorf("api auth: %w", err)
	}
	if c, ok := provider.(interface{ Close() error }); ok {
		defer func() { _ = c.Close() }()
	}

	return r.serve(ctx, provider)
}

func (r *Runtime) serve(ctx context.Context, provider auth.Provider) error {
	apiSrv := api.NewServer(r.cfg.API, api.Deps{
		Sessions: r.sessions,
		Throttle: r.throttle,
		Cache:    r.cache,
		Bus:      r.bus,
		Store:    r.kv,
		Auth:     provider,
	}, r.logger)
	apiSrv.StartBackgroundTasks(ctx)

	ln, err := net.Listen("tcp", r.cfg.API.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.cfg.API.Addr, err)
	}
	r.mu.Lock()
	r.addr = ln.Addr()
	r.mu.Unlock()
	close(r.ready)

	httpSrv := &http.Server{
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("api listening", "addr", ln.Addr().String())
		errCh <- httpSrv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("api shutdown", "error", err)
	}
	return nil
}

func (r *Runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	r.sessions.Close(ctx)
	r.dispatcher.Wait()
	r.throttle.Close()
	if err := r.kv.Close(); err != nil {
		r.logger.Warn("close kv store", "error", err)
	}
	r.logger.Info("runtime stopped", "uptime", time.Since(r.startedAt).Truncate(time.Second).String())
}
