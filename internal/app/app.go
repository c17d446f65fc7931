// Package app assembles the pieces a running endpoint needs — config,
// logger, metrics, audit trail, authenticated backend client, revision
// store, transport channel — so the client and server entry points share
// one bootstrap instead of two drifting copies.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/smaiht/tuman-vpn/internal/audit"
	"github.com/smaiht/tuman-vpn/internal/codec"
	"github.com/smaiht/tuman-vpn/internal/config"
	"github.com/smaiht/tuman-vpn/internal/cookiejar"
	"github.com/smaiht/tuman-vpn/internal/debug"
	"github.com/smaiht/tuman-vpn/internal/frontend/httpproxy"
	"github.com/smaiht/tuman-vpn/internal/logging"
	"github.com/smaiht/tuman-vpn/internal/metrics"
	"github.com/smaiht/tuman-vpn/internal/middleware"
	"github.com/smaiht/tuman-vpn/internal/revstore"
	"github.com/smaiht/tuman-vpn/internal/router"
	"github.com/smaiht/tuman-vpn/internal/tracing"
	"github.com/smaiht/tuman-vpn/internal/transport"
	"github.com/smaiht/tuman-vpn/internal/tunnel"
	"github.com/smaiht/tuman-vpn/internal/wire"
	"github.com/smaiht/tuman-vpn/internal/wizard"
	"github.com/smaiht/tuman-vpn/internal/yanotes"
)

// Core is the assembled endpoint runtime.
type Core struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	Audit   audit.Logger
	Backend yanotes.Client
	Channel *transport.Channel
	Router  router.Router

	tracingShutdown func(context.Context) error
}

// Bootstrap loads cfgPath and builds a Core for role ("client" or
// "server"). The returned Core's Channel is not yet running; call Run.
func Bootstrap(ctx context.Context, cfgPath, role string) (*Core, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	debug.InitFromLogLevel(logger.GetLevel().String())

	tracingShutdown, err := tracing.Setup("tuman-"+role, os.Getenv("TUMAN_TRACING") == "true")
	if err != nil {
		return nil, err
	}

	m := metrics.NewMetrics()
	m.SetHardwareAccelerationStatus("aes", codec.HasAESHardwareSupport())
	m.StartSystemMetricsCollector()

	auditLogger, err := audit.NewLoggerFromConfig(cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("app: build audit logger: %w", err)
	}

	jar, err := cookiejar.Load(cfg.Storage.CookiesPath, logger)
	if err != nil {
		return nil, fmt.Errorf("app: load cookie jar: %w", err)
	}
	if err := jar.Watch(ctx.Done()); err != nil {
		logger.WithError(err).Warn("app: cookie file watch unavailable, reload requires restart")
	}

	backend := yanotes.NewAudited(
		yanotes.NewHTTPClient(&http.Client{Jar: jar}, logger, m),
		auditLogger,
	)

	store, err := buildRevisionStore(cfg.Settings)
	if err != nil {
		return nil, err
	}

	pool, err := wizard.LoadPool(cfg.Storage.PoolPath)
	if err != nil {
		return nil, fmt.Errorf("app: load note pool %s (run tuman-setup first): %w", cfg.Storage.PoolPath, err)
	}

	ownIDs, peerIDs := pool.ClientPool, pool.ServerPool
	if role == "server" {
		ownIDs, peerIDs = pool.ServerPool, pool.ClientPool
	}

	cdc := wire.NewCodec(cfg.Storage.EncryptionKey)
	ch, err := transport.NewChannel(role, ownIDs, peerIDs, backend, store, cdc, logger, m)
	if err != nil {
		return nil, err
	}
	ch.Pool().SetGaugeSetter(m)
	ch.Pool().SetReleaseHook(func(id string) {
		auditLogger.LogNoteCleared(id, role)
	})
	free, busy := ch.Pool().Stats()
	m.SetNotePoolGauges(role, free, busy)

	return &Core{
		Config:          cfg,
		Logger:          logger,
		Metrics:         m,
		Audit:           auditLogger,
		Backend:         backend,
		Channel:         ch,
		Router:          router.New(ch),
		tracingShutdown: tracingShutdown,
	}, nil
}

// TunnelSettings maps the persisted settings onto the tunnel engine's
// knobs. The engine's own 7,800-byte chunk default stays authoritative
// for streaming; chunk_size only overrides it when the operator has
// moved it off the config-schema default, which historically described
// the snippet budget rather than a per-chunk size.
func TunnelSettings(s config.Settings) tunnel.Settings {
	out := tunnel.DefaultSettings()
	if s.ChunkSize > 0 && s.ChunkSize != config.Default().ChunkSize {
		out.ChunkSize = s.ChunkSize
	}
	if s.ChunkIdleTimeout > 0 {
		out.ChunkIdleTimeout = config.TimeoutDuration(s.ChunkIdleTimeout)
	}
	if s.TunnelIdleTimeout > 0 {
		out.TunnelIdleTimeout = config.TimeoutDuration(s.TunnelIdleTimeout)
	}
	return out
}

func buildRevisionStore(s config.Settings) (revstore.Store, error) {
	if s.RedisAddr == "" {
		return revstore.NewMemory(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	return revstore.NewRedis(client, s.RedisKeyPrefix), nil
}

// Run starts the channel's sender, receiver, and reaper loops.
func (c *Core) Run(ctx context.Context) {
	c.Channel.Run(ctx)
}

// Close stops the channel, flushes the audit trail, and shuts tracing down.
func (c *Core) Close(ctx context.Context) {
	c.Router.Stop()
	if err := c.Audit.Close(); err != nil {
		c.Logger.WithError(err).Warn("app: audit close failed")
	}
	if err := c.tracingShutdown(ctx); err != nil {
		c.Logger.WithError(err).Warn("app: tracing shutdown failed")
	}
}

// ServeAdmin runs the /healthz, /readyz, /metrics surface on addr until
// ctx is canceled. Readiness probes the backend with a revision fetch, so
// a dead session cookie flips /readyz before the first proxied request
// fails.
func (c *Core) ServeAdmin(ctx context.Context, addr string) error {
	readiness := func(ctx context.Context) error {
		_, err := c.Backend.Revision(ctx)
		return err
	}

	adminMux := httpproxy.AdminRouter(
		metrics.HealthHandler(),
		metrics.ReadinessHandler(readiness),
		func(w http.ResponseWriter, r *http.Request) { c.Metrics.Handler().ServeHTTP(w, r) },
	)

	chain := middleware.Recovery(c.Logger)(middleware.Logging(c.Logger)(adminMux))
	srv := &http.Server{Addr: addr, Handler: chain}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	c.Logger.WithField("addr", addr).Info("app: admin surface listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("app: admin server: %w", err)
	}
	return nil
}
