package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/pingback/internal/account"
	"github.com/onnwee/pingback/internal/api"
	"github.com/onnwee/pingback/internal/audit"
	"github.com/onnwee/pingback/internal/config"
	"github.com/onnwee/pingback/internal/db"
	"github.com/onnwee/pingback/internal/health"
	"github.com/onnwee/pingback/internal/idempotency"
	"github.com/onnwee/pingback/internal/middleware"
	"github.com/onnwee/pingback/internal/payment"
	"github.com/onnwee/pingback/internal/pingback"
)

// serviceName identifies the server in traces.
const serviceName = "pingback"

// app holds everything the server owns and must release on shutdown.
type app struct {
	handler http.Handler
	health  *api.HealthHandlers
	audit   *audit.Logger

	closers []func(ctx context.Context) error
}

// newApp builds stores, processors and the HTTP handler chain from cfg.
// On error, anything already opened is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	checks := health.NewRegistry(0)

	var conn *sql.DB
	if cfg.AccountBackend == config.BackendPostgres || cfg.IdempotencyBackend == config.BackendPostgres {
		conn, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return conn.Close() })
		if err = db.Migrate(ctx, conn); err != nil {
			return nil, err
		}
		checks.Register("database", health.NewDBChecker(conn))
	}

	var store account.Store
	switch cfg.AccountBackend {
	case config.BackendPostgres:
		store = account.NewPostgresStore(conn, logger)
	default:
		store = account.NewInMemoryStore()
	}
	if err = seedAccounts(ctx, store, cfg.SeedAccounts, logger); err != nil {
		return nil, err
	}

	var guard pingback.Guard
	switch cfg.IdempotencyBackend {
	case config.BackendPostgres:
		guard = idempotency.NewPostgresRepository(conn, logger)
	case config.BackendRedis:
		opts, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", parseErr)
		}
		client := redis.NewClient(opts)
		a.onClose(func(context.Context) error { return client.Close() })
		checks.Register("redis", health.NewRedisChecker(client))
		guard = idempotency.NewRedisRepository(client)
	default:
		guard = idempotency.NewInMemoryRepository()
	}

	cat, err := cfg.BuildCatalog()
	if err != nil {
		return nil, err
	}
	applier, err := pingback.NewApplier(cat, store)
	if err != nil {
		return nil, err
	}

	auditFile, err := audit.OpenFile(cfg.AuditLogPath)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return auditFile.Close() })
	if chain := auditFile.Chain(); chain.Err() != nil {
		logger.Error("audit log chain is broken",
			slog.String("path", cfg.AuditLogPath),
			slog.Int("records", chain.Records),
			slog.Int("broken_at", chain.BrokenAt),
			slog.String("error", chain.Err().Error()))
	} else {
		logger.Info("audit log opened",
			slog.String("path", cfg.AuditLogPath),
			slog.Int("records", chain.Records),
			slog.Int("skipped_lines", chain.Skipped))
	}
	a.audit, err = audit.NewLogger(auditFile, 0, logger)
	if err != nil {
		return nil, err
	}
	// Registered after the file so it drains before the file closes.
	a.onClose(a.audit.Close)

	pbMetrics := pingback.NewMetrics()
	httpMetrics := middleware.NewMetrics()
	for _, register := range []func(prometheus.Registerer) error{pbMetrics.Register, httpMetrics.Register} {
		if err = register(reg); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	if err = reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	base := pingback.Config{
		Guard:   guard,
		Applier: applier,
		Audit:   a.audit,
		Metrics: pbMetrics,
		Logger:  logger,
	}
	webhooks := api.WebhookHandlersConfig{TrustProxyHeaders: cfg.TrustProxyHeaders}

	if cfg.PaymentwallSecretKey != "" {
		webhooks.Paymentwall, err = newPaymentwallProcessor(cfg, base)
		if err != nil {
			return nil, err
		}
	}
	if cfg.StripeWebhookSecret != "" {
		webhooks.Stripe, err = newStripeProcessor(cfg, base)
		if err != nil {
			return nil, err
		}
	}

	a.health = api.NewHealthHandlers(checks)
	mux := api.NewRouter(api.RouterConfig{
		Webhooks: api.NewWebhookHandlers(webhooks),
		Health:   a.health,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})

	// Outermost first: RequestID -> CallerIP -> Tracing -> HTTPMetrics -> Logging
	var handler http.Handler = mux
	handler = middleware.Logging(logger)(handler)
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	if cfg.TracingEnabled {
		handler = middleware.Tracing(serviceName)(handler)
	}
	handler = middleware.CallerIP(cfg.TrustProxyHeaders)(handler)
	a.handler = middleware.RequestID(handler)

	logger.Info("catalog loaded", "products", cat.IDs())
	return a, nil
}

func newPaymentwallProcessor(cfg *config.Config, base pingback.Config) (*pingback.Processor, error) {
	verifier, err := payment.NewPaymentwallVerifier(cfg.PaymentwallSecretKey)
	if err != nil {
		return nil, err
	}
	allow, err := pingback.NewAllowList(cfg.PaymentwallAuthorizedIPs, cfg.PaymentwallAuthorizedTestIPs, cfg.TestMode)
	if err != nil {
		return nil, err
	}
	base.Source = payment.SourcePaymentwall
	base.Verifier = verifier
	base.AllowList = allow
	return pingback.NewProcessor(base)
}

func newStripeProcessor(cfg *config.Config, base pingback.Config) (*pingback.Processor, error) {
	verifier, err := payment.NewStripeVerifier(cfg.StripeWebhookSecret)
	if err != nil {
		return nil, err
	}
	// Stripe authenticates by signature; any address may deliver.
	allow, err := pingback.NewAllowList(nil, nil, false)
	if err != nil {
		return nil, err
	}
	base.Source = payment.SourceStripe
	base.Verifier = verifier
	base.AllowList = allow
	return pingback.NewProcessor(base)
}

// seedAccounts creates the configured accounts that do not exist yet.
func seedAccounts(ctx context.Context, store account.Store, ids []string, logger *slog.Logger) error {
	created := 0
	for _, id := range ids {
		err := store.Create(ctx, &account.Account{ID: id, Tier: account.TierNone})
		switch {
		case err == nil:
			created++
		case errors.Is(err, account.ErrAccountExists):
		default:
			return fmt.Errorf("failed to seed account %s: %w", id, err)
		}
	}
	if created > 0 {
		logger.Info("seeded accounts", "created", created)
	}
	return nil
}

func (a *app) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// shutdownTimeout bounds draining in-flight callbacks and flushing the audit log.
const shutdownTimeout = 10 * time.Second
