// Package bootstrap wires all dependencies and starts the application.
// Configuration comes from a YAML file with environment overrides; plans
// and the log level hot-reload, everything else needs a restart.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/artpar/billingd/adapters/amqp"
	"github.com/artpar/billingd/adapters/clock"
	"github.com/artpar/billingd/adapters/document"
	"github.com/artpar/billingd/adapters/email"
	apihttp "github.com/artpar/billingd/adapters/http"
	"github.com/artpar/billingd/adapters/idgen"
	"github.com/artpar/billingd/adapters/metrics"
	"github.com/artpar/billingd/adapters/payment"
	"github.com/artpar/billingd/adapters/plancache"
	"github.com/artpar/billingd/adapters/random"
	"github.com/artpar/billingd/adapters/scheduler"
	"github.com/artpar/billingd/adapters/tax"
	"github.com/artpar/billingd/app"
	"github.com/artpar/billingd/config"
	"github.com/artpar/billingd/core/events"
	"github.com/artpar/billingd/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Options tune application startup.
type Options struct {
	// Version is reported by /version.
	Version string

	// Holder enables hot reload of plans and the log level.
	Holder *config.Holder

	// Clock overrides the wall clock, for tests.
	Clock ports.Clock

	// LogOutput defaults to stdout.
	LogOutput io.Writer
}

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	Stores     *Stores
	HTTPServer *http.Server
	Metrics    *metrics.Collector
	Registry   *prometheus.Registry
	Bus        *events.Bus

	// Services
	Invoices      *app.InvoiceService
	Retries       *app.RetryEngine
	Dunning       *app.DunningService
	Subscriptions *app.SubscriptionService
	Usage         *app.UsageService
	PaymentEvents *app.PaymentEventService
	Jobs          *app.JobRunner
	Cron          *app.CronService
	Mailer        *app.Mailer

	plans          *plancache.Catalog
	clock          *cron.Cron
	holder         *config.Holder
	forwarder      ports.EventForwarder
	closeScheduler func() error
}

// New builds the application from cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := setupLogger(cfg.Logging, opts.LogOutput)

	a := &App{
		Logger:   logger,
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		holder:   opts.Holder,
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewWithRegistry(a.Registry)

	if err := a.init(ctx, opts); err != nil {
		a.Shutdown()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, opts Options) error {
	cfg := a.Config

	stores, err := openStores(cfg.Database)
	if err != nil {
		return err
	}
	a.Stores = stores
	a.Logger.Info().Str("driver", cfg.Database.Driver).Msg("database ready")

	if err := syncPlans(ctx, stores.Plans, cfg.Plans); err != nil {
		return err
	}
	a.plans = plancache.New(stores.Plans, cfg.Billing.PlanCacheSize, cfg.Billing.PlanCacheTTL)

	charger, err := payment.New(cfg.Payment)
	if err != nil {
		return fmt.Errorf("payment provider: %w", err)
	}
	notifier, err := email.New(cfg.Email)
	if err != nil {
		return fmt.Errorf("email provider: %w", err)
	}
	jobs, closeScheduler, err := scheduler.New(ctx, cfg.Scheduler)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	a.closeScheduler = closeScheduler
	docs, err := document.New(ctx, cfg.Documents)
	if err != nil {
		return fmt.Errorf("documents: %w", err)
	}

	var clk ports.Clock = clock.Real{}
	if opts.Clock != nil {
		clk = opts.Clock
	}

	a.Bus = events.NewBus(a.Logger.With().Str("component", "events").Logger()).
		WithClock(func() time.Time { return clk.Now().UTC() })
	a.forwarder = amqp.New(cfg.Events, a.Logger)
	a.Bus.Subscribe("*", func(ctx context.Context, event events.Event) error {
		err := a.forwarder.Forward(ctx, event.Name, event.Payload)
		a.Metrics.Forwarded(err)
		return err
	})

	a.Mailer = app.NewMailer(notifier, stores.Users, app.MailerConfig{
		OperatorEmail:    cfg.Billing.OperatorEmail,
		UpdatePaymentURL: cfg.Billing.UpdatePaymentURL,
		DashboardURL:     cfg.Billing.DashboardURL,
		Async:            cfg.Billing.AsyncEmail,
	}, a.Metrics, a.Logger)

	deps := app.Deps{
		Subscriptions: stores.Subscriptions,
		Invoices:      stores.Invoices,
		Retries:       stores.Retries,
		Attempts:      stores.Attempts,
		Dunning:       stores.Dunning,
		Usage:         stores.Usage,
		History:       stores.History,
		Warnings:      stores.Warnings,
		Users:         stores.Users,
		Plans:         a.plans,
		Ledger:        stores.Ledger,
		Charger:       charger,
		Scheduler:     jobs,
		Tax:           tax.New(cfg.Tax),
		Documents:     docs,
		ChargeTimeout: cfg.Billing.ChargeTimeout,
		Clock:         clk,
		IDs:           idgen.UUID{},
		Random:        random.Real{},
		Events:        a.Bus,
		Mailer:        a.Mailer,
		Metrics:       a.Metrics,
		Logger:        a.Logger,
	}

	retryCfg := app.DefaultRetryConfig()
	if cfg.Billing.ChargeTimeout > 0 {
		retryCfg.ChargeTimeout = cfg.Billing.ChargeTimeout
	}
	if cfg.Billing.ChargeInterval > 0 {
		retryCfg.ChargeInterval = cfg.Billing.ChargeInterval
	}
	if cfg.Cron.RetryBatch > 0 {
		retryCfg.BatchSize = cfg.Cron.RetryBatch
	}
	cronCfg := cronConfig(cfg)

	a.Invoices = app.NewInvoiceService(deps)
	a.Retries = app.NewRetryEngine(deps, a.Invoices, retryCfg)
	a.Dunning = app.NewDunningService(deps, cronCfg.DunningBatch)
	a.Subscriptions = app.NewSubscriptionService(deps, a.Retries)
	a.Usage = app.NewUsageService(deps)
	a.PaymentEvents = app.NewPaymentEventService(a.Invoices, a.Retries, a.Logger)
	a.Jobs = app.NewJobRunner(a.Subscriptions, a.Retries, a.Dunning, a.Metrics, a.Logger)
	a.Cron = app.NewCronService(deps, a.Retries, a.Dunning, a.Subscriptions, a.Jobs, cronCfg)

	a.Retries.Subscribe(a.Bus)
	a.Dunning.Subscribe(a.Bus)

	if cfg.Cron.Enabled {
		a.clock, err = newCron(cfg.Cron.Schedules, a.Cron, a.Logger.With().Str("component", "cron").Logger())
		if err != nil {
			return err
		}
	}

	if a.holder != nil {
		a.holder.OnChange(a.applyConfig)
		a.holder.OnError(func(err error) { a.Metrics.ConfigReloaded(time.Now(), err) })
	}

	a.initHTTPServer(opts.Version)
	return nil
}

func (a *App) initHTTPServer(version string) {
	cfg := a.Config
	deps := apihttp.Deps{
		Jobs:          a.Cron,
		Retries:       a.Retries,
		Failures:      a.Retries,
		Documents:     a.Invoices,
		Subscriptions: a.Subscriptions,
		Invoices:      a.Invoices,
		Usage:         a.Usage,
		AdminToken:    cfg.Server.AdminToken,
		Version:       version,
		Logger:        a.Logger,
		MetricsPath:   cfg.Metrics.Path,
	}
	if parser := payment.NewWebhookParser(cfg.Payment); parser != nil {
		deps.Webhooks = parser
		deps.PaymentEvents = a.PaymentEvents
	}
	if a.Stores.DB != nil {
		deps.Health = a.Stores.DB
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
	}

	a.HTTPServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      apihttp.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// cronConfig overlays configured batch sizes on the defaults.
func cronConfig(cfg *config.Config) app.CronConfig {
	c := app.DefaultCronConfig()
	if cfg.Billing.RenewalTolerance > 0 {
		c.RenewalTolerance = cfg.Billing.RenewalTolerance
	}
	if cfg.Cron.JobRetryBackoff > 0 {
		c.JobRetryBackoff = cfg.Cron.JobRetryBackoff
	}
	for _, o := range []struct {
		dst *int
		val int
	}{
		{&c.RetryBatch, cfg.Cron.RetryBatch},
		{&c.DunningBatch, cfg.Cron.DunningBatch},
		{&c.ExpiryBatch, cfg.Cron.ExpiryBatch},
		{&c.RenewalBatch, cfg.Cron.RenewalBatch},
		{&c.JobBatch, cfg.Cron.JobBatch},
		{&c.JobMaxAttempts, cfg.Cron.JobMaxAttempts},
	} {
		if o.val > 0 {
			*o.dst = o.val
		}
	}
	return c
}

// syncPlans upserts the configured plans. Plans missing from the
// configuration are left in place since subscriptions may reference them.
func syncPlans(ctx context.Context, store ports.PlanStore, plans []config.PlanConfig) error {
	for _, p := range plans {
		if err := store.Upsert(ctx, p.Plan()); err != nil {
			return fmt.Errorf("sync plan %s: %w", p.Key, err)
		}
	}
	return nil
}

// applyConfig applies the hot-reloadable parts of a new configuration.
func (a *App) applyConfig(cfg *config.Config) {
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	err := syncPlans(context.Background(), a.Stores.Plans, cfg.Plans)
	if err != nil {
		a.Logger.Error().Err(err).Msg("plan reload failed")
	} else {
		a.plans.Purge()
		a.Logger.Info().Int("plans", len(cfg.Plans)).Msg("plans reloaded")
	}
	a.Metrics.ConfigReloaded(time.Now(), err)
}

// Run starts the cron clock and the HTTP server, then blocks until ctx is
// cancelled, a signal arrives or the server fails.
func (a *App) Run(ctx context.Context) error {
	if a.holder != nil {
		if err := a.holder.WatchFile(); err != nil {
			a.Logger.Warn().Err(err).Msg("config file watch unavailable")
		}
		a.holder.WatchSignals()
	}

	if a.clock != nil {
		a.clock.Start()
		a.Logger.Info().Int("jobs", len(a.clock.Entries())).Msg("cron started")
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case err := <-errCh:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
		a.Logger.Info().Msg("context cancelled, shutting down")
	}

	if err := a.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown gracefully stops the application. It is safe on a partially
// initialised App.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.holder != nil {
		a.holder.Stop()
	}

	// Let a running batch finish before tearing down its dependencies.
	if a.clock != nil {
		select {
		case <-a.clock.Stop().Done():
		case <-ctx.Done():
			a.Logger.Warn().Msg("cron jobs still running at shutdown")
		}
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	a.Mailer.Close()

	if a.Bus != nil {
		a.Bus.Wait()
	}

	if a.forwarder != nil {
		if err := a.forwarder.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("event forwarder close error")
		}
	}

	if a.closeScheduler != nil {
		if err := a.closeScheduler(); err != nil {
			a.Logger.Error().Err(err).Msg("scheduler close error")
		}
	}

	if a.Stores != nil && a.Stores.DB != nil {
		if err := a.Stores.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

// setupLogger configures the global level and output format.
func setupLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(out).With().Timestamp().Str("service", "billingd").Logger()
}
