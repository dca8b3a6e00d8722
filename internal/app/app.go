package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"windowgate/internal/admission"
	"windowgate/internal/alerting"
	"windowgate/internal/alerts"
	"windowgate/internal/config"
	"windowgate/internal/evaluator"
	"windowgate/internal/identity"
	"windowgate/internal/marketdata"
	"windowgate/internal/metrics"
	"windowgate/internal/rest"
	"windowgate/internal/scheduler"
	"windowgate/internal/service"
	"windowgate/internal/storage"
	"windowgate/internal/windowstore"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (storage.Backend, error) {
	return storage.Open(ctx, a.Config.Database, a.Logger)
}

func (a *App) newSource() marketdata.Source {
	cfg := a.Config.MarketData
	return marketdata.NewHTTPSource(marketdata.HTTPOptions{
		BaseURL:          cfg.BaseURL,
		APIKey:           cfg.APIKey,
		Timeout:          cfg.Timeout,
		UserAgent:        cfg.UserAgent,
		LiquidationsPath: cfg.LiquidationsPath,
		FundingPath:      cfg.FundingPath,
		WhalesPath:       cfg.WhalesPath,
	}, a.Logger)
}

// newNotifier fans out to every enabled channel. The returned closer flushes
// the Kafka writer.
func (a *App) newNotifier() (alerting.Notifier, func()) {
	cfg := a.Config.Notify
	var (
		multi  alerting.Multi
		closer = func() {}
	)

	if cfg.Discord.Enabled {
		multi = append(multi, alerting.Named{
			Name:     "discord",
			Notifier: alerting.NewDiscordNotifier(cfg.Discord.WebhookURL, cfg.Timeout, a.Logger),
			Timeout:  cfg.Timeout,
		})
	}
	if cfg.Telegram.Enabled {
		multi = append(multi, alerting.Named{
			Name:     "telegram",
			Notifier: alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.Timeout, a.Logger),
			Timeout:  cfg.Timeout,
		})
	}
	if cfg.Kafka.Enabled {
		kn := alerting.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Timeout, a.Logger)
		multi = append(multi, alerting.Named{Name: "kafka", Notifier: kn, Timeout: cfg.Timeout})
		closer = func() {
			if err := kn.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka writer")
			}
		}
	}

	if len(multi) == 0 {
		a.Logger.Warn().Msg("no notification channel enabled; triggers are only logged")
		return alerting.Nop{}, closer
	}
	return multi, closer
}

// newWindowStore returns the admission store. Without redis.url it stays on
// the in-process backend for good.
func (a *App) newWindowStore(ctx context.Context, m *metrics.Metrics) (*windowstore.Failover, func(), error) {
	cfg := a.Config.Redis
	opts := windowstore.FailoverOptions{RetryInterval: cfg.RetryInterval, Metrics: m}
	if cfg.URL == "" {
		a.Logger.Info().Msg("redis.url not configured; admission uses the local window store")
		return windowstore.NewFailover(nil, windowstore.NewLocal(), opts, a.Logger), func() {}, nil
	}

	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	primary := windowstore.NewRedis(client, windowstore.RedisOptions{Prefix: cfg.KeyPrefix, Timeout: cfg.Timeout})
	if err := primary.Ping(ctx); err != nil {
		// 启动时不可用也继续，由 failover 负责重试
		a.Logger.Warn().Err(err).Msg("redis unreachable at startup; serving from local store until it recovers")
	}

	closer := func() {
		if err := client.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close redis client")
		}
	}
	return windowstore.NewFailover(primary, windowstore.NewLocal(), opts, a.Logger), closer, nil
}

func (a *App) newScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		Interval:     a.Config.Alerts.PollInterval,
		AlignToStart: a.Config.Alerts.AlignToInterval,
		StartupDelay: a.Config.Alerts.StartupDelay,
	}, a.Logger)
}

func (a *App) newService(sched *scheduler.Scheduler, store storage.Backend, notifier alerting.Notifier, m *metrics.Metrics, sweeper service.Sweeper) *service.Service {
	eval := evaluator.New(a.newSource(), notifier, evaluator.Options{
		Metrics:               m,
		NotifyTimeout:         a.Config.Notify.Timeout,
		LiquidationFetchLimit: a.Config.Alerts.LiquidationFetchLimit,
	}, a.Logger)

	return service.New(sched, store, eval, service.Options{
		Concurrency:       a.Config.Alerts.Concurrency,
		EvaluationTimeout: a.Config.Alerts.EvaluationTimeout,
		StoreTimeout:      a.Config.Alerts.StoreTimeout,
		LockKey:           a.Config.Alerts.AdvisoryLockKey,
		Sweeper:           sweeper,
		Metrics:           m,
	}, a.Logger)
}

func (a *App) newResolver(store storage.KeyStore) (identity.Resolver, string, error) {
	static, err := identity.NewStatic(a.Config.Gateway.APIKeys)
	if err != nil {
		return nil, "", err
	}
	if a.Config.Gateway.UseKeystore {
		return identity.Chain{identity.NewKeystore(store), static}, "keystore", nil
	}
	if static.Len() == 0 {
		a.Logger.Warn().Msg("gateway.api_keys is empty and keystore disabled; every request will be rejected")
	}
	return static, "static", nil
}

// Run executes the alert evaluation loop without the HTTP surface.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	notifier, closeNotifier := a.newNotifier()
	defer closeNotifier()

	svc := a.newService(a.newScheduler(), store, notifier, nil, nil)

	a.Logger.Info().Dur("interval", a.Config.Alerts.PollInterval).Msg("starting alert scheduler")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("alert scheduler stopped")
	return nil
}

// Serve runs the gateway, the alerts API and the scheduler together.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	windows, closeWindows, err := a.newWindowStore(ctx, m)
	if err != nil {
		return err
	}
	defer closeWindows()

	notifier, closeNotifier := a.newNotifier()
	defer closeNotifier()

	resolver, mode, err := a.newResolver(store)
	if err != nil {
		return err
	}

	plans := a.Config.Plans()
	ctrl := admission.New(windows, admission.Options{DefaultWindow: a.Config.Admission.DefaultWindow, Metrics: m}, a.Logger)
	gateway, err := rest.NewGatewayController(ctrl, plans, rest.GatewayOptions{
		UpstreamBaseURL: a.Config.HTTP.UpstreamBaseURL,
		UpstreamTimeout: a.Config.HTTP.UpstreamTimeout,
		Mode:            mode,
		Metrics:         m,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("configure gateway: %w", err)
	}
	manager := alerts.NewManager(store, plans, nil, a.Logger)

	engine, srv := rest.NewServer(a.Config.HTTP, reg)
	api := engine.Group("/", rest.Authenticate(resolver, a.Logger))
	gateway.RegisterGatewayRoutes(api)
	rest.NewAlertController(manager, a.Logger).RegisterAlertRoutes(api)

	svc := a.newService(a.newScheduler(), store, notifier, m, windows.Local())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		err := svc.Run(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("server terminated with error")
		return err
	}
	a.Logger.Info().Msg("server stopped")
	return nil
}

// Evaluate runs exactly one tick and returns its report.
func (a *App) Evaluate(ctx context.Context) (service.Report, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return service.Report{}, err
	}
	defer store.Close()

	notifier, closeNotifier := a.newNotifier()
	defer closeNotifier()

	svc := a.newService(nil, store, notifier, nil, nil)
	return svc.Trigger(ctx)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.Config.HTTP.ShutdownTimeout > 0 {
		return a.Config.HTTP.ShutdownTimeout
	}
	return 5 * time.Second
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Owner string
	Limit int
}

// SimulateOptions configure a test notification.
type SimulateOptions struct {
	Type   alerts.Type
	Symbol string
	Value  float64
}

// KeyOptions configure key management.
type KeyOptions struct {
	Plan     string
	Override int64
	Metadata string
}
