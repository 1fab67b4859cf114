package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"screening-engine/internal/config"
	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/adapter"
	"screening-engine/internal/domain/ports/repository"
	"screening-engine/internal/infra/adapters/llm"
	"screening-engine/internal/infra/adapters/notify"
	"screening-engine/internal/infra/api"
	"screening-engine/internal/infra/api/apiv1"
	pg "screening-engine/internal/infra/db/postgres"
	"screening-engine/internal/infra/logging"
	"screening-engine/internal/infra/metrics"
	"screening-engine/internal/infra/observability"
	red "screening-engine/internal/infra/redis"
	"screening-engine/internal/infra/sched"
	"screening-engine/internal/infra/scheduler"
	"screening-engine/internal/usecase"
)

var (
	version = "dev"
	commit  = "none"
)

const shutdownGrace = 30 * time.Second

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "developer mode (console logs, dev defaults)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("engine stopped with error")
	}
	logger.Info().Msg("engine stopped")
}

func run(cfg *config.Config, logger *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, version)
	if err != nil {
		return err
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(c); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	profiles, err := model.NewProfileRegistry(cfg.Profiles)
	if err != nil {
		return fmt.Errorf("profiles: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// ---- Redis (store backend, recovery lock, shared quota) ----
	var (
		redisClient *red.Client
		locker      red.Locker
		quota       scheduler.Quota
		health      func(context.Context) error
	)
	if cfg.Store.Backend == config.BackendRedis || cfg.Redis.URL != "" {
		redisClient, err = red.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redisClient.Close()
		locker = red.NewLocker(redisClient)
		if cfg.Scheduler.SharedQuota {
			quota = red.NewRateLimiter(redisClient)
		}
		health = redisClient.Ping
	}

	// ---- Job state store ----
	var store repository.JobStateStore
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pool, err := pg.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		if cfg.Database.Migrate {
			if err := pg.Migrate(pool); err != nil {
				return err
			}
		}
		repo := pg.NewJobStateRepo(pool, pg.NewTxManager(pool), logger)
		store = repo
		health = pool.Ping

		sweeper := sched.NewSweepWorker(cfg.Orchestrator.SweepInterval, repo, logger)
		g.Go(func() error { return ignoreCanceled(sweeper.Run(gctx)) })
		g.Go(func() error { pg.ReportPoolStats(gctx, pool, 15*time.Second, logger); return nil })
	default:
		store = red.NewJobStateStore(redisClient, cfg.Store, logger)
	}

	// ---- Provider adapters ----
	router, err := buildRouter(cfg.Providers, logger)
	if err != nil {
		return err
	}
	if len(router.Providers()) == 0 {
		return fmt.Errorf("no provider configured: set providers.*.api_key or providers.echo")
	}
	logger.Info().Strs("providers", router.Providers()).Msg("provider adapters ready")

	admission := scheduler.New(cfg.Scheduler, quota, logger)
	retry := usecase.NewRetryController(llm.NewScheduledLLM(router, admission), logger)

	// ---- Completion notifier ----
	var notifier adapter.BatchNotifier = notify.NewNoopNotifier(logger)
	if cfg.Notify.Telegram.Token != "" {
		tn, err := notify.NewTelegramNotifier(cfg.Notify.Telegram, logger)
		if err != nil {
			return err
		}
		notifier = tn
	}

	orch := usecase.NewOrchestrator(store, retry, profiles, router, notifier, cfg.Orchestrator, cfg.Store.Retention, logger)

	recovery := sched.NewRecoveryWorker(cfg.Orchestrator.RecoveryInterval, orch, locker, logger)
	g.Go(func() error { return ignoreCanceled(recovery.Run(gctx)) })

	// ---- HTTP API ----
	handler := apiv1.NewRouter(orch, apiv1.Options{
		Auth:        api.NewAuthManager(cfg.HTTP.JWTSecret, cfg.HTTP.TokenTTL),
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Timeout:     cfg.HTTP.RequestTimeout,
		Health:      health,
	}, logger)
	srv := api.NewServer(cfg.HTTP.Port, handler, logger)
	g.Go(func() error { return srv.Run(gctx, 10*time.Second) })

	// ---- Graceful shutdown ----
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown requested")
		c, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return orch.Shutdown(c)
	})

	return g.Wait()
}

// ignoreCanceled treats a worker stopped by shutdown as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildRouter(cfg config.ProvidersConfig, logger *zerolog.Logger) (*llm.Router, error) {
	r := llm.NewRouter()
	if cfg.OpenAI.APIKey != "" {
		oa, err := llm.NewOpenAIAdapter(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("openai adapter: %w", err)
		}
		r.Register(model.ProviderOpenAI, oa).RegisterReasoning(model.ProviderOpenAI, llm.NewReasoningAdapter(oa))
	}
	if cfg.Anthropic.APIKey != "" {
		an, err := llm.NewAnthropicAdapter(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, cfg.Anthropic.Version, logger)
		if err != nil {
			return nil, fmt.Errorf("anthropic adapter: %w", err)
		}
		r.Register(model.ProviderAnthropic, an)
	}
	if cfg.Gemini.APIKey != "" {
		gm, err := llm.NewGeminiAdapter(cfg.Gemini.APIKey, cfg.Gemini.BaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("gemini adapter: %w", err)
		}
		r.Register(model.ProviderGemini, gm)
	}
	if cfg.Echo {
		r.Register(model.ProviderEcho, llm.NewEchoAdapter(20*time.Millisecond))
	}
	return r, nil
}
