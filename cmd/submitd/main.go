// Package main wires together the submission service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/directorybolt/submitd/internal/api"
	"github.com/directorybolt/submitd/internal/captcha"
	"github.com/directorybolt/submitd/internal/catalog"
	"github.com/directorybolt/submitd/internal/config"
	"github.com/directorybolt/submitd/internal/discovery"
	"github.com/directorybolt/submitd/internal/dispatcher"
	"github.com/directorybolt/submitd/internal/id/uuid"
	"github.com/directorybolt/submitd/internal/logging"
	"github.com/directorybolt/submitd/internal/mapper"
	"github.com/directorybolt/submitd/internal/pipeline"
	"github.com/directorybolt/submitd/internal/policy/ratelimit"
	"github.com/directorybolt/submitd/internal/probe"
	memorypublisher "github.com/directorybolt/submitd/internal/publisher/memory"
	pubsubpublisher "github.com/directorybolt/submitd/internal/publisher/pubsub"
	queueMemory "github.com/directorybolt/submitd/internal/queue/memory"
	"github.com/directorybolt/submitd/internal/receipts"
	"github.com/directorybolt/submitd/internal/store"
	"github.com/directorybolt/submitd/internal/submitter"
	"github.com/directorybolt/submitd/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := buildCatalog(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("catalog init failed", zap.Error(err))
	}
	taskStore, err := buildTaskStore(ctx, cfg)
	if err != nil {
		logger.Fatal("task store init failed", zap.Error(err))
	}
	receiptStore := buildReceiptStore(ctx, cfg, logger)
	publisher := buildPublisher(ctx, cfg, logger)

	queue := queueMemory.NewQueue(cfg.Queue.Depth)
	clock := pipeline.SystemClock{}
	idGen := uuid.NewUUIDGenerator()
	pauses := worker.NewPauseRegistry()

	prober := buildProber(cfg, logger)
	fieldMapper := buildMapper(cfg, logger)
	solver := buildSolver(cfg, logger)

	sub := submitter.New(submitter.Config{
		UserAgent: cfg.Submit.UserAgent,
		Timeout:   time.Duration(cfg.Submit.TimeoutSeconds) * time.Second,
	}, submitter.WithLogger(logger.Named("submitter")))

	limiter := ratelimit.New(ratelimit.Config{
		GlobalRPS:    cfg.RateLimit.GlobalRPS,
		PerDomainRPS: cfg.RateLimit.PerDomainRPS,
		Burst:        cfg.RateLimit.Burst,
	})

	retryPolicy := pipeline.NewExponentialRetryPolicy(
		cfg.Retry.MaxRetries,
		time.Duration(cfg.Retry.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.Retry.BackoffMaxMs)*time.Millisecond,
	)

	engineOpts := []discovery.EngineOption{
		discovery.WithProber(prober),
		discovery.WithLogger(logger.Named("discovery")),
	}
	if cfg.Discovery.DynamicEnabled {
		engineOpts = append(engineOpts, discovery.WithSearcher(discovery.NewSearchScraper(
			cfg.Discovery.SearchEndpoints,
			cfg.Probe.UserAgent,
			time.Duration(cfg.Probe.TimeoutSeconds)*time.Second,
		)))
	}
	engine := discovery.NewEngine(repo, cfg.Discovery, engineOpts...)

	w := worker.New(
		queue,
		taskStore,
		receiptStore,
		publisher,
		prober,
		fieldMapper,
		solver,
		sub,
		limiter,
		retryPolicy,
		pauses,
		clock,
		worker.Config{
			Topic:               cfg.PubSub.TopicName,
			ReceiptPrefix:       cfg.Receipts.Prefix,
			ConfidenceThreshold: cfg.Mapper.ConfidenceThreshold,
			SolveBudget: pipeline.SolveBudget{
				MaxCost: cfg.Captcha.BudgetUSD,
				MaxWait: cfg.SolveBudgetWait(),
			},
		},
		logger.Named("worker"),
	)
	dispatch := dispatcher.New(queue, w, cfg.Queue.Concurrency)

	apiServer := api.NewServer(api.Deps{
		Store:      taskStore,
		Catalog:    repo,
		Engine:     engine,
		Mapper:     fieldMapper,
		Solver:     solver,
		Prober:     prober,
		Dispatcher: dispatch,
		Worker:     w,
		Pauses:     pauses,
		IDGen:      idGen,
		Clock:      clock,
		Logger:     logger.Named("api"),
	}, cfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("concurrency", cfg.Queue.Concurrency))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
}

func buildCatalog(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.CatalogRepository, error) {
	switch cfg.Catalog.Provider {
	case "postgres":
		return catalog.NewPostgresRepository(ctx, catalog.PostgresConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.Catalog.Table,
			MaxConns: cfg.DB.MaxConns,
		})
	default:
		if cfg.Catalog.SeedFile != "" {
			repo, err := catalog.NewMemoryRepositoryFromFile(cfg.Catalog.SeedFile)
			if err != nil {
				return nil, err
			}
			logger.Info("catalog seeded", zap.String("file", cfg.Catalog.SeedFile))
			return repo, nil
		}
		logger.Warn("catalog starting empty, no seed file configured")
		return catalog.NewMemoryRepository(), nil
	}
}

func buildTaskStore(ctx context.Context, cfg config.Config) (pipeline.TaskStore, error) {
	if cfg.DB.DSN == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewPostgresStore(ctx, store.PostgresConfig{
		DSN:          cfg.DB.DSN,
		TasksTable:   cfg.DB.TasksTable,
		ResultsTable: cfg.DB.ResultsTable,
		MaxConns:     cfg.DB.MaxConns,
	})
}

func buildReceiptStore(ctx context.Context, cfg config.Config, logger *zap.Logger) pipeline.ReceiptStore {
	if cfg.Receipts.GCSBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			logger.Warn("gcs client init failed", zap.Error(err))
		} else {
			rs, err := receipts.NewGCS(client, receipts.GCSConfig{
				Bucket: cfg.Receipts.GCSBucket,
				Prefix: cfg.Receipts.Prefix,
			})
			if err != nil {
				logger.Warn("gcs receipt store init failed", zap.Error(err))
			} else {
				return rs
			}
		}
	}
	if cfg.Receipts.LocalDir != "" {
		rs, err := receipts.NewLocal(receipts.LocalConfig{BaseDir: cfg.Receipts.LocalDir})
		if err != nil {
			logger.Warn("local receipt store init failed", zap.Error(err))
			return nil
		}
		return rs
	}
	logger.Warn("no receipt store configured, submission evidence will not be archived")
	return nil
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) pipeline.Publisher {
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		pub, err := pubsubpublisher.NewFromProject(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			logger.Warn("pubsub publisher init failed, using memory publisher", zap.Error(err))
			return memorypublisher.New()
		}
		return pub
	}
	return memorypublisher.New()
}

func buildProber(cfg config.Config, logger *zap.Logger) *probe.Prober {
	opts := []probe.ProberOption{probe.WithProbeLogger(logger.Named("probe"))}
	if cfg.Probe.HeadlessEnabled {
		renderer, err := probe.NewHeadlessRenderer(probe.HeadlessConfig{
			UserAgent:         cfg.Probe.UserAgent,
			NavigationTimeout: time.Duration(cfg.Probe.HeadlessNavSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless renderer init failed", zap.Error(err))
		} else {
			opts = append(opts, probe.WithRenderer(renderer))
		}
	}
	return probe.New(probe.Config{
		UserAgent:    cfg.Probe.UserAgent,
		Timeout:      time.Duration(cfg.Probe.TimeoutSeconds) * time.Second,
		MinHTMLBytes: cfg.Probe.MinHTMLBytes,
	}, opts...)
}

func buildMapper(cfg config.Config, logger *zap.Logger) *mapper.Mapper {
	var llm pipeline.LanguageModelClient
	if cfg.Mapper.AI.Enabled && cfg.Mapper.AI.APIKey != "" {
		llmOpts := []mapper.LLMOption{}
		if cfg.Mapper.AI.BaseURL != "" {
			llmOpts = append(llmOpts, mapper.WithBaseURL(cfg.Mapper.AI.BaseURL))
		}
		if cfg.Mapper.AI.Model != "" {
			llmOpts = append(llmOpts, mapper.WithModel(cfg.Mapper.AI.Model))
		}
		if cfg.Mapper.AI.TimeoutSeconds > 0 {
			llmOpts = append(llmOpts, mapper.WithTimeout(time.Duration(cfg.Mapper.AI.TimeoutSeconds)*time.Second))
		}
		llm = mapper.NewLLMClient(cfg.Mapper.AI.APIKey, llmOpts...)
	}
	return mapper.New(llm, cfg.Mapper.ConfidenceThreshold, logger.Named("mapper"))
}

func buildSolver(cfg config.Config, logger *zap.Logger) *captcha.Solver {
	providers := make([]pipeline.CaptchaProvider, 0, len(cfg.Captcha.Providers))
	for _, pc := range cfg.Captcha.Providers {
		if pc.APIKey == "" {
			continue
		}
		opts := []captcha.Option{}
		if cfg.Captcha.PollIntervalMs > 0 {
			opts = append(opts, captcha.WithPollInterval(time.Duration(cfg.Captcha.PollIntervalMs)*time.Millisecond))
		}
		switch pc.Name {
		case "twocaptcha":
			providers = append(providers, captcha.NewTwoCaptcha(pc.APIKey, pc.CostPerSolve, opts...))
		case "anticaptcha":
			providers = append(providers, captcha.NewAntiCaptcha(pc.APIKey, pc.CostPerSolve, opts...))
		case "capsolver":
			providers = append(providers, captcha.NewCapSolver(pc.APIKey, pc.CostPerSolve, opts...))
		default:
			logger.Warn("unknown captcha provider", zap.String("name", pc.Name))
		}
	}
	if len(providers) == 0 {
		logger.Warn("no captcha providers configured, gated directories will be skipped")
	}
	return captcha.NewSolver(providers, captcha.WithLogger(logger.Named("captcha")))
}
