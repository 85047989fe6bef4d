package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ahrdadan/wkit/internal/api"
	"github.com/ahrdadan/wkit/internal/config"
	"github.com/ahrdadan/wkit/internal/engine"
	"github.com/ahrdadan/wkit/internal/engine/rodengine"
	"github.com/ahrdadan/wkit/internal/logging"
	"github.com/ahrdadan/wkit/internal/metrics"
	"github.com/ahrdadan/wkit/internal/nats"
	"github.com/ahrdadan/wkit/internal/navigation"
	"github.com/ahrdadan/wkit/internal/queue"
	"github.com/ahrdadan/wkit/internal/security"
	"github.com/ahrdadan/wkit/internal/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Parse CLI flags and WKIT_* environment
	cfg := config.ParseFlags()

	// Handle --version and --help
	config.HandleFlags(cfg)

	logger, err := logging.New(cfg.Logging())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting",
		zap.String("app", config.AppName),
		zap.String("version", config.Version))

	chromeBin := cfg.ChromeBin
	if cfg.DownloadChrome && cfg.ControlURL == "" {
		bin, err := rodengine.Download(ctx, rodengine.DownloadOptions{
			Revision:   cfg.ChromeRevision,
			SystemDeps: cfg.ChromeDeps,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		chromeBin = bin
	}

	eng, err := rodengine.New(rodengine.Options{
		Bin:        chromeBin,
		ControlURL: cfg.ControlURL,
		Headless:   cfg.Headless,
		NoSandbox:  cfg.NoSandbox,
		Stealth:    cfg.Stealth,
		Logger:     logger.Named("engine"),
	})
	if err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}

	// The session proxy is applied by the first navigation.
	m := metrics.New()
	rt := engine.NewRuntime(eng, engine.RuntimeOptions{Logger: logger.Named("runtime")})
	controller := navigation.NewController(rt, navigation.Config{
		Session: session.Defaults{
			UserAgent:     cfg.UserAgent,
			Proxy:         cfg.Proxy,
			InjectCookies: cfg.InjectCookies,
		},
		Logger:   logger.Named("navigation"),
		Observer: m,
	})
	defer func() {
		if err := controller.Close(); err != nil {
			logger.Warn("failed to close browser", zap.Error(err))
		}
	}()

	// A navigation may block for its whole timeout.
	requestTimeout := cfg.MaxJobTimeout + 30*time.Second

	app := fiber.New(fiber.Config{
		AppName:               config.AppName,
		ErrorHandler:          api.ErrorHandler,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		DisableStartupMessage: true,
		ReadTimeout:           requestTimeout,
		WriteTimeout:          requestTimeout,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New())
	app.Use(api.MetricsMiddleware(m))

	router, err := api.NewRouter(app, api.RouteConfig{
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		IdempotencyTTL:    cfg.IdempotencyTTL,
		BaseURL:           cfg.BaseURL,
		MaxJobTimeout:     cfg.MaxJobTimeout,
		MaxRetries:        cfg.MaxRetries,
		APIKeys:           cfg.APIKeys,
		AllowedIPs:        cfg.AllowedIPs,
		MaxBodyBytes:      security.DefaultMaxBodyBytes,
	})
	if err != nil {
		return err
	}
	defer router.Close()

	router.SetupRoutes(api.NewHandler(controller, api.EngineInfo{
		Name:     "chromium",
		Endpoint: cfg.ControlURL,
		Headless: cfg.Headless,
		Stealth:  cfg.Stealth,
	}, logger.Named("api")))
	api.SetupMetricsRoute(app, m)

	// NATS + JetStream job queue
	if cfg.WithNats {
		natsServer := nats.NewServer(nats.ServerConfig{
			BinPath:  cfg.NatsBin,
			StoreDir: cfg.NatsStore,
			URL:      cfg.NatsURL,
			AutoDL:   cfg.NatsAutoDL,
			Logger:   logger.Named("nats"),
		})
		if err := natsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start NATS server: %w", err)
		}
		defer func() { _ = natsServer.Stop() }()

		queueManager, err := queue.NewManager(natsServer.GetJetStream(), queue.ManagerConfig{
			Logger:   logger.Named("queue"),
			Notifier: queue.NewNotifier(cfg.BaseURL, logger.Named("webhook")),
			Observer: m,
		})
		if err != nil {
			return fmt.Errorf("failed to create queue manager: %w", err)
		}
		defer queueManager.Stop()

		router.SetupJobRoutes(queueManager)
		if err := queueManager.Start(queue.NewNavigateProcessor(controller, logger.Named("worker"))); err != nil {
			return fmt.Errorf("failed to start queue worker: %w", err)
		}
		logger.Info("job queue enabled", zap.String("nats_url", cfg.NatsURL))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", addr), zap.String("base_url", cfg.BaseURL))
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
