package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"retouchbot/internal/bot"
	"retouchbot/internal/config"
	"retouchbot/internal/i18n"
	"retouchbot/internal/imaging"
	"retouchbot/internal/logger"
	"retouchbot/internal/models"
	"retouchbot/internal/promo"
	"retouchbot/internal/ratelimit"
	"retouchbot/internal/retouch"
	"retouchbot/internal/session"
	"retouchbot/internal/storage"
	"retouchbot/internal/storage/ch"
	"retouchbot/internal/storage/stubs"
)

const (
	sessionSweepInterval = 10 * time.Minute
	limiterIdle          = time.Hour
	downloadTimeout      = 30 * time.Second
)

// App represents the application
type App struct {
	config   *config.Config
	logger   *zap.Logger
	db       storage.Storage
	sessions *session.Store
	limiter  *ratelimit.Limiter
	bot      *bot.Bot
	server   *http.Server

	// ctx is cancelled on shutdown; webhook updates are handled with it
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates and initializes a new application instance
func New() (*App, error) {
	// Load .env file if it exists
	envErr := godotenv.Load()

	// Load configuration from environment variables
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(logger.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	if envErr != nil {
		log.Info("No .env file found, using system environment variables")
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	log.Info("Starting retouch bot")

	// Initialize database
	if err := app.initDatabase(); err != nil {
		cancel()
		return nil, err
	}

	// Initialize bot
	if err := app.initBot(); err != nil {
		cancel()
		return nil, err
	}

	// Initialize HTTP server
	app.initHTTPServer()

	return app, nil
}

// initDatabase initializes the database connection
func (a *App) initDatabase() error {
	var db storage.Storage
	if a.config.UseMockDB {
		a.logger.Info("Using mock database")
		mock := stubs.NewMockDB()
		seedMock(mock)
		db = mock
	} else {
		a.logger.Info("Connecting to ClickHouse",
			zap.String("host", a.config.ClickHouseHost),
			zap.Int("port", a.config.ClickHousePort),
			zap.String("database", a.config.ClickHouseDatabase),
			zap.String("user", a.config.ClickHouseUser),
			zap.Bool("tls", a.config.ClickHouseUseTLS))
		clickhouseDB, err := ch.NewClickHouseDB(
			a.config.ClickHouseHost,
			a.config.ClickHousePort,
			a.config.ClickHouseDatabase,
			a.config.ClickHouseUser,
			a.config.ClickHousePassword,
			a.config.ClickHouseUseTLS,
		)
		if err != nil {
			return fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		db = clickhouseDB
	}

	// Initialize database schema and default data
	if err := db.Initialize(a.ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.logger.Info("Database initialized successfully")

	a.db = db
	return nil
}

// seedMock gives a mock deployment something to sell
func seedMock(db *stubs.MockDB) {
	db.AddProduct(models.Product{ID: 1, Name: "10 generations", Price: 490, GenerationCount: 10, IsActive: true})
	db.AddProduct(models.Product{ID: 2, Name: "50 generations", Price: 1990, GenerationCount: 50, IsActive: true})
	db.AddSupportContact("@support")
}

// initBot wires the Telegram bot and its collaborators
func (a *App) initBot() error {
	cfg := a.config

	texts, err := i18n.NewLocalizer(os.DirFS(cfg.LocalesPath), a.logger)
	if err != nil {
		return fmt.Errorf("failed to load locales: %w", err)
	}

	watermark, err := os.ReadFile(cfg.WatermarkPath)
	if err != nil {
		// Results are still delivered, just without the default watermark
		a.logger.Warn("Default watermark not available", zap.String("path", cfg.WatermarkPath), zap.Error(err))
	}

	fetcher := imaging.NewHTTPFetcher(downloadTimeout)
	client := retouch.NewClient(cfg.RetouchAPIURL, cfg.RetouchAPIToken)

	a.sessions = session.NewStore(a.logger)
	a.limiter = ratelimit.New(cfg.RateLimitEvery, cfg.RateLimitBurst)

	telegramBot, err := bot.NewBot(cfg.TelegramToken, bot.Deps{
		DB:       a.db,
		Sessions: a.sessions,
		Jobs:     retouch.NewService(client, a.db, a.logger, cfg.PollInterval, cfg.PollTimeout),
		Composer: imaging.NewComposer(fetcher, watermark, a.logger),
		Fetcher:  fetcher,
		Promos:   promo.NewService(a.db, a.logger),
		Texts:    texts,
		Limiter:  a.limiter,
	}, bot.Options{
		AdminChatIDs:       cfg.AdminChatIDs,
		PaymentTerminalURL: cfg.PaymentTerminalURL,
		WelcomeVideoPath:   cfg.WelcomeVideoPath,
		FreeGenerations:    cfg.FreeGenerations,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	a.logger.Info("Bot created successfully", zap.Int("admin_chats", len(cfg.AdminChatIDs)))

	a.bot = telegramBot
	return nil
}

// initHTTPServer initializes the HTTP server for health checks and webhooks
func (a *App) initHTTPServer() {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	})

	// Root endpoint
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		mode := "polling"
		if a.config.WebhookMode {
			mode = "webhook"
		}
		fmt.Fprintf(w, "Retouch bot is running (mode: %s)", mode)
	})

	bot.NewHTTPServer(a.ctx, a.bot, a.config.PaymentWebhookSecret).RegisterRoutes(mux)

	a.server = &http.Server{
		Addr:         ":" + a.config.Port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Run starts the application and blocks until shutdown
func (a *App) Run() error {
	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(a.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.config.WebhookMode {
		// Webhook mode: configure webhook and wait for HTTP requests
		a.logger.Info("Starting bot in webhook mode", zap.String("webhook_url", a.config.WebhookURL))
		if err := a.bot.StartWebhook(a.config.WebhookURL); err != nil {
			a.cancel()
			return fmt.Errorf("failed to setup webhook: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("Starting HTTP server", zap.String("port", a.config.Port))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	if !a.config.WebhookMode {
		// Polling mode: actively poll Telegram servers
		g.Go(func() error {
			return a.bot.Start(ctx)
		})
	}

	g.Go(func() error {
		a.sessions.Run(ctx, sessionSweepInterval, a.config.SessionIdleTTL)
		return nil
	})

	g.Go(func() error {
		a.forgetIdleLimits(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("Shutting down...")
		return a.Shutdown()
	})

	return g.Wait()
}

// forgetIdleLimits drops rate limiter buckets of users gone quiet
func (a *App) forgetIdleLimits(ctx context.Context) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.limiter.Forget(limiterIdle); n > 0 {
				a.logger.Debug("Forgot idle rate limits", zap.Int("users", n))
			}
		}
	}
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown() error {
	a.cancel()

	// Shutdown HTTP server gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Let in-flight updates finish before the database goes away
	a.bot.Wait()

	// Close database
	if err := a.db.Close(); err != nil {
		a.logger.Error("Error closing database", zap.Error(err))
		return err
	}

	a.logger.Info("Shutdown complete")
	_ = a.logger.Sync()
	return nil
}
