package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"go.uber.org/zap"

	"retouchbot/internal/app"
	"retouchbot/migrations"
)

func main() {
	ctx := context.Background()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Load .env file if it exists
	_ = godotenv.Load()

	logger.Info("Starting ClickHouse testcontainer...")

	// Start ClickHouse container
	clickhouseContainer, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:latest",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword("devpassword"),
		clickhouse.WithDatabase("default"),
	)
	if err != nil {
		logger.Fatal("Failed to start ClickHouse container", zap.Error(err))
	}

	// Ensure container cleanup on exit
	defer func() {
		logger.Info("Stopping ClickHouse container...")
		if err := clickhouseContainer.Terminate(ctx); err != nil {
			logger.Error("Failed to terminate container", zap.Error(err))
		}
	}()

	// Get connection details
	host, err := clickhouseContainer.Host(ctx)
	if err != nil {
		logger.Fatal("Failed to get container host", zap.Error(err))
	}

	port, err := clickhouseContainer.MappedPort(ctx, "9000/tcp")
	if err != nil {
		logger.Fatal("Failed to get container port", zap.Error(err))
	}

	logger.Info("ClickHouse started", zap.String("host", host), zap.String("port", port.Port()))

	if err := migrate(host, port.Port()); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	logger.Info("Migrations applied")

	// Set environment variables for the application
	os.Setenv("CLICKHOUSE_HOST", host)
	os.Setenv("CLICKHOUSE_PORT", port.Port())
	os.Setenv("CLICKHOUSE_DATABASE", "default")
	os.Setenv("CLICKHOUSE_USER", "default")
	os.Setenv("CLICKHOUSE_PASSWORD", "devpassword")
	os.Setenv("CLICKHOUSE_USE_TLS", "false")
	os.Setenv("USE_MOCK_DB", "false")
	os.Setenv("WEBHOOK_MODE", "false")
	if os.Getenv("LOG_FORMAT") == "" {
		os.Setenv("LOG_FORMAT", "console")
	}

	for _, key := range []string{"TELEGRAM_BOT_TOKEN", "RETOUCH_API", "RETOUCH_API_TOKEN", "PAYMENT_TERMINAL_API_URL"} {
		if os.Getenv(key) == "" {
			logger.Warn("Required variable is not set; the bot will fail to start", zap.String("key", key))
		}
	}

	logger.Info("Starting application with ClickHouse backend...")

	// Create and initialize application
	application, err := app.New()
	if err != nil {
		logger.Error("Failed to create application", zap.Error(err))
		return
	}

	if err := application.Run(); err != nil {
		logger.Error("Application error", zap.Error(err))
	}
}

// migrate applies the embedded migrations to the container
func migrate(host, port string) error {
	dsn := fmt.Sprintf("clickhouse://default:devpassword@%s:%s/default?dial_timeout=10s", host, port)
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("clickhouse"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}
