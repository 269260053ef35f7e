package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	TelegramToken string
	AdminChatIDs  []int64

	// Bot mode configuration
	WebhookMode bool   // If true, use webhook mode; if false, use polling mode
	WebhookURL  string // URL for webhook (required if WebhookMode is true)
	Port        string

	// ClickHouse configuration
	ClickHouseHost     string
	ClickHousePort     int
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string
	ClickHouseUseTLS   bool

	UseMockDB bool

	// Retouch processor
	RetouchAPIURL   string
	RetouchAPIToken string
	PollInterval    time.Duration
	PollTimeout     time.Duration // zero polls until the job finishes

	// Payments
	PaymentTerminalURL   string
	PaymentWebhookSecret string // optional; when set the payment webhook checks Content-HMAC

	// Assets
	LocalesPath      string
	WatermarkPath    string
	WelcomeVideoPath string

	// FreeGenerations is the free credit of a newly registered user
	FreeGenerations int

	// Sessions and throttling
	SessionIdleTTL time.Duration
	RateLimitEvery time.Duration
	RateLimitBurst int

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	config := &Config{}

	// Telegram Bot Token (required)
	config.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if config.TelegramToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	// Admin chats receive payment notifications (optional)
	ids, err := parseIDs(os.Getenv("ADMIN_CHAT_IDS"))
	if err != nil {
		return nil, fmt.Errorf("invalid ADMIN_CHAT_IDS: %w", err)
	}
	config.AdminChatIDs = ids

	// Bot mode configuration
	config.WebhookMode = os.Getenv("WEBHOOK_MODE") == "true"
	if config.WebhookMode {
		config.WebhookURL = os.Getenv("WEBHOOK_URL")
		if config.WebhookURL == "" {
			return nil, fmt.Errorf("WEBHOOK_URL is required when WEBHOOK_MODE is true")
		}
	}
	config.Port = getEnv("PORT", "8080")

	// Retouch processor (required)
	config.RetouchAPIURL = os.Getenv("RETOUCH_API")
	if config.RetouchAPIURL == "" {
		return nil, fmt.Errorf("RETOUCH_API is required")
	}
	config.RetouchAPIToken = os.Getenv("RETOUCH_API_TOKEN")
	if config.RetouchAPIToken == "" {
		return nil, fmt.Errorf("RETOUCH_API_TOKEN is required")
	}

	if config.PollInterval, err = getDuration("POLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if config.PollTimeout, err = getDuration("POLL_TIMEOUT", 0); err != nil {
		return nil, err
	}

	// Payment terminal (required to sell generations)
	config.PaymentTerminalURL = os.Getenv("PAYMENT_TERMINAL_API_URL")
	if config.PaymentTerminalURL == "" {
		return nil, fmt.Errorf("PAYMENT_TERMINAL_API_URL is required")
	}
	config.PaymentWebhookSecret = os.Getenv("PAYMENT_WEBHOOK_SECRET")

	config.LocalesPath = getEnv("LOCALES_PATH", "./locales")
	config.WatermarkPath = getEnv("WATERMARK_PATH", "./assets/watermark.png")
	config.WelcomeVideoPath = os.Getenv("WELCOME_VIDEO_PATH")

	config.FreeGenerations = 1
	if v := os.Getenv("FREE_GENERATIONS"); v != "" {
		free, err := strconv.Atoi(v)
		if err != nil || free < 0 {
			return nil, fmt.Errorf("invalid FREE_GENERATIONS: %s", v)
		}
		config.FreeGenerations = free
	}

	if config.SessionIdleTTL, err = getDuration("SESSION_IDLE_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if config.RateLimitEvery, err = getDuration("RATE_LIMIT_EVERY", 300*time.Millisecond); err != nil {
		return nil, err
	}
	config.RateLimitBurst = 5
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		burst, err := strconv.Atoi(v)
		if err != nil || burst <= 0 {
			return nil, fmt.Errorf("invalid RATE_LIMIT_BURST: %s", v)
		}
		config.RateLimitBurst = burst
	}

	config.LogLevel = getEnv("LOG_LEVEL", "info")
	config.LogFormat = getEnv("LOG_FORMAT", "json")
	config.LogFile = os.Getenv("LOG_FILE")

	// Use Mock DB (default: false)
	config.UseMockDB = os.Getenv("USE_MOCK_DB") == "true"

	// ClickHouse configuration (required if not using mock)
	if !config.UseMockDB {
		config.ClickHouseHost = os.Getenv("CLICKHOUSE_HOST")
		if config.ClickHouseHost == "" {
			return nil, fmt.Errorf("CLICKHOUSE_HOST is required when USE_MOCK_DB is not set")
		}

		portStr := os.Getenv("CLICKHOUSE_PORT")
		if portStr == "" {
			config.ClickHousePort = 9000 // Default ClickHouse native port
		} else {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("invalid CLICKHOUSE_PORT: %w", err)
			}
			config.ClickHousePort = port
		}

		config.ClickHouseDatabase = getEnv("CLICKHOUSE_DATABASE", "default")
		config.ClickHouseUser = getEnv("CLICKHOUSE_USER", "default")
		config.ClickHousePassword = os.Getenv("CLICKHOUSE_PASSWORD")
		config.ClickHouseUseTLS = os.Getenv("CLICKHOUSE_USE_TLS") == "true"
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, value)
	}
	return d, nil
}

func parseIDs(value string) ([]int64, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}

	var ids []int64
	for _, idStr := range strings.Split(value, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat ID: %s", idStr)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
