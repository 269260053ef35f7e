package bot

import (
	"context"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"retouchbot/internal/i18n"
	"retouchbot/internal/imaging"
	"retouchbot/internal/promo"
	"retouchbot/internal/ratelimit"
	"retouchbot/internal/retouch"
	"retouchbot/internal/session"
	"retouchbot/internal/storage"
)

// Messenger is the part of the Telegram API the bot talks to.
// *tgbotapi.BotAPI satisfies it.
type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Retoucher submits photos to the processor and follows them to completion
type Retoucher interface {
	Submit(ctx context.Context, job retouch.Job) (string, error)
	AwaitCompletion(ctx context.Context, jobID string, onProgress func(progress int)) (retouch.Status, error)
	Result(ctx context.Context, jobID string) ([]byte, error)
}

// Composer lays accessories and a watermark over a finished job
type Composer interface {
	Compose(ctx context.Context, base []byte, opts imaging.ComposeOptions) ([]byte, error)
}

// Bot represents the Telegram bot wrapper
type Bot struct {
	api    Messenger
	client *tgbotapi.BotAPI // nil in tests; only polling and webhook setup need it

	db       storage.Storage
	sessions *session.Store
	jobs     Retoucher
	composer Composer
	fetcher  imaging.Fetcher
	promos   *promo.Service
	texts    *i18n.Localizer
	limiter  *ratelimit.Limiter

	// normalize turns an uploaded file into JPEG bytes
	normalize        func(ctx context.Context, raw []byte) ([]byte, error)
	// normalizeOverlay makes an uploaded watermark decodable
	normalizeOverlay func(ctx context.Context, raw []byte) ([]byte, error)

	adminChatIDs     []int64
	paymentURL       string
	welcomeVideoPath string
	freeGenerations  int

	// paymentMu makes the duplicate invoice check and the credit one step
	paymentMu sync.Mutex

	inflight sync.WaitGroup
	logger   *zap.Logger
}

// Deps are the collaborators a Bot is built from
type Deps struct {
	DB               storage.Storage
	Sessions         *session.Store
	Jobs             Retoucher
	Composer         Composer
	Fetcher          imaging.Fetcher
	Promos           *promo.Service
	Texts            *i18n.Localizer
	Limiter          *ratelimit.Limiter
	Normalize        func(ctx context.Context, raw []byte) ([]byte, error)
	NormalizeOverlay func(ctx context.Context, raw []byte) ([]byte, error)
}

// Options are the plain settings of a Bot
type Options struct {
	AdminChatIDs       []int64
	PaymentTerminalURL string
	WelcomeVideoPath   string
	// FreeGenerations is the free credit a new user starts with
	FreeGenerations int
}
