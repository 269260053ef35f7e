package bot

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"retouchbot/internal/imaging"
)

// NewBot creates a new Telegram bot
func NewBot(token string, deps Deps, opts Options, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		logger.Error("Failed to create bot API", zap.Error(err))
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	logger.Info("Bot created", zap.String("bot_username", api.Self.UserName))

	b := newBot(api, deps, opts, logger)
	b.client = api
	return b, nil
}

// newBot wires a bot around any Messenger
func newBot(api Messenger, deps Deps, opts Options, logger *zap.Logger) *Bot {
	normalize := deps.Normalize
	if normalize == nil {
		normalize = imaging.Normalize
	}
	normalizeOverlay := deps.NormalizeOverlay
	if normalizeOverlay == nil {
		normalizeOverlay = imaging.NormalizeOverlay
	}

	return &Bot{
		api:              api,
		db:               deps.DB,
		sessions:         deps.Sessions,
		jobs:             deps.Jobs,
		composer:         deps.Composer,
		fetcher:          deps.Fetcher,
		promos:           deps.Promos,
		texts:            deps.Texts,
		limiter:          deps.Limiter,
		normalize:        normalize,
		normalizeOverlay: normalizeOverlay,
		adminChatIDs:     opts.AdminChatIDs,
		paymentURL:       opts.PaymentTerminalURL,
		welcomeVideoPath: opts.WelcomeVideoPath,
		freeGenerations:  opts.FreeGenerations,
		logger:           logger,
	}
}
