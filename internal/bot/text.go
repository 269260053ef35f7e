package bot

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"retouchbot/internal/models"
	"retouchbot/internal/promo"
	"retouchbot/internal/session"
)

// handleText treats free text as a promo code when one was asked for
func (b *Bot) handleText(ctx context.Context, message *tgbotapi.Message, user models.User) {
	chatID := message.Chat.ID

	var awaiting bool
	b.sessions.Update(user.ID, func(s *session.Session) {
		awaiting = s.AwaitingPromoCode
		s.AwaitingPromoCode = false
	})
	if !awaiting {
		b.reply(chatID, user.Language, "unknown_command", nil)
		return
	}

	activation, err := b.promos.Redeem(ctx, message.Text, user.ID)
	if err != nil {
		key := promo.MessageKey(err)
		if key != "" {
			b.logger.Info("Promo code rejected", zap.Int64("user_id", user.ID), zap.String("reason", key))
		} else {
			b.logger.Error("Failed to redeem promo code", zap.Int64("user_id", user.ID), zap.Error(err))
			key = "promo_code_error"
		}
		b.reply(chatID, user.Language, key, nil)
		return
	}

	b.reply(chatID, user.Language, activation.MessageKey(), activation.Params())
}
