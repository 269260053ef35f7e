package bot

import (
	"context"
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"retouchbot/internal/models"
	"retouchbot/internal/session"
	"retouchbot/internal/storage"
)

// handleMessage processes a single message
func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	// Recover from panics to prevent bot crashes
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic in handleMessage",
				zap.Any("panic", r),
				zap.Int64("user_id", message.From.ID))
		}
	}()

	userID := message.From.ID

	if message.IsCommand() {
		// Any command abandons a pending promo code prompt
		b.sessions.Update(userID, func(s *session.Session) { s.AwaitingPromoCode = false })

		if message.Command() == "start" {
			b.handleStart(ctx, message)
			return
		}

		user, ok := b.loadUser(ctx, userID)
		if !ok {
			return
		}

		switch message.Command() {
		case "promo":
			b.handlePromo(message.Chat.ID, user)
		case "buy":
			b.handleBuy(ctx, message.Chat.ID, user)
		case "support":
			b.handleSupport(ctx, message.Chat.ID, user)
		case "language":
			b.handleLanguage(message.Chat.ID, user)
		case "photosettings":
			b.handlePhotoSettings(message.Chat.ID, user)
		case "generations":
			b.handleGenerations(message.Chat.ID, user)
		default:
			b.reply(message.Chat.ID, user.Language, "unknown_command", nil)
		}
		return
	}

	user, ok := b.loadUser(ctx, userID)
	if !ok {
		return
	}

	switch {
	case len(message.Photo) > 0 || message.Document != nil:
		b.handleMedia(ctx, message, user)
	case message.Text != "":
		b.handleText(ctx, message, user)
	}
}

// handleCallbackQuery processes inline keyboard button clicks
func (b *Bot) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	popup := ""
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic in handleCallbackQuery",
				zap.Any("panic", r),
				zap.Int64("user_id", query.From.ID))
		}
		// Answer the callback query to remove loading state
		b.answerCallback(query.ID, popup)
	}()

	if query.Message == nil {
		return
	}

	data, err := parseCallbackData(query.Data)
	if err != nil {
		b.logger.Warn("Ignoring callback", zap.Error(err), zap.Int64("user_id", query.From.ID))
		return
	}
	if data.Action == actNoop {
		return
	}

	user, ok := b.loadUser(ctx, query.From.ID)
	if !ok {
		return
	}

	sess := b.sessions.Get(user.ID)
	if data.Action.belongsToJob() && !accepts(sess, data) {
		b.logger.Info("Rejecting outdated callback",
			zap.Int64("user_id", user.ID),
			zap.Int("action", int(data.Action)),
			zap.Uint32("flow", data.Flow),
			zap.Uint32("session_flow", sess.Flow),
			zap.Stringer("step", sess.Step))
		popup = b.t(user.Language, "action_outdated", nil)
		return
	}

	chatID := query.Message.Chat.ID
	switch data.Action {
	case actAddVials:
		b.handleAddVials(ctx, query, user, sess, data)
	case actCategoryPage:
		b.sendCategoryPage(ctx, chatID, user, sess.Flow, data.Page)
	case actCategory:
		b.deleteMessage(chatID, sess.LastCategorySelectionMessageID)
		b.sessions.Clear(user.ID, session.FieldCategorySelectionMessage)
		b.sendVialPage(ctx, chatID, user, sess.Flow, data.Category, 1)
	case actVialPage:
		b.sendVialPage(ctx, chatID, user, sess.Flow, data.Category, data.Page)
	case actVialToggle:
		popup = b.handleVialToggle(ctx, chatID, user, sess, data)
	case actBackToCategories:
		b.handleBackToCategories(ctx, chatID, user, sess)
	case actToWatermark:
		b.handleToWatermark(ctx, chatID, user, sess)
	case actWatermark:
		b.handleWatermarkChoice(ctx, query, user, sess, data)
	case actBuy:
		b.handleBuyAction(ctx, query, user, data)
	case actCancelPayment:
		b.deleteMessage(chatID, query.Message.MessageID)
		b.sessions.Clear(user.ID, session.FieldPaymentMessage)
		b.handleBuy(ctx, chatID, user)
	case actLanguage:
		popup = b.handleLanguageChoice(ctx, query, user, data)
	case actMode:
		popup = b.handleModeChoice(ctx, query, user, data)
	default:
		b.logger.Warn("Unknown callback action", zap.String("data", query.Data))
	}
}

// accepts reports whether a job-flow button still matches the session
func accepts(sess session.Session, data callbackData) bool {
	if data.Flow == 0 || data.Flow != sess.Flow {
		return false
	}
	switch data.Action {
	case actWatermark:
		return sess.Step == session.StepWatermarkSelection
	default:
		return sess.Step == session.StepAccessorySelection
	}
}

// loadUser fetches the user; unknown users are logged and ignored
func (b *Bot) loadUser(ctx context.Context, userID int64) (models.User, bool) {
	user, err := b.db.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.logger.Info("Ignoring update from unknown user", zap.Int64("user_id", userID))
		} else {
			b.logger.Error("Failed to load user", zap.Int64("user_id", userID), zap.Error(err))
		}
		return models.User{}, false
	}
	return user, true
}
