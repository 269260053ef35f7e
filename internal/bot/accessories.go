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

// handleAddVials answers the AskAddVials question
func (b *Bot) handleAddVials(ctx context.Context, query *tgbotapi.CallbackQuery, user models.User, sess session.Session, data callbackData) {
	chatID := query.Message.Chat.ID
	b.deleteMessage(chatID, query.Message.MessageID)

	if data.ID == 0 {
		b.askWatermark(chatID, user, sess, false)
		return
	}
	b.sendCategoryPage(ctx, chatID, user, sess.Flow, 1)
}

// sendCategoryPage shows a page of accessory categories, replacing the previous one
func (b *Bot) sendCategoryPage(ctx context.Context, chatID int64, user models.User, flow uint32, pageNum int) {
	categories, err := b.db.ListCategories(ctx)
	if err != nil {
		b.logger.Error("Failed to list categories", zap.Int64("user_id", user.ID), zap.Error(err))
		b.reply(chatID, user.Language, "file_upload_error", nil)
		return
	}

	msgID := b.replyWithKeyboard(chatID, b.t(user.Language, "choose_category", nil),
		b.categoryKeyboard(user.Language, flow, categories, pageNum))

	var previous int
	b.sessions.Update(user.ID, func(s *session.Session) {
		previous = s.LastCategorySelectionMessageID
		s.LastCategorySelectionMessageID = msgID
	})
	b.deleteMessage(chatID, previous)
}

// sendVialPage shows a page of accessories, replacing the previous one
func (b *Bot) sendVialPage(ctx context.Context, chatID int64, user models.User, flow uint32, categoryID int64, pageNum int) {
	vials, err := b.db.ListAccessories(ctx, categoryID)
	if err != nil {
		b.logger.Error("Failed to list accessories",
			zap.Int64("user_id", user.ID),
			zap.Int64("category_id", categoryID),
			zap.Error(err))
		b.reply(chatID, user.Language, "file_upload_error", nil)
		return
	}
	selected, err := b.db.SelectedAccessories(ctx, user.ID)
	if err != nil {
		b.logger.Error("Failed to load selected accessories", zap.Int64("user_id", user.ID), zap.Error(err))
		b.reply(chatID, user.Language, "file_upload_error", nil)
		return
	}

	msgID := b.replyWithKeyboard(chatID, b.vialPrompt(user.Language, len(selected)),
		b.vialKeyboard(user.Language, flow, categoryID, vials, selected, pageNum))

	var previous int
	b.sessions.Update(user.ID, func(s *session.Session) {
		previous = s.LastVialSelectionMessageID
		s.LastVialSelectionMessageID = msgID
	})
	b.deleteMessage(chatID, previous)
}

// handleVialToggle adds or removes an accessory and returns the popup text.
// At the cap the selection is left alone and a notice is sent once until
// the selection shrinks.
func (b *Bot) handleVialToggle(ctx context.Context, chatID int64, user models.User, sess session.Session, data callbackData) string {
	log := b.logger.With(zap.Int64("user_id", user.ID), zap.Int64("accessory_id", data.ID))

	selected, err := b.db.SelectedAccessories(ctx, user.ID)
	if err != nil {
		log.Error("Failed to load selected accessories", zap.Error(err))
		return ""
	}

	var popup string
	if containsAccessory(selected, data.ID) {
		if err := b.db.RemoveSelectedAccessory(ctx, user.ID, data.ID); err != nil {
			log.Error("Failed to remove accessory", zap.Error(err))
			return ""
		}
		log.Info("Accessory removed")
		popup = b.t(user.Language, "vial_removed", nil)
	} else {
		added := false
		if len(selected) < models.MaxAccessories {
			added, err = b.db.AddSelectedAccessory(ctx, user.ID, data.ID, models.MaxAccessories)
			if errors.Is(err, storage.ErrNotFound) {
				log.Warn("Unknown accessory")
				return ""
			}
			if err != nil {
				log.Error("Failed to add accessory", zap.Error(err))
				return ""
			}
		}
		if !added {
			log.Info("Accessory cap reached", zap.Int("selected", len(selected)))
			b.sendCapNotice(chatID, user, sess)
			return b.t(user.Language, "max_vials_selected", nil)
		}
		log.Info("Accessory added")
		popup = b.t(user.Language, "vial_added", nil)
	}

	b.clearCapNotice(chatID, user.ID, sess)
	b.sendVialPage(ctx, chatID, user, sess.Flow, data.Category, data.Page)
	return popup
}

// sendCapNotice sends the "selection is full" message unless it is already shown
func (b *Bot) sendCapNotice(chatID int64, user models.User, sess session.Session) {
	if sess.CapNoticeMessageID != 0 {
		return
	}
	msgID := b.reply(chatID, user.Language, "max_vials_selected_message", nil)
	b.sessions.Update(user.ID, func(s *session.Session) { s.CapNoticeMessageID = msgID })
}

// clearCapNotice removes the "selection is full" message if it is shown
func (b *Bot) clearCapNotice(chatID, userID int64, sess session.Session) {
	if sess.CapNoticeMessageID == 0 {
		return
	}
	b.deleteMessage(chatID, sess.CapNoticeMessageID)
	b.sessions.Clear(userID, session.FieldCapNotice)
}

func (b *Bot) handleBackToCategories(ctx context.Context, chatID int64, user models.User, sess session.Session) {
	b.clearCapNotice(chatID, user.ID, sess)
	b.deleteMessage(chatID, sess.LastVialSelectionMessageID)
	b.sessions.Clear(user.ID, session.FieldVialSelectionMessage)
	b.sendCategoryPage(ctx, chatID, user, sess.Flow, 1)
}

// handleToWatermark ends accessory selection
func (b *Bot) handleToWatermark(ctx context.Context, chatID int64, user models.User, sess session.Session) {
	selected, err := b.db.SelectedAccessories(ctx, user.ID)
	if err != nil {
		b.logger.Error("Failed to load selected accessories", zap.Int64("user_id", user.ID), zap.Error(err))
	}
	b.askWatermark(chatID, user, sess, len(selected) > 0)
}

// askWatermark moves the flow to watermark selection
func (b *Bot) askWatermark(chatID int64, user models.User, sess session.Session, withAccessories bool) {
	b.clearCapNotice(chatID, user.ID, sess)
	b.deleteMessage(chatID, sess.LastCategorySelectionMessageID)
	b.deleteMessage(chatID, sess.LastVialSelectionMessageID)

	b.sessions.Update(user.ID, func(s *session.Session) {
		s.Step = session.StepWatermarkSelection
		s.AccessoriesApplied = withAccessories
		s.LastCategorySelectionMessageID = 0
		s.LastVialSelectionMessageID = 0
	})

	b.replyWithKeyboard(chatID, b.t(user.Language, "watermark_question", nil), b.watermarkKeyboard(user.Language, sess.Flow))
}

func containsAccessory(list []models.Accessory, id int64) bool {
	for _, a := range list {
		if a.ID == id {
			return true
		}
	}
	return false
}
