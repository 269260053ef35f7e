package bot

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"retouchbot/internal/imaging"
	"retouchbot/internal/models"
	"retouchbot/internal/session"
)

// handleWatermarkChoice finishes a paid job with the default watermark or
// none, or waits for the user's own watermark.
func (b *Bot) handleWatermarkChoice(ctx context.Context, query *tgbotapi.CallbackQuery, user models.User, sess session.Session, data callbackData) {
	chatID := query.Message.Chat.ID
	b.deleteMessage(chatID, query.Message.MessageID)
	b.clearCapNotice(chatID, user.ID, sess)

	log := b.logger.With(zap.Int64("user_id", user.ID), zap.String("job_id", sess.ActiveJobID))

	if data.ID == watermarkCustom {
		log.Info("Waiting for custom watermark")
		b.sessions.Update(user.ID, func(s *session.Session) {
			s.Step = session.StepAwaitingCustomWatermark
			s.PendingWatermarkUploadFor = s.ActiveJobID
		})
		b.reply(chatID, user.Language, "my_watermark", nil)
		return
	}

	opts, err := b.paidComposeOptions(ctx, user, sess)
	if err == nil {
		opts.ApplyWatermark = data.ID == watermarkDefault
		err = b.deliver(ctx, chatID, user, sess.ActiveJobID, opts, false)
	}
	if err != nil {
		log.Error("Failed to deliver result", zap.Error(err))
		b.reply(chatID, user.Language, failureKey(err), nil)
	}
	b.sessions.Clear(user.ID, session.FieldJob)
}

// handleWatermarkUpload composes an uploaded watermark onto the pending job
func (b *Bot) handleWatermarkUpload(ctx context.Context, message *tgbotapi.Message, user models.User, sess session.Session) {
	chatID := message.Chat.ID
	jobID := sess.PendingWatermarkUploadFor
	log := b.logger.With(zap.Int64("user_id", user.ID), zap.String("job_id", jobID))

	b.reply(chatID, user.Language, "watermark_upload_success", nil)
	defer b.sessions.Clear(user.ID, session.FieldJob)

	raw, err := b.download(ctx, message)
	if err != nil {
		log.Error("Failed to download watermark", zap.Error(err))
		b.reply(chatID, user.Language, "watermark_upload_failed", nil)
		return
	}
	watermark, err := b.normalizeOverlay(ctx, raw)
	if err != nil {
		log.Error("Failed to convert watermark", zap.Error(err))
		b.reply(chatID, user.Language, "watermark_upload_failed", nil)
		return
	}

	opts, err := b.paidComposeOptions(ctx, user, sess)
	if err == nil {
		opts.ApplyWatermark = true
		opts.Watermark = watermark
		err = b.deliver(ctx, chatID, user, jobID, opts, false)
	}
	if err != nil {
		log.Error("Failed to apply custom watermark", zap.Error(err))
		b.reply(chatID, user.Language, "watermark_upload_failed", nil)
	}
}

// paidComposeOptions collects the accessories chosen for a paid job
func (b *Bot) paidComposeOptions(ctx context.Context, user models.User, sess session.Session) (imaging.ComposeOptions, error) {
	var opts imaging.ComposeOptions
	if !sess.AccessoriesApplied {
		return opts, nil
	}
	selected, err := b.db.SelectedAccessories(ctx, user.ID)
	if err != nil {
		return opts, err
	}
	for _, a := range selected {
		opts.AccessoryURLs = append(opts.AccessoryURLs, a.PhotoURL)
	}
	return opts, nil
}
