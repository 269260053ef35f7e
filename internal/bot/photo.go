package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"retouchbot/internal/imaging"
	"retouchbot/internal/models"
	"retouchbot/internal/retouch"
	"retouchbot/internal/session"
)

// fileID returns the Telegram file of a photo or document message
func fileID(message *tgbotapi.Message) string {
	if n := len(message.Photo); n > 0 {
		// Sizes are ordered, the last one is the original
		return message.Photo[n-1].FileID
	}
	if message.Document != nil {
		return message.Document.FileID
	}
	return ""
}

// download fetches the file attached to message
func (b *Bot) download(ctx context.Context, message *tgbotapi.Message) ([]byte, error) {
	id := fileID(message)
	if id == "" {
		return nil, fmt.Errorf("message has no file")
	}
	url, err := b.api.GetFileDirectURL(id)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file %s: %w", id, err)
	}
	return b.fetcher.Fetch(ctx, url)
}

// handleMedia routes an uploaded photo or document
func (b *Bot) handleMedia(ctx context.Context, message *tgbotapi.Message, user models.User) {
	sess := b.sessions.Get(user.ID)

	switch sess.Step {
	case session.StepAwaitingCustomWatermark:
		if sess.PendingWatermarkUploadFor != "" {
			b.handleWatermarkUpload(ctx, message, user, sess)
			return
		}
	case session.StepProcessing:
		// The running job keeps going; the new photo becomes the current one
		b.logger.Info("Starting a job while another is processing",
			zap.Int64("user_id", user.ID),
			zap.Uint32("flow", sess.Flow))
	case session.StepAccessorySelection, session.StepWatermarkSelection:
		// A new photo supersedes the unfinished one
		b.logger.Info("Abandoning unfinished job",
			zap.Int64("user_id", user.ID),
			zap.String("job_id", sess.ActiveJobID),
			zap.Stringer("step", sess.Step))
		b.abandonJob(message.Chat.ID, user.ID, sess)
	}

	b.processPhoto(ctx, message, user)
}

// abandonJob removes the selection UI of an unfinished job and resets it
func (b *Bot) abandonJob(chatID, userID int64, sess session.Session) {
	b.deleteMessage(chatID, sess.LastCategorySelectionMessageID)
	b.deleteMessage(chatID, sess.LastVialSelectionMessageID)
	b.deleteMessage(chatID, sess.CapNoticeMessageID)
	b.sessions.Clear(userID,
		session.FieldJob,
		session.FieldCategorySelectionMessage,
		session.FieldVialSelectionMessage,
		session.FieldCapNotice)
}

// processPhoto submits a photo, shows its progress and hands the result on.
// Each call is a job of its own flow; a job only moves the session on while
// its flow is still the current one.
func (b *Bot) processPhoto(ctx context.Context, message *tgbotapi.Message, user models.User) {
	chatID := message.Chat.ID
	log := b.logger.With(zap.Int64("user_id", user.ID))

	kind, ok := user.NextGenerationKind()
	if !ok {
		log.Info("User has no generations left")
		b.reply(chatID, user.Language, "generations_expired", nil)
		return
	}

	// Claim the processing step before any slow work
	sess := b.sessions.Update(user.ID, func(s *session.Session) {
		s.Step = session.StepProcessing
		s.Flow++
		s.ActiveJobKind = kind
	})
	flow := sess.Flow
	log = log.With(zap.Uint32("flow", flow))

	defer func() {
		if r := recover(); r != nil {
			// Never leave the user stuck in StepProcessing
			if b.sessions.Release(user.ID, flow) {
				b.reply(chatID, user.Language, "file_upload_error", nil)
			}
			panic(r)
		}
	}()

	fail := func(msg string, err error) {
		log.Error(msg, zap.Error(err))
		b.sessions.Release(user.ID, flow)
		b.reply(chatID, user.Language, "file_upload_error", nil)
	}

	raw, err := b.download(ctx, message)
	if err != nil {
		fail("Failed to download photo", err)
		return
	}
	photo, err := b.normalize(ctx, raw)
	if err != nil {
		fail("Failed to convert photo", err)
		return
	}

	profileID := user.SettingsProfileID
	if kind == models.GenerationFree {
		profile, err := b.db.DefaultSettingsProfile(ctx)
		if err != nil {
			fail("Failed to load default settings profile", err)
			return
		}
		profileID = profile.ID
	}

	jobID, err := b.jobs.Submit(ctx, retouch.Job{
		Photo:     photo,
		UserID:    user.ID,
		ProfileID: profileID,
		Kind:      kind,
	})
	if err != nil {
		fail("Failed to submit photo", err)
		return
	}
	log = log.With(zap.String("job_id", jobID), zap.String("kind", kind.Value))
	log.Info("Photo submitted")

	progressMsg := b.reply(chatID, user.Language, "photo_sent", map[string]string{"progress": RenderProgressBar(0)})
	b.sessions.Update(user.ID, func(s *session.Session) {
		if progressMsg != 0 {
			s.ProgressMessageByJob[jobID] = progressMsg
		}
		if s.Flow == flow {
			s.ActiveJobID = jobID
		}
	})

	_, err = b.jobs.AwaitCompletion(ctx, jobID, func(progress int) {
		b.editText(chatID, progressMsg, b.t(user.Language, "photo_sent", map[string]string{"progress": RenderProgressBar(progress)}))
	})
	b.deleteMessage(chatID, progressMsg)
	b.sessions.Update(user.ID, func(s *session.Session) { delete(s.ProgressMessageByJob, jobID) })
	if err != nil {
		fail("Failed to follow job", err)
		return
	}

	b.reply(chatID, user.Language, "photo_processed", nil)
	log.Info("Photo processed")

	if kind == models.GenerationFree {
		b.reply(chatID, user.Language, "u_need_add_balance", nil)
		b.deliverPlain(ctx, chatID, user, jobID, imaging.ComposeOptions{ApplyWatermark: true}, message.Document != nil)
		b.sessions.Release(user.ID, flow)
		return
	}

	current := false
	b.sessions.Update(user.ID, func(s *session.Session) {
		if s.Flow == flow && s.Step == session.StepProcessing {
			s.Step = session.StepAccessorySelection
			current = true
		}
	})
	if !current {
		// A newer photo owns the selection steps; this result goes out as is
		log.Info("Job superseded by a newer photo")
		b.deliverPlain(ctx, chatID, user, jobID, imaging.ComposeOptions{}, message.Document != nil)
		return
	}
	b.replyWithKeyboard(chatID, b.t(user.Language, "AskAddVials", nil), b.yesNoKeyboard(user.Language, flow))
}

// deliverPlain delivers a job without asking the user anything
func (b *Bot) deliverPlain(ctx context.Context, chatID int64, user models.User, jobID string, opts imaging.ComposeOptions, asDocument bool) {
	if err := b.deliver(ctx, chatID, user, jobID, opts, asDocument); err != nil {
		b.logger.Error("Failed to deliver result",
			zap.Int64("user_id", user.ID),
			zap.String("job_id", jobID),
			zap.Error(err))
		b.reply(chatID, user.Language, "file_upload_error", nil)
	}
}

// deliver composes the job output and sends it to the user
func (b *Bot) deliver(ctx context.Context, chatID int64, user models.User, jobID string, opts imaging.ComposeOptions, asDocument bool) error {
	base, err := b.jobs.Result(ctx, jobID)
	if err != nil {
		return err
	}
	out, err := b.composer.Compose(ctx, base, opts)
	if err != nil {
		return err
	}
	if err := b.sendImage(chatID, out, b.t(user.Language, "thanks_for_using", nil), asDocument); err != nil {
		return fmt.Errorf("failed to send result: %w", err)
	}

	b.logger.Info("Result delivered",
		zap.Int64("user_id", user.ID),
		zap.String("job_id", jobID),
		zap.Int("accessories", len(opts.AccessoryURLs)),
		zap.Bool("watermark", opts.ApplyWatermark))
	return nil
}

// failureKey picks the notice for a delivery error
func failureKey(err error) string {
	if errors.Is(err, imaging.ErrWatermark) {
		return "watermark_upload_failed"
	}
	return "file_upload_error"
}
