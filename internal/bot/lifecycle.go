package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"retouchbot/internal/storage"
)

// Start runs the bot in polling mode until ctx is cancelled
func (b *Bot) Start(ctx context.Context) error {
	if b.client == nil {
		return fmt.Errorf("polling needs a Telegram client")
	}
	b.logger.Info("Starting bot in polling mode")

	// Remove webhook (if any was set previously)
	if _, err := b.client.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		b.logger.Warn("Failed to delete webhook", zap.Error(err))
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.client.GetUpdatesChan(u)

	b.logger.Info("Bot started successfully. Waiting for updates...")

	for {
		select {
		case <-ctx.Done():
			b.client.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.Dispatch(ctx, update)
		}
	}
}

// StartWebhook registers the webhook URL with Telegram
func (b *Bot) StartWebhook(webhookURL string) error {
	if b.client == nil {
		return fmt.Errorf("webhook setup needs a Telegram client")
	}
	b.logger.Info("Setting up webhook", zap.String("webhook_url", webhookURL))

	webhookConfig, err := tgbotapi.NewWebhook(webhookURL + "/telegram-webhook")
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	webhookConfig.MaxConnections = 40

	if _, err := b.client.Request(webhookConfig); err != nil {
		b.logger.Error("Failed to set webhook", zap.Error(err), zap.String("webhook_url", webhookURL))
		return err
	}

	info, err := b.client.GetWebhookInfo()
	if err != nil {
		b.logger.Warn("Failed to get webhook info", zap.Error(err))
	} else {
		b.logger.Info("Webhook set successfully",
			zap.String("url", info.URL),
			zap.Int("pending_updates", info.PendingUpdateCount),
		)
	}
	return nil
}

// Dispatch handles update in its own goroutine
func (b *Bot) Dispatch(ctx context.Context, update tgbotapi.Update) {
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		b.HandleUpdate(ctx, update)
	}()
}

// Wait blocks until every dispatched update has been handled
func (b *Bot) Wait() {
	b.inflight.Wait()
}

// HandleUpdate processes a single update synchronously
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	from := update.SentFrom()
	if from == nil {
		return
	}

	if !b.limiter.Allow(from.ID) {
		b.logger.Debug("Dropping throttled update", zap.Int64("user_id", from.ID))
		if update.CallbackQuery != nil {
			b.answerCallback(update.CallbackQuery.ID, "")
		}
		return
	}

	b.touch(from.ID)

	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}

// touch records user activity without blocking the handler
func (b *Bot) touch(userID int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.db.TouchUser(ctx, userID, time.Now()); err != nil && !errors.Is(err, storage.ErrNotFound) {
			b.logger.Warn("Failed to update last active time", zap.Int64("user_id", userID), zap.Error(err))
		}
	}()
}
