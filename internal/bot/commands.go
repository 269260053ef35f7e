package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"retouchbot/internal/models"
	"retouchbot/internal/session"
	"retouchbot/internal/storage"
)

// retouchModes are the /photosettings choices and the profiles they select
var retouchModes = []struct {
	key       string
	profileID int64
}{
	{"mode_light", 1},
	{"mode_medium", 2},
	{"mode_hard", 3},
}

// menuCommands are the commands shown in a user's command menu
var menuCommands = []struct {
	command string
	key     string
}{
	{"start", "command_start"},
	{"support", "command_support"},
	{"generations", "command_generation"},
	{"buy", "command_buy"},
	{"promo", "command_promo"},
	{"language", "command_language"},
	{"photosettings", "command_settings"},
}

// handleStart registers a new user or greets a returning one
func (b *Bot) handleStart(ctx context.Context, message *tgbotapi.Message) {
	from := message.From
	chatID := message.Chat.ID
	log := b.logger.With(zap.Int64("user_id", from.ID))

	if user, err := b.db.GetUser(ctx, from.ID); err == nil {
		log.Info("Existing user welcomed back")
		b.reply(chatID, user.Language, "welcome_back", nil)
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Error("Failed to load user", zap.Error(err))
		return
	}

	lang := models.LanguageEN
	if from.LanguageCode == "ru" {
		lang = models.LanguageRU
	}

	user, err := b.db.CreateUser(ctx, models.User{
		ID:              from.ID,
		Username:        from.UserName,
		FullName:        strings.TrimSpace(from.FirstName + " " + from.LastName),
		Language:        lang,
		FreeGenerations: b.freeGenerations,
	})
	if err != nil {
		log.Error("Failed to create user", zap.Error(err))
		return
	}
	log.Info("New user created", zap.String("username", user.Username), zap.String("language", user.Language.Value))

	b.setUserCommands(chatID, user.Language)

	caption := b.t(user.Language, "welcome", map[string]string{"name": user.FullName})
	if b.welcomeVideoPath == "" {
		b.send(tgbotapi.NewMessage(chatID, caption))
		return
	}
	video := tgbotapi.NewVideo(chatID, tgbotapi.FilePath(b.welcomeVideoPath))
	video.Caption = caption
	if _, err := b.api.Send(video); err != nil {
		log.Error("Failed to send welcome video", zap.Error(err))
		b.send(tgbotapi.NewMessage(chatID, caption))
	}
}

// setUserCommands localizes the command menu of one chat
func (b *Bot) setUserCommands(chatID int64, lang models.Language) {
	commands := make([]tgbotapi.BotCommand, 0, len(menuCommands))
	for _, c := range menuCommands {
		commands = append(commands, tgbotapi.BotCommand{Command: c.command, Description: b.t(lang, c.key, nil)})
	}

	cfg := tgbotapi.NewSetMyCommandsWithScope(tgbotapi.NewBotCommandScopeChat(chatID), commands...)
	if _, err := b.api.Request(cfg); err != nil {
		b.logger.Warn("Failed to set commands", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// handlePromo waits for the next text message to be a promo code
func (b *Bot) handlePromo(chatID int64, user models.User) {
	b.sessions.Update(user.ID, func(s *session.Session) { s.AwaitingPromoCode = true })
	b.reply(chatID, user.Language, "promo_code", nil)
}

// handleSupport lists the support contacts
func (b *Bot) handleSupport(ctx context.Context, chatID int64, user models.User) {
	contacts, err := b.db.ListSupportContacts(ctx)
	if err != nil {
		b.logger.Error("Failed to list support contacts", zap.Int64("user_id", user.ID), zap.Error(err))
	}
	if len(contacts) == 0 {
		b.reply(chatID, user.Language, "no_info_support", nil)
		return
	}

	parts := make([]string, 0, len(contacts))
	for _, info := range contacts {
		parts = append(parts, b.t(user.Language, "support_message", map[string]string{"username": info}))
	}
	b.send(tgbotapi.NewMessage(chatID, strings.Join(parts, "\n\n")))
}

// handleGenerations shows the user's credit balance
func (b *Bot) handleGenerations(chatID int64, user models.User) {
	b.reply(chatID, user.Language, "user_generations", map[string]string{
		"freeGenerations": strconv.Itoa(user.FreeGenerations),
		"paidGenerations": strconv.Itoa(user.PaidGenerations),
	})
}

// handleLanguage offers the interface languages
func (b *Bot) handleLanguage(chatID int64, user models.User) {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		button(b.t(user.Language, "RU", nil), callbackData{Action: actLanguage, ID: languageRU}),
		button(b.t(user.Language, "EN", nil), callbackData{Action: actLanguage, ID: languageEN}),
	))
	b.replyWithKeyboard(chatID, b.t(user.Language, "choose_language", nil), keyboard)
}

// handleLanguageChoice switches the user's language and returns the popup text
func (b *Bot) handleLanguageChoice(ctx context.Context, query *tgbotapi.CallbackQuery, user models.User, data callbackData) string {
	lang := models.LanguageEN
	if data.ID == languageRU {
		lang = models.LanguageRU
	}

	if err := b.db.UpdateLanguage(ctx, user.ID, lang); err != nil {
		b.logger.Error("Failed to update language", zap.Int64("user_id", user.ID), zap.Error(err))
		return ""
	}
	b.logger.Info("Language changed", zap.Int64("user_id", user.ID), zap.String("language", lang.Value))

	text := b.t(lang, "language_changed", nil)
	b.editText(query.Message.Chat.ID, query.Message.MessageID, text)
	b.setUserCommands(query.Message.Chat.ID, lang)
	return text
}

// handlePhotoSettings offers the retouch strength profiles to paying users
func (b *Bot) handlePhotoSettings(chatID int64, user models.User) {
	if user.PaidGenerations <= 0 {
		b.reply(chatID, user.Language, "u_need_add_balance_setting", nil)
		return
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, mode := range retouchModes {
		label := b.t(user.Language, mode.key, nil)
		if mode.profileID == user.SettingsProfileID {
			label += " ✅"
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			button(label, callbackData{Action: actMode, ID: mode.profileID}),
		))
	}
	b.replyWithKeyboard(chatID, b.t(user.Language, "choose_mode", nil), tgbotapi.NewInlineKeyboardMarkup(rows...))
}

// handleModeChoice stores the chosen profile and returns the popup text
func (b *Bot) handleModeChoice(ctx context.Context, query *tgbotapi.CallbackQuery, user models.User, data callbackData) string {
	key := ""
	for _, mode := range retouchModes {
		if mode.profileID == data.ID {
			key = mode.key
		}
	}
	if key == "" {
		b.logger.Warn("Unknown retouch mode", zap.Int64("profile_id", data.ID))
		return ""
	}

	if err := b.db.UpdateSettingsProfile(ctx, user.ID, data.ID); err != nil {
		b.logger.Error("Failed to update settings profile", zap.Int64("user_id", user.ID), zap.Error(err))
		return ""
	}

	text := b.t(user.Language, "mode_changed", map[string]string{"mode": b.t(user.Language, key, nil)})
	b.send(tgbotapi.NewMessage(query.Message.Chat.ID, text))
	b.deleteMessage(query.Message.Chat.ID, query.Message.MessageID)
	return text
}
