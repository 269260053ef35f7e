package bot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"retouchbot/internal/models"
)

// t renders a localized template
func (b *Bot) t(lang models.Language, key string, params map[string]string) string {
	return b.texts.Get(lang, key, params)
}

// send delivers c and returns the new message ID, or 0 when sending failed
func (b *Bot) send(c tgbotapi.Chattable) int {
	msg, err := b.api.Send(c)
	if err != nil {
		b.logger.Error("Failed to send message", zap.Error(err))
		return 0
	}
	return msg.MessageID
}

// reply sends a localized text message
func (b *Bot) reply(chatID int64, lang models.Language, key string, params map[string]string) int {
	return b.send(tgbotapi.NewMessage(chatID, b.t(lang, key, params)))
}

// replyWithKeyboard sends text with an inline keyboard
func (b *Bot) replyWithKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) int {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = keyboard
	return b.send(msg)
}

// answerCallback stops the button spinner; a non-empty text shows a popup
func (b *Bot) answerCallback(queryID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(queryID, text)); err != nil {
		b.logger.Debug("Failed to answer callback", zap.Error(err))
	}
}

// sendImage delivers an image either as a compressed photo or as a file
func (b *Bot) sendImage(chatID int64, data []byte, caption string, asDocument bool) error {
	file := tgbotapi.FileBytes{Name: "retouch.jpg", Bytes: data}

	var c tgbotapi.Chattable
	if asDocument {
		doc := tgbotapi.NewDocument(chatID, file)
		doc.Caption = caption
		c = doc
	} else {
		photo := tgbotapi.NewPhoto(chatID, file)
		photo.Caption = caption
		c = photo
	}

	_, err := b.api.Send(c)
	return err
}

// escapeMarkdown escapes text for MarkdownV2 messages
func escapeMarkdown(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, s)
}
