package bot

import (
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"retouchbot/internal/models"
)

const (
	categoriesPerPage = 5
	vialsPerPage      = 7
)

// CleanupResult is the outcome of a best-effort edit or delete of a shown message.
// Failures are logged and never reach the user.
type CleanupResult int

const (
	Skipped CleanupResult = iota // nothing to clean up
	Cleaned
	Failed
)

func (r CleanupResult) String() string {
	switch r {
	case Cleaned:
		return "cleaned"
	case Failed:
		return "failed"
	default:
		return "skipped"
	}
}

// deleteMessage removes a previously sent message
func (b *Bot) deleteMessage(chatID int64, messageID int) CleanupResult {
	if messageID == 0 {
		return Skipped
	}
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		b.logger.Warn("Failed to delete message",
			zap.Int64("chat_id", chatID),
			zap.Int("message_id", messageID),
			zap.Error(err))
		return Failed
	}
	return Cleaned
}

// editText replaces the text of a previously sent message
func (b *Bot) editText(chatID int64, messageID int, text string) CleanupResult {
	if messageID == 0 {
		return Skipped
	}
	if _, err := b.api.Send(tgbotapi.NewEditMessageText(chatID, messageID, text)); err != nil {
		b.logger.Warn("Failed to edit message",
			zap.Int64("chat_id", chatID),
			zap.Int("message_id", messageID),
			zap.Error(err))
		return Failed
	}
	return Cleaned
}

// page clamps page into [1, pages] and returns the slice bounds for it.
// An empty list still has one page.
func page(total, perPage, requested int) (current, pages, start, end int) {
	pages = max(1, (total+perPage-1)/perPage)
	current = min(max(requested, 1), pages)
	start = (current - 1) * perPage
	end = min(start+perPage, total)
	return current, pages, start, end
}

func button(text string, data callbackData) tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardButtonData(text, data.String())
}

// navigationRow builds prev / indicator / next. The indicator is only shown
// when showIndicator is set.
func (b *Bot) navigationRow(lang models.Language, current, pages int, showIndicator bool, to func(page int) callbackData) []tgbotapi.InlineKeyboardButton {
	var row []tgbotapi.InlineKeyboardButton
	if current > 1 {
		row = append(row, button(b.t(lang, "previous_page", nil), to(current-1)))
	}
	if showIndicator {
		row = append(row, button(fmt.Sprintf("%d/%d", current, pages), callbackData{Action: actNoop}))
	}
	if current < pages {
		row = append(row, button(b.t(lang, "next_page", nil), to(current+1)))
	}
	return row
}

// categoryKeyboard lists one page of categories plus navigation and a
// "continue without" action.
func (b *Bot) categoryKeyboard(lang models.Language, flow uint32, categories []models.AccessoryCategory, requested int) tgbotapi.InlineKeyboardMarkup {
	current, pages, start, end := page(len(categories), categoriesPerPage, requested)

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, c := range categories[start:end] {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			button(c.Name, callbackData{Action: actCategory, Flow: flow, Category: c.ID, Page: 1}),
		))
	}

	nav := b.navigationRow(lang, current, pages, true, func(p int) callbackData {
		return callbackData{Action: actCategoryPage, Flow: flow, Page: p}
	})
	rows = append(rows, nav)

	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		button(b.t(lang, "continue_without_vials", nil), callbackData{Action: actToWatermark, Flow: flow}),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// vialMark is the state prefix of an accessory button
func vialMark(selected, full bool) string {
	switch {
	case selected:
		return "✅"
	case full:
		return "❌"
	default:
		return "➕"
	}
}

// vialKeyboard lists one page of accessories of a category. Each button
// shows whether it is selected, blocked by the cap, or can be added.
func (b *Bot) vialKeyboard(lang models.Language, flow uint32, categoryID int64, vials []models.Accessory, selected []models.Accessory, requested int) tgbotapi.InlineKeyboardMarkup {
	current, pages, start, end := page(len(vials), vialsPerPage, requested)

	chosen := make(map[int64]bool, len(selected))
	for _, s := range selected {
		chosen[s.ID] = true
	}
	full := len(selected) >= models.MaxAccessories

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, v := range vials[start:end] {
		label := vialMark(chosen[v.ID], full) + " " + v.Name
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			button(label, callbackData{Action: actVialToggle, Flow: flow, ID: v.ID, Category: categoryID, Page: current}),
		))
	}
	if start == end {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			button(b.t(lang, "no_vials_in_category", nil), callbackData{Action: actNoop}),
		))
	}

	nav := b.navigationRow(lang, current, pages, pages > 1, func(p int) callbackData {
		return callbackData{Action: actVialPage, Flow: flow, Category: categoryID, Page: p}
	})
	if len(nav) > 0 {
		rows = append(rows, nav)
	}

	finishKey := "continue_without_vials"
	if len(selected) > 0 {
		finishKey = "finish"
	}
	rows = append(rows,
		tgbotapi.NewInlineKeyboardRow(button(b.t(lang, finishKey, nil), callbackData{Action: actToWatermark, Flow: flow})),
		tgbotapi.NewInlineKeyboardRow(button(b.t(lang, "back_to_categories", nil), callbackData{Action: actBackToCategories, Flow: flow})),
	)
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// vialPrompt is the header above the accessory keyboard
func (b *Bot) vialPrompt(lang models.Language, selected int) string {
	return b.t(lang, "choose_vials", map[string]string{
		"selected": strconv.Itoa(selected),
		"max":      strconv.Itoa(models.MaxAccessories),
	})
}

// yesNoKeyboard is the two-button AskAddVials keyboard
func (b *Bot) yesNoKeyboard(lang models.Language, flow uint32) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		button(b.t(lang, "no", nil), callbackData{Action: actAddVials, Flow: flow, ID: 0}),
		button(b.t(lang, "yes", nil), callbackData{Action: actAddVials, Flow: flow, ID: 1}),
	))
}

// watermarkKeyboard offers default, none and custom watermark
func (b *Bot) watermarkKeyboard(lang models.Language, flow uint32) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		button(b.t(lang, "yes", nil), callbackData{Action: actWatermark, Flow: flow, ID: watermarkDefault}),
		button(b.t(lang, "no", nil), callbackData{Action: actWatermark, Flow: flow, ID: watermarkNone}),
		button(b.t(lang, "my_watermark_button", nil), callbackData{Action: actWatermark, Flow: flow, ID: watermarkCustom}),
	))
}
