package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"retouchbot/internal/models"
	"retouchbot/internal/session"
	"retouchbot/internal/storage"
)

// FinalPrice applies the global and personal percentage discounts
// multiplicatively, then subtracts the fixed sum. The result is rounded and
// never below 1.
func FinalPrice(base, globalPercent, personalPercent, discountSum int) int {
	price := float64(base) * (1 - float64(globalPercent)/100) * (1 - float64(personalPercent)/100)
	return max(1, int(math.Round(price-float64(discountSum))))
}

// pricing is what a user pays on top of the catalog price
type pricing struct {
	global    int
	percent   int
	sum       int
	promoCode string
}

func (p pricing) discounted() bool {
	return p.global > 0 || p.percent > 0 || p.sum > 0
}

func (p pricing) price(base int) int {
	if !p.discounted() {
		return base
	}
	return FinalPrice(base, p.global, p.percent, p.sum)
}

// pricingFor loads the global discount and the user's personal promo discount
func (b *Bot) pricingFor(ctx context.Context, user models.User) (pricing, error) {
	var p pricing

	global, err := b.db.GlobalDiscount(ctx)
	if err != nil {
		return p, fmt.Errorf("failed to load global discount: %w", err)
	}
	p.global = global

	if user.DiscountPromoID == nil {
		return p, nil
	}
	promo, err := b.db.GetPromoCode(ctx, *user.DiscountPromoID)
	if errors.Is(err, storage.ErrNotFound) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("failed to load discount promo code: %w", err)
	}
	p.percent = promo.DiscountPercentage
	p.sum = promo.DiscountSum
	p.promoCode = promo.Code
	return p, nil
}

// handleBuy lists the active products with prices after discounts
func (b *Bot) handleBuy(ctx context.Context, chatID int64, user models.User) {
	log := b.logger.With(zap.Int64("user_id", user.ID))

	products, err := b.db.ListActiveProducts(ctx)
	if err != nil {
		log.Error("Failed to list products", zap.Error(err))
		b.reply(chatID, user.Language, "error_loading_products", nil)
		return
	}
	if len(products) == 0 {
		b.reply(chatID, user.Language, "no_products", nil)
		return
	}
	p, err := b.pricingFor(ctx, user)
	if err != nil {
		log.Error("Failed to load pricing", zap.Error(err))
		b.reply(chatID, user.Language, "error_loading_products", nil)
		return
	}

	header := "all_products"
	if p.discounted() {
		header = "all_products_with_discount"
	}

	lines := []string{b.t(user.Language, header, nil)}
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, product := range products {
		name := escapeMarkdown(product.Name)
		if p.discounted() {
			lines = append(lines, b.t(user.Language, "product_price_with_discount", map[string]string{
				"productName": name,
				"oldPrice":    strconv.Itoa(product.Price),
				"newPrice":    strconv.Itoa(p.price(product.Price)),
			}))
		} else {
			lines = append(lines, b.t(user.Language, "product_price", map[string]string{
				"productName": name,
				"price":       strconv.Itoa(product.Price),
			}))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			button(product.Name, callbackData{Action: actBuy, ID: product.ID}),
		))
	}

	msg := tgbotapi.NewMessage(chatID, strings.Join(lines, "\n"))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	b.send(msg)
}

// paymentData is the JSON the payment terminal hands back on confirmation
type paymentData struct {
	TelegramUserID int64  `json:"telegram_user_id"`
	Generations    int    `json:"generations"`
	PromoCode      string `json:"promocode"`
	OriginalAmount int    `json:"original_amount"`
	Product        int64  `json:"product"`
}

// paymentLink builds the terminal URL for one invoice
func (b *Bot) paymentLink(user models.User, product models.Product, amount int, promoCode, invoiceID string) (string, error) {
	data, err := json.Marshal(paymentData{
		TelegramUserID: user.ID,
		Generations:    product.GenerationCount,
		PromoCode:      promoCode,
		OriginalAmount: product.Price,
		Product:        product.ID,
	})
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("description", product.Name)
	params.Set("amount", strconv.Itoa(amount))
	params.Set("currency", "RUB")
	params.Set("invoiceId", invoiceID)
	params.Set("accountId", fmt.Sprintf("tg-%d", user.ID))
	params.Set("data", string(data))

	return b.paymentURL + "?" + params.Encode(), nil
}

// handleBuyAction sends the payment link for the chosen product
func (b *Bot) handleBuyAction(ctx context.Context, query *tgbotapi.CallbackQuery, user models.User, data callbackData) {
	chatID := query.Message.Chat.ID
	log := b.logger.With(zap.Int64("user_id", user.ID), zap.Int64("product_id", data.ID))

	b.deleteMessage(chatID, query.Message.MessageID)

	product, err := b.db.GetProduct(ctx, data.ID)
	if err != nil || !product.IsActive {
		log.Warn("Product not available", zap.Error(err))
		b.reply(chatID, user.Language, "error_loading_products", nil)
		return
	}
	p, err := b.pricingFor(ctx, user)
	if err != nil {
		log.Error("Failed to load pricing", zap.Error(err))
		b.reply(chatID, user.Language, "error_loading_products", nil)
		return
	}

	amount := p.price(product.Price)
	invoiceID := uuid.NewString()
	link, err := b.paymentLink(user, product, amount, p.promoCode, invoiceID)
	if err != nil {
		log.Error("Failed to build payment link", zap.Error(err))
		b.reply(chatID, user.Language, "error_loading_products", nil)
		return
	}

	text := b.t(user.Language, "payment_text", map[string]string{
		"count":                 strconv.Itoa(product.GenerationCount),
		"amount":                strconv.Itoa(amount),
		"amountWithoutDiscount": strconv.Itoa(product.Price),
		"promoCode":             p.promoCode,
	})
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(b.t(user.Language, "pay_button", nil), link)),
		tgbotapi.NewInlineKeyboardRow(button(b.t(user.Language, "back_button", nil), callbackData{Action: actCancelPayment})),
	)
	msgID := b.replyWithKeyboard(chatID, text, keyboard)

	var previous int
	b.sessions.Update(user.ID, func(s *session.Session) {
		previous = s.LastPaymentMessageID
		s.LastPaymentMessageID = msgID
	})
	b.deleteMessage(chatID, previous)

	log.Info("Payment link sent",
		zap.String("invoice_id", invoiceID),
		zap.Int("amount", amount),
		zap.Int("price", product.Price))
}

// PaymentEvent is a confirmed payment reported by the payment terminal
type PaymentEvent struct {
	InvoiceID       string
	UserID          int64
	ProductID       int64
	Amount          int
	GenerationCount int
	PromoCode       string
}

// ConfirmPayment credits the generations of a payment, records it and tells
// the user and the admins about it. An invoice that was already recorded is
// acknowledged without crediting it again.
func (b *Bot) ConfirmPayment(ctx context.Context, event PaymentEvent) error {
	log := b.logger.With(zap.Int64("user_id", event.UserID), zap.Int64("product_id", event.ProductID))

	user, err := b.db.GetUser(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("failed to load user %d: %w", event.UserID, err)
	}
	product, err := b.db.GetProduct(ctx, event.ProductID)
	if err != nil {
		return fmt.Errorf("failed to load product %d: %w", event.ProductID, err)
	}
	count := event.GenerationCount
	if count <= 0 {
		count = product.GenerationCount
	}
	if event.InvoiceID == "" {
		event.InvoiceID = uuid.NewString()
	}

	b.paymentMu.Lock()
	defer b.paymentMu.Unlock()

	seen, err := b.db.PaymentExists(ctx, event.InvoiceID)
	if err != nil {
		return fmt.Errorf("failed to check invoice %s: %w", event.InvoiceID, err)
	}
	if seen {
		log.Info("Payment already processed", zap.String("invoice_id", event.InvoiceID))
		return nil
	}

	if err := b.db.AddPaidCredits(ctx, user.ID, count); err != nil {
		return fmt.Errorf("failed to add paid generations: %w", err)
	}
	err = b.db.CreatePayment(ctx, models.Payment{
		ID:              event.InvoiceID,
		UserID:          user.ID,
		ProductID:       product.ID,
		Amount:          event.Amount,
		GenerationCount: count,
		PromoCode:       event.PromoCode,
	})
	if err != nil {
		// Credits are granted, so the payment is still acknowledged
		log.Error("Failed to record payment", zap.String("invoice_id", event.InvoiceID), zap.Error(err))
	}
	b.spendDiscount(ctx, user, event.PromoCode)

	total := user.PaidGenerations + count
	if updated, err := b.db.GetUser(ctx, user.ID); err == nil {
		total = updated.PaidGenerations
	}

	params := map[string]string{
		"promoCode":        event.PromoCode,
		"productName":      product.Name,
		"productId":        strconv.FormatInt(product.ID, 10),
		"userId":           strconv.FormatInt(user.ID, 10),
		"username":         user.Username,
		"name":             user.FullName,
		"amount":           strconv.Itoa(event.Amount),
		"count":            strconv.Itoa(count),
		"totalGenerations": strconv.Itoa(total),
	}

	text := b.t(user.Language, "payment_success", params)
	sess := b.sessions.Get(user.ID)
	if b.editText(user.ID, sess.LastPaymentMessageID, text) != Cleaned {
		log.Warn("No payment message to update, sending a new one",
			zap.Int("message_id", sess.LastPaymentMessageID))
		b.send(tgbotapi.NewMessage(user.ID, text))
	}
	b.sessions.Clear(user.ID, session.FieldPaymentMessage)

	b.notifyAdmins(b.t(models.LanguageRU, "payment_success_admin", params))

	log.Info("Payment confirmed",
		zap.String("invoice_id", event.InvoiceID),
		zap.Int("amount", event.Amount),
		zap.Int("generations", count))
	return nil
}

// spendDiscount uses up the promo code a payment was made with
func (b *Bot) spendDiscount(ctx context.Context, user models.User, code string) {
	if code == "" {
		return
	}
	log := b.logger.With(zap.Int64("user_id", user.ID), zap.String("code", code))

	promo, err := b.db.FindPromoCode(ctx, code)
	if err != nil {
		log.Warn("Payment promo code not found", zap.Error(err))
		return
	}
	if err := b.db.ConsumePromoCode(ctx, promo.ID); err != nil {
		log.Error("Failed to consume promo code", zap.Error(err))
	}
	if user.DiscountPromoID != nil && *user.DiscountPromoID == promo.ID {
		if err := b.db.SetDiscount(ctx, user.ID, nil); err != nil {
			log.Error("Failed to clear personal discount", zap.Error(err))
		}
	}
}

// notifyAdmins sends text to every admin chat; failures are only logged
func (b *Bot) notifyAdmins(text string) {
	var g errgroup.Group
	g.SetLimit(4)
	for _, chatID := range b.adminChatIDs {
		g.Go(func() error {
			if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
				b.logger.Error("Failed to notify admin", zap.Int64("chat_id", chatID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
