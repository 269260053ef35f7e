package bot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"retouchbot/internal/storage"
)

// maxWebhookBody bounds the size of inbound webhook payloads
const maxWebhookBody = 1 << 20

// HTTPServer serves the Telegram and payment webhooks
type HTTPServer struct {
	bot           *Bot
	ctx           context.Context
	paymentSecret string
}

// NewHTTPServer creates the webhook handlers. Updates received over HTTP are
// handled with ctx. An empty paymentSecret disables signature checks.
func NewHTTPServer(ctx context.Context, bot *Bot, paymentSecret string) *HTTPServer {
	return &HTTPServer{
		bot:           bot,
		ctx:           ctx,
		paymentSecret: paymentSecret,
	}
}

// RegisterRoutes registers webhook routes on the provided mux
func (hs *HTTPServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/telegram-webhook", hs.handleTelegramUpdate)
	mux.HandleFunc("/payment-webhook", hs.handlePayment)
}

// handleTelegramUpdate accepts an update and answers before handling it
func (hs *HTTPServer) handleTelegramUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&update); err != nil {
		hs.bot.logger.Warn("Error decoding webhook update", zap.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// Process update in background to respond quickly to Telegram
	hs.bot.Dispatch(hs.ctx, update)
	w.WriteHeader(http.StatusOK)
}

// signature returns the base64 HMAC-SHA256 of body
func signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// validSignature checks the Content-HMAC header against body
func (hs *HTTPServer) validSignature(header string, body []byte) bool {
	if hs.paymentSecret == "" {
		return true
	}
	if header == "" {
		return false
	}
	return hmac.Equal([]byte(header), []byte(signature(hs.paymentSecret, body)))
}

// terminalNotification is the Pay notification of the payment terminal.
// Data carries the paymentData put into the payment link, either as a JSON
// object or as a JSON string.
type terminalNotification struct {
	InvoiceID string
	Amount    string
	Data      string
}

// parseNotification reads a notification sent as a form or as JSON
func parseNotification(contentType string, body []byte) (terminalNotification, error) {
	if mediaType, _, _ := mime.ParseMediaType(contentType); mediaType == "application/x-www-form-urlencoded" {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return terminalNotification{}, err
		}
		return terminalNotification{
			InvoiceID: form.Get("InvoiceId"),
			Amount:    form.Get("Amount"),
			Data:      form.Get("Data"),
		}, nil
	}

	var raw struct {
		InvoiceID json.RawMessage `json:"InvoiceId"`
		Amount    json.RawMessage `json:"Amount"`
		Data      json.RawMessage `json:"Data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return terminalNotification{}, err
	}
	return terminalNotification{
		InvoiceID: scalar(raw.InvoiceID),
		Amount:    scalar(raw.Amount),
		Data:      scalar(raw.Data),
	}, nil
}

// scalar returns a JSON string unquoted and any other value as written
func scalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

// event turns a notification into the payment it confirms
func (n terminalNotification) event() (PaymentEvent, error) {
	var data paymentData
	if n.Data == "" {
		return PaymentEvent{}, fmt.Errorf("missing Data")
	}
	if err := json.Unmarshal([]byte(n.Data), &data); err != nil {
		return PaymentEvent{}, fmt.Errorf("invalid Data: %w", err)
	}
	amount, err := strconv.ParseFloat(n.Amount, 64)
	if err != nil {
		return PaymentEvent{}, fmt.Errorf("invalid Amount %q", n.Amount)
	}

	event := PaymentEvent{
		InvoiceID:       n.InvoiceID,
		UserID:          data.TelegramUserID,
		ProductID:       data.Product,
		Amount:          int(math.Round(amount)),
		GenerationCount: data.Generations,
		PromoCode:       data.PromoCode,
	}
	switch {
	case event.UserID == 0:
		return PaymentEvent{}, fmt.Errorf("missing telegram_user_id")
	case event.ProductID == 0:
		return PaymentEvent{}, fmt.Errorf("missing product")
	case event.Amount <= 0:
		return PaymentEvent{}, fmt.Errorf("amount must be positive")
	}
	return event, nil
}

// Result codes of the payment terminal protocol
const (
	codeAccepted = 0
	codeRejected = 13
)

func writeCode(w http.ResponseWriter, status, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]int{"code": code})
}

// handlePayment confirms a payment reported by the payment terminal. The
// terminal resends a notification until it is answered with code 0.
func (hs *HTTPServer) handlePayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeCode(w, http.StatusMethodNotAllowed, codeRejected)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeCode(w, http.StatusBadRequest, codeRejected)
		return
	}

	if !hs.validSignature(r.Header.Get("Content-HMAC"), body) {
		hs.bot.logger.Warn("Rejected payment webhook with bad signature", zap.String("remote_addr", r.RemoteAddr))
		writeCode(w, http.StatusUnauthorized, codeRejected)
		return
	}

	notification, err := parseNotification(r.Header.Get("Content-Type"), body)
	if err != nil {
		hs.bot.logger.Warn("Failed to decode payment notification", zap.Error(err))
		writeCode(w, http.StatusBadRequest, codeRejected)
		return
	}
	event, err := notification.event()
	if err != nil {
		hs.bot.logger.Warn("Invalid payment notification",
			zap.String("invoice_id", notification.InvoiceID),
			zap.Error(err))
		writeCode(w, http.StatusBadRequest, codeRejected)
		return
	}

	if err := hs.bot.ConfirmPayment(r.Context(), event); err != nil {
		hs.bot.logger.Error("Failed to confirm payment",
			zap.Error(err),
			zap.String("invoice_id", event.InvoiceID),
			zap.Int64("user_id", event.UserID),
			zap.Int64("product_id", event.ProductID))
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeCode(w, status, codeRejected)
		return
	}

	writeCode(w, http.StatusOK, codeAccepted)
}
