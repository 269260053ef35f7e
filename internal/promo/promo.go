// Package promo validates and redeems promo codes.
package promo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"retouchbot/internal/models"
	"retouchbot/internal/storage"

	"github.com/orsinium-labs/enum"
	"go.uber.org/zap"
)

var (
	// ErrNotFound covers unknown, inactive, exhausted and expired codes
	ErrNotFound = errors.New("promo code not found")
	// ErrAlreadyUsed is returned when a single-use code was redeemed before
	ErrAlreadyUsed = errors.New("promo code already used")
)

// MessageKey returns the localization key describing err, or "" when err is
// not a promo validation error
func MessageKey(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "error_promocode_not_found"
	case errors.Is(err, ErrAlreadyUsed):
		return "error_promocode_already_used"
	default:
		return ""
	}
}

// Effect is what a redeemed code gives the user
type Effect enum.Member[string]

var (
	EffectGenerations = Effect{"generations"}
	EffectPercent     = Effect{"percent"}
	EffectSum         = Effect{"sum"}
)

// Activation describes a successful redemption
type Activation struct {
	Effect Effect
	Amount int
}

// MessageKey returns the localization key announcing the activation
func (a Activation) MessageKey() string {
	switch a.Effect {
	case EffectGenerations:
		return "promo_code_activated_generation"
	case EffectPercent:
		return "promo_code_activated_discount"
	default:
		return "promo_code_activated_discount_sum"
	}
}

// Params returns the template parameters for MessageKey
func (a Activation) Params() map[string]string {
	if a.Effect == EffectGenerations {
		return map[string]string{"count": strconv.Itoa(a.Amount)}
	}
	return map[string]string{"discount": strconv.Itoa(a.Amount)}
}

// Store is the persistence the promo service needs
type Store interface {
	FindPromoCode(ctx context.Context, code string) (models.PromoCode, error)
	IsPromoCodeUsed(ctx context.Context, userID, promoID int64) (bool, error)
	MarkPromoCodeUsed(ctx context.Context, userID, promoID int64) error
	ConsumePromoCode(ctx context.Context, promoID int64) error
	AddPaidCredits(ctx context.Context, id int64, count int) error
	SetDiscount(ctx context.Context, id int64, promoID *int64) error
}

// Service redeems promo codes. Redemptions are serialized so a double tap
// cannot redeem a single-use code twice.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// NewService creates a promo service
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Check validates code for userID without redeeming it
func (s *Service) Check(ctx context.Context, code string, userID int64) (models.PromoCode, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return models.PromoCode{}, ErrNotFound
	}

	promo, err := s.store.FindPromoCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return models.PromoCode{}, ErrNotFound
	}
	if err != nil {
		return models.PromoCode{}, fmt.Errorf("failed to find promo code: %w", err)
	}

	if !promo.IsActive || promo.UsesLeft <= 0 || promo.ExpiresAt.Before(s.now()) {
		return models.PromoCode{}, ErrNotFound
	}

	if !promo.IsMultiUse {
		used, err := s.store.IsPromoCodeUsed(ctx, userID, promo.ID)
		if err != nil {
			return models.PromoCode{}, fmt.Errorf("failed to check promo usage: %w", err)
		}
		if used {
			return models.PromoCode{}, ErrAlreadyUsed
		}
	}
	return promo, nil
}

// Redeem validates and activates code for userID
func (s *Service) Redeem(ctx context.Context, code string, userID int64) (Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	promo, err := s.Check(ctx, code, userID)
	if err != nil {
		return Activation{}, err
	}

	// A failed effect leaves the code unspent
	var activation Activation
	switch {
	case promo.IsAddGeneration:
		if err := s.store.AddPaidCredits(ctx, userID, promo.GenerationCount); err != nil {
			return Activation{}, fmt.Errorf("failed to add generations: %w", err)
		}
		activation = Activation{Effect: EffectGenerations, Amount: promo.GenerationCount}
	default:
		promoID := promo.ID
		if err := s.store.SetDiscount(ctx, userID, &promoID); err != nil {
			return Activation{}, fmt.Errorf("failed to set discount: %w", err)
		}
		if promo.DiscountPercentage > 0 {
			activation = Activation{Effect: EffectPercent, Amount: promo.DiscountPercentage}
		} else {
			activation = Activation{Effect: EffectSum, Amount: promo.DiscountSum}
		}
	}

	log := s.logger.With(zap.Int64("user_id", userID), zap.String("code", promo.Code))
	if err := s.store.MarkPromoCodeUsed(ctx, userID, promo.ID); err != nil {
		log.Error("Failed to mark promo code used", zap.Error(err))
	}
	if err := s.store.ConsumePromoCode(ctx, promo.ID); err != nil {
		log.Error("Failed to consume promo code", zap.Error(err))
	}

	log.Info("Promo code redeemed",
		zap.String("effect", activation.Effect.Value),
		zap.Int("amount", activation.Amount))

	return activation, nil
}
