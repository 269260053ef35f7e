package promo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"retouchbot/internal/models"
	"retouchbot/internal/storage/stubs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T) (*Service, *stubs.MockDB) {
	t.Helper()

	db := stubs.NewMockDB()
	require.NoError(t, db.Initialize(context.Background()))
	_, err := db.CreateUser(context.Background(), models.User{ID: 1})
	require.NoError(t, err)
	return NewService(db, zap.NewNop()), db
}

func TestService_RedeemGenerations(t *testing.T) {
	svc, db := setup(t)
	ctx := context.Background()

	db.AddPromoCode(models.PromoCode{
		Code: "GIFT5", IsActive: true, UsesLeft: 10, ExpiresAt: time.Now().Add(time.Hour),
		IsAddGeneration: true, GenerationCount: 5,
	})

	activation, err := svc.Redeem(ctx, " GIFT5 ", 1)
	require.NoError(t, err)
	assert.Equal(t, EffectGenerations, activation.Effect)
	assert.Equal(t, "promo_code_activated_generation", activation.MessageKey())
	assert.Equal(t, map[string]string{"count": "5"}, activation.Params())

	user, _ := db.GetUser(ctx, 1)
	assert.Equal(t, 5, user.PaidGenerations)

	_, err = svc.Redeem(ctx, "GIFT5", 1)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
	assert.Equal(t, "error_promocode_already_used", MessageKey(err))
}

func TestService_RedeemDiscount(t *testing.T) {
	svc, db := setup(t)
	ctx := context.Background()

	percent := db.AddPromoCode(models.PromoCode{
		Code: "TEN", IsActive: true, UsesLeft: 1, ExpiresAt: time.Now().Add(time.Hour), DiscountPercentage: 10,
	})

	activation, err := svc.Redeem(ctx, "TEN", 1)
	require.NoError(t, err)
	assert.Equal(t, EffectPercent, activation.Effect)
	assert.Equal(t, "promo_code_activated_discount", activation.MessageKey())

	user, _ := db.GetUser(ctx, 1)
	require.NotNil(t, user.DiscountPromoID)
	assert.Equal(t, percent.ID, *user.DiscountPromoID)

	p, _ := db.GetPromoCode(ctx, percent.ID)
	assert.False(t, p.IsActive, "last use deactivates the code")

	db.AddPromoCode(models.PromoCode{
		Code: "MINUS50", IsActive: true, UsesLeft: 3, ExpiresAt: time.Now().Add(time.Hour), DiscountSum: 50,
	})
	activation, err = svc.Redeem(ctx, "MINUS50", 1)
	require.NoError(t, err)
	assert.Equal(t, EffectSum, activation.Effect)
	assert.Equal(t, map[string]string{"discount": "50"}, activation.Params())
}

func TestService_CheckRejects(t *testing.T) {
	svc, db := setup(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	db.AddPromoCode(models.PromoCode{Code: "OFF", IsActive: false, UsesLeft: 5, ExpiresAt: future})
	db.AddPromoCode(models.PromoCode{Code: "EMPTY", IsActive: true, UsesLeft: 0, ExpiresAt: future})
	db.AddPromoCode(models.PromoCode{Code: "OLD", IsActive: true, UsesLeft: 5, ExpiresAt: time.Now().Add(-time.Hour)})

	for _, code := range []string{"", "NOPE", "OFF", "EMPTY", "OLD"} {
		t.Run(code, func(t *testing.T) {
			_, err := svc.Check(ctx, code, 1)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.Equal(t, "error_promocode_not_found", MessageKey(err))
		})
	}
}

func TestService_MultiUse(t *testing.T) {
	svc, db := setup(t)
	ctx := context.Background()

	db.AddPromoCode(models.PromoCode{
		Code: "AGAIN", IsActive: true, UsesLeft: 5, ExpiresAt: time.Now().Add(time.Hour),
		IsMultiUse: true, IsAddGeneration: true, GenerationCount: 1,
	})

	for i := 0; i < 3; i++ {
		_, err := svc.Redeem(ctx, "AGAIN", 1)
		require.NoError(t, err)
	}
	user, _ := db.GetUser(ctx, 1)
	assert.Equal(t, 3, user.PaidGenerations)
}

func TestService_ConcurrentRedeem(t *testing.T) {
	svc, db := setup(t)
	ctx := context.Background()

	db.AddPromoCode(models.PromoCode{
		Code: "ONCE", IsActive: true, UsesLeft: 100, ExpiresAt: time.Now().Add(time.Hour),
		IsAddGeneration: true, GenerationCount: 2,
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Redeem(ctx, "ONCE", 1)
		}()
	}
	wg.Wait()

	user, _ := db.GetUser(ctx, 1)
	assert.Equal(t, 2, user.PaidGenerations)
}

func TestMessageKey_Unknown(t *testing.T) {
	assert.Empty(t, MessageKey(assert.AnError))
}

// failingCredits is a store that cannot grant generations
type failingCredits struct {
	*stubs.MockDB
}

func (failingCredits) AddPaidCredits(ctx context.Context, id int64, count int) error {
	return errors.New("storage unavailable")
}

func TestService_FailedEffectLeavesCodeUnspent(t *testing.T) {
	_, db := setup(t)
	svc := NewService(failingCredits{db}, zap.NewNop())
	ctx := context.Background()

	promo := db.AddPromoCode(models.PromoCode{
		Code: "GIFT5", IsActive: true, UsesLeft: 1, ExpiresAt: time.Now().Add(time.Hour),
		IsAddGeneration: true, GenerationCount: 5,
	})

	_, err := svc.Redeem(ctx, "GIFT5", 1)
	require.Error(t, err)

	used, err := db.IsPromoCodeUsed(ctx, 1, promo.ID)
	require.NoError(t, err)
	assert.False(t, used)
	got, err := db.GetPromoCode(ctx, promo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsesLeft)

	// Once storage recovers the same code still works
	activation, err := NewService(db, zap.NewNop()).Redeem(ctx, "GIFT5", 1)
	require.NoError(t, err)
	assert.Equal(t, 5, activation.Amount)
}
