package storage

import (
	"context"
	"errors"
	"time"

	"retouchbot/internal/models"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// Storage defines the interface for data storage operations. Updates of a
// single user row must not lose a concurrent update of the same row.
type Storage interface {
	// User operations
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	GetUser(ctx context.Context, id int64) (models.User, error)
	TouchUser(ctx context.Context, id int64, at time.Time) error
	UpdateLanguage(ctx context.Context, id int64, lang models.Language) error
	UpdateSettingsProfile(ctx context.Context, id int64, profileID int64) error
	SetDiscount(ctx context.Context, id int64, promoID *int64) error

	// Credit operations. DecrementCredit never takes a counter below zero.
	DecrementCredit(ctx context.Context, id int64, kind models.GenerationKind) error
	AddPaidCredits(ctx context.Context, id int64, count int) error

	// Settings profiles
	GetSettingsProfile(ctx context.Context, id int64) (models.SettingsProfile, error)
	DefaultSettingsProfile(ctx context.Context) (models.SettingsProfile, error)

	// Accessory catalog and per-user selection
	ListCategories(ctx context.Context) ([]models.AccessoryCategory, error)
	ListAccessories(ctx context.Context, categoryID int64) ([]models.Accessory, error)
	SelectedAccessories(ctx context.Context, userID int64) ([]models.Accessory, error)
	// AddSelectedAccessory inserts the pair unless it exists or the user
	// already has max selections. It reports whether a row was added.
	AddSelectedAccessory(ctx context.Context, userID, accessoryID int64, max int) (bool, error)
	RemoveSelectedAccessory(ctx context.Context, userID, accessoryID int64) error

	// Promo codes
	FindPromoCode(ctx context.Context, code string) (models.PromoCode, error)
	GetPromoCode(ctx context.Context, id int64) (models.PromoCode, error)
	IsPromoCodeUsed(ctx context.Context, userID, promoID int64) (bool, error)
	MarkPromoCodeUsed(ctx context.Context, userID, promoID int64) error
	// ConsumePromoCode decrements uses left and deactivates the code at zero
	ConsumePromoCode(ctx context.Context, promoID int64) error

	// Shop
	ListActiveProducts(ctx context.Context) ([]models.Product, error)
	GetProduct(ctx context.Context, id int64) (models.Product, error)
	GlobalDiscount(ctx context.Context) (int, error)
	PaymentExists(ctx context.Context, id string) (bool, error)
	CreatePayment(ctx context.Context, payment models.Payment) error

	// Misc
	RecordGeneration(ctx context.Context, gen models.Generation) error
	ListSupportContacts(ctx context.Context) ([]string, error)

	// Lifecycle
	Initialize(ctx context.Context) error
	Close() error
}
