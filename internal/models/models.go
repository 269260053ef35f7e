package models

import (
	"time"

	"github.com/orsinium-labs/enum"
)

// MaxAccessories is the number of accessories a user may have selected at once
const MaxAccessories = 2

// Language of the bot interface for a user
type Language enum.Member[string]

var (
	LanguageEN = Language{"EN"}
	LanguageRU = Language{"RU"}
	Languages  = enum.New(LanguageEN, LanguageRU)
)

// ParseLanguage maps a stored or user supplied code to a Language, defaulting to EN
func ParseLanguage(code string) Language {
	if lang := Languages.Parse(code); lang != nil {
		return *lang
	}
	return LanguageEN
}

// GenerationKind tells which credit counter paid for a retouch job
type GenerationKind enum.Member[string]

var (
	GenerationFree = GenerationKind{"FREE"}
	GenerationPaid = GenerationKind{"PAID"}
)

// User represents a bot user. ID is the Telegram user ID.
type User struct {
	ID                int64
	Username          string
	FullName          string
	Language          Language
	FreeGenerations   int
	PaidGenerations   int
	SettingsProfileID int64
	DiscountPromoID   *int64
	LastActiveAt      time.Time
	CreatedAt         time.Time
}

// NextGenerationKind picks the credit a new job is charged to; paid credits win
func (u User) NextGenerationKind() (GenerationKind, bool) {
	switch {
	case u.PaidGenerations > 0:
		return GenerationPaid, true
	case u.FreeGenerations > 0:
		return GenerationFree, true
	default:
		return GenerationKind{}, false
	}
}

// SettingsProfile is a named retouch settings payload sent to the processor
type SettingsProfile struct {
	ID        int64
	Name      string
	Payload   string
	IsDefault bool
}

// AccessoryCategory groups accessories for paged selection
type AccessoryCategory struct {
	ID   int64
	Name string
}

// Accessory is an overlay image ("vial") that can be composed onto a result
type Accessory struct {
	ID         int64
	Name       string
	PhotoURL   string
	CategoryID int64
}

// Product is a purchasable pack of paid generations
type Product struct {
	ID              int64
	Name            string
	Price           int
	GenerationCount int
	IsActive        bool
}

// PromoCode grants either generations or a personal discount
type PromoCode struct {
	ID                 int64
	Code               string
	IsActive           bool
	UsesLeft           int
	ExpiresAt          time.Time
	IsMultiUse         bool
	IsAddGeneration    bool
	GenerationCount    int
	DiscountPercentage int
	DiscountSum        int
}

// Payment is a confirmed purchase reported by the payment gateway
type Payment struct {
	ID              string
	UserID          int64
	ProductID       int64
	Amount          int
	GenerationCount int
	PromoCode       string
	CreatedAt       time.Time
}

// Generation records a submitted retouch job
type Generation struct {
	UserID    int64
	Kind      GenerationKind
	JobID     string
	CreatedAt time.Time
}
