package stubs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"retouchbot/internal/models"
	"retouchbot/internal/storage"
)

type usedKey struct {
	userID  int64
	promoID int64
}

// MockDB is an in-memory implementation of the Storage interface for testing
type MockDB struct {
	mu             sync.RWMutex
	users          map[int64]models.User
	profiles       map[int64]models.SettingsProfile
	categories     map[int64]models.AccessoryCategory
	accessories    map[int64]models.Accessory
	selected       map[int64][]int64
	promoCodes     map[int64]models.PromoCode
	usedPromoCodes map[usedKey]time.Time
	products       map[int64]models.Product
	payments       []models.Payment
	generations    []models.Generation
	support        []string
	globalDiscount int
	nextPromoID    int64
}

// NewMockDB creates a new mock database
func NewMockDB() *MockDB {
	return &MockDB{
		users:          make(map[int64]models.User),
		profiles:       make(map[int64]models.SettingsProfile),
		categories:     make(map[int64]models.AccessoryCategory),
		accessories:    make(map[int64]models.Accessory),
		selected:       make(map[int64][]int64),
		promoCodes:     make(map[int64]models.PromoCode),
		usedPromoCodes: make(map[usedKey]time.Time),
		products:       make(map[int64]models.Product),
	}
}

// Initialize seeds the retouch profiles every deployment needs
func (m *MockDB) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.profiles[1] = models.SettingsProfile{ID: 1, Name: "light", Payload: `{"mode":"light"}`, IsDefault: true}
	m.profiles[2] = models.SettingsProfile{ID: 2, Name: "medium", Payload: `{"mode":"medium"}`}
	m.profiles[3] = models.SettingsProfile{ID: 3, Name: "hard", Payload: `{"mode":"hard"}`}

	return nil
}

// CreateUser stores a new user, falling back to the default profile
func (m *MockDB) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.ID]; ok {
		return models.User{}, fmt.Errorf("user %d already exists", user.ID)
	}
	if user.SettingsProfileID == 0 {
		for _, p := range m.profiles {
			if p.IsDefault {
				user.SettingsProfileID = p.ID
			}
		}
	}
	if user.Language == (models.Language{}) {
		user.Language = models.LanguageEN
	}
	now := time.Now()
	user.CreatedAt = now
	user.LastActiveAt = now
	m.users[user.ID] = user
	return user, nil
}

// GetUser returns a user by Telegram ID
func (m *MockDB) GetUser(ctx context.Context, id int64) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return models.User{}, storage.ErrNotFound
	}
	return user, nil
}

func (m *MockDB) updateUser(id int64, fn func(*models.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(&user)
	m.users[id] = user
	return nil
}

// TouchUser moves the last active timestamp forward, never back
func (m *MockDB) TouchUser(ctx context.Context, id int64, at time.Time) error {
	return m.updateUser(id, func(u *models.User) {
		if at.After(u.LastActiveAt) {
			u.LastActiveAt = at
		}
	})
}

// UpdateLanguage changes the interface language
func (m *MockDB) UpdateLanguage(ctx context.Context, id int64, lang models.Language) error {
	return m.updateUser(id, func(u *models.User) { u.Language = lang })
}

// UpdateSettingsProfile changes the retouch profile used for paid jobs
func (m *MockDB) UpdateSettingsProfile(ctx context.Context, id int64, profileID int64) error {
	m.mu.RLock()
	_, ok := m.profiles[profileID]
	m.mu.RUnlock()
	if !ok {
		return storage.ErrNotFound
	}
	return m.updateUser(id, func(u *models.User) { u.SettingsProfileID = profileID })
}

// SetDiscount attaches or clears the personal discount promo code
func (m *MockDB) SetDiscount(ctx context.Context, id int64, promoID *int64) error {
	return m.updateUser(id, func(u *models.User) { u.DiscountPromoID = promoID })
}

// DecrementCredit takes one generation from the counter of the given kind
func (m *MockDB) DecrementCredit(ctx context.Context, id int64, kind models.GenerationKind) error {
	return m.updateUser(id, func(u *models.User) {
		switch kind {
		case models.GenerationPaid:
			u.PaidGenerations = max(0, u.PaidGenerations-1)
		case models.GenerationFree:
			u.FreeGenerations = max(0, u.FreeGenerations-1)
		}
	})
}

// AddPaidCredits grants paid generations
func (m *MockDB) AddPaidCredits(ctx context.Context, id int64, count int) error {
	return m.updateUser(id, func(u *models.User) { u.PaidGenerations += count })
}

// GetSettingsProfile returns a profile by ID
func (m *MockDB) GetSettingsProfile(ctx context.Context, id int64) (models.SettingsProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[id]
	if !ok {
		return models.SettingsProfile{}, storage.ErrNotFound
	}
	return p, nil
}

// DefaultSettingsProfile returns the profile used for free jobs
func (m *MockDB) DefaultSettingsProfile(ctx context.Context) (models.SettingsProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.profiles {
		if p.IsDefault {
			return p, nil
		}
	}
	return models.SettingsProfile{}, storage.ErrNotFound
}

// ListCategories returns categories ordered by ID
func (m *MockDB) ListCategories(ctx context.Context) ([]models.AccessoryCategory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	categories := make([]models.AccessoryCategory, 0, len(m.categories))
	for _, c := range m.categories {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool {
		return categories[i].ID < categories[j].ID
	})
	return categories, nil
}

// ListAccessories returns accessories of a category ordered by ID
func (m *MockDB) ListAccessories(ctx context.Context, categoryID int64) ([]models.Accessory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var accessories []models.Accessory
	for _, a := range m.accessories {
		if a.CategoryID == categoryID {
			accessories = append(accessories, a)
		}
	}
	sort.Slice(accessories, func(i, j int) bool {
		return accessories[i].ID < accessories[j].ID
	})
	return accessories, nil
}

// SelectedAccessories returns the user's selection in insertion order
func (m *MockDB) SelectedAccessories(ctx context.Context, userID int64) ([]models.Accessory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Accessory
	for _, id := range m.selected[userID] {
		if a, ok := m.accessories[id]; ok {
			result = append(result, a)
		}
	}
	return result, nil
}

// AddSelectedAccessory adds an accessory unless present or at the cap
func (m *MockDB) AddSelectedAccessory(ctx context.Context, userID, accessoryID int64, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accessories[accessoryID]; !ok {
		return false, storage.ErrNotFound
	}
	current := m.selected[userID]
	for _, id := range current {
		if id == accessoryID {
			return false, nil
		}
	}
	if len(current) >= limit {
		return false, nil
	}
	m.selected[userID] = append(current, accessoryID)
	return true, nil
}

// RemoveSelectedAccessory removes an accessory from the selection
func (m *MockDB) RemoveSelectedAccessory(ctx context.Context, userID, accessoryID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.selected[userID]
	kept := current[:0]
	for _, id := range current {
		if id != accessoryID {
			kept = append(kept, id)
		}
	}
	m.selected[userID] = kept
	return nil
}

// FindPromoCode looks a code up regardless of its state
func (m *MockDB) FindPromoCode(ctx context.Context, code string) (models.PromoCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.promoCodes {
		if strings.EqualFold(p.Code, code) {
			return p, nil
		}
	}
	return models.PromoCode{}, storage.ErrNotFound
}

// GetPromoCode returns a promo code by ID
func (m *MockDB) GetPromoCode(ctx context.Context, id int64) (models.PromoCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.promoCodes[id]
	if !ok {
		return models.PromoCode{}, storage.ErrNotFound
	}
	return p, nil
}

// IsPromoCodeUsed reports whether the user already redeemed the code
func (m *MockDB) IsPromoCodeUsed(ctx context.Context, userID, promoID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.usedPromoCodes[usedKey{userID, promoID}]
	return ok, nil
}

// MarkPromoCodeUsed records a redemption
func (m *MockDB) MarkPromoCodeUsed(ctx context.Context, userID, promoID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usedPromoCodes[usedKey{userID, promoID}] = time.Now()
	return nil
}

// ConsumePromoCode decrements uses left and deactivates an exhausted code
func (m *MockDB) ConsumePromoCode(ctx context.Context, promoID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.promoCodes[promoID]
	if !ok {
		return storage.ErrNotFound
	}
	p.UsesLeft--
	p.IsActive = p.UsesLeft > 0
	m.promoCodes[promoID] = p
	return nil
}

// ListActiveProducts returns active products ordered by price
func (m *MockDB) ListActiveProducts(ctx context.Context) ([]models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var products []models.Product
	for _, p := range m.products {
		if p.IsActive {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].Price != products[j].Price {
			return products[i].Price < products[j].Price
		}
		return products[i].ID < products[j].ID
	})
	return products, nil
}

// GetProduct returns a product by ID
func (m *MockDB) GetProduct(ctx context.Context, id int64) (models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[id]
	if !ok {
		return models.Product{}, storage.ErrNotFound
	}
	return p, nil
}

// GlobalDiscount returns the shop-wide discount percentage
func (m *MockDB) GlobalDiscount(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.globalDiscount, nil
}

// PaymentExists reports whether an invoice has already been recorded
func (m *MockDB) PaymentExists(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payments {
		if p.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// CreatePayment stores a confirmed payment
func (m *MockDB) CreatePayment(ctx context.Context, payment models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now()
	}
	m.payments = append(m.payments, payment)
	return nil
}

// RecordGeneration stores a submitted job
func (m *MockDB) RecordGeneration(ctx context.Context, gen models.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen.CreatedAt.IsZero() {
		gen.CreatedAt = time.Now()
	}
	m.generations = append(m.generations, gen)
	return nil
}

// ListSupportContacts returns support contact lines
func (m *MockDB) ListSupportContacts(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]string(nil), m.support...), nil
}

// Close does nothing for mock DB
func (m *MockDB) Close() error {
	return nil
}

// Seeding helpers used by tests and USE_MOCK_DB deployments

// AddCategory inserts an accessory category
func (m *MockDB) AddCategory(c models.AccessoryCategory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[c.ID] = c
}

// AddAccessory inserts an accessory
func (m *MockDB) AddAccessory(a models.Accessory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessories[a.ID] = a
}

// AddProduct inserts a product
func (m *MockDB) AddProduct(p models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

// AddPromoCode inserts a promo code, assigning an ID when missing
func (m *MockDB) AddPromoCode(p models.PromoCode) models.PromoCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		m.nextPromoID++
		p.ID = m.nextPromoID
	}
	m.promoCodes[p.ID] = p
	return p
}

// SetGlobalDiscount sets the shop-wide discount percentage
func (m *MockDB) SetGlobalDiscount(percent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalDiscount = percent
}

// AddSupportContact appends a support contact line
func (m *MockDB) AddSupportContact(info string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.support = append(m.support, info)
}

// Payments returns stored payments
func (m *MockDB) Payments() []models.Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Payment(nil), m.payments...)
}

// Generations returns recorded generations
func (m *MockDB) Generations() []models.Generation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Generation(nil), m.generations...)
}
