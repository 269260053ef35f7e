package ch

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"retouchbot/internal/models"
	"retouchbot/internal/storage"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseDB stores bot state in ClickHouse. Mutable rows live in
// ReplacingMergeTree tables: an update inserts a new row with a higher
// version and reads go through FINAL.
//
// Read-modify-insert updates of one row are serialized in process, so a
// concurrent write of the same user or promo code never resurrects a stale
// row.
type ClickHouseDB struct {
	conn clickhouse.Conn
	now  func() time.Time

	lastVersion atomic.Uint64
	userLocks   [lockStripes]sync.Mutex
	promoLocks  [lockStripes]sync.Mutex
}

const lockStripes = 64

func stripe(id int64) int {
	return int(uint64(id) % lockStripes)
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(host string, port int, database, user, password string, useTLS bool) (*ClickHouseDB, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	options := &clickhouse.Options{
		Addr:     []string{addr},
		Protocol: clickhouse.Native,
		Auth: clickhouse.Auth{
			Database: database,
			Username: user,
			Password: password,
		},
	}

	// Configure TLS if enabled
	if useTLS {
		options.TLS = &tls.Config{
			InsecureSkipVerify: false,
		}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	// Test the connection
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn, now: time.Now}, nil
}

// Initialize is a no-op - tables are managed via migrations
func (db *ClickHouseDB) Initialize(ctx context.Context) error {
	return nil
}

// version is a nanosecond timestamp, bumped past the previous one when the
// clock does not move
func (db *ClickHouseDB) version() uint64 {
	v := uint64(db.now().UnixNano())
	for {
		last := db.lastVersion.Load()
		if v <= last {
			v = last + 1
		}
		if db.lastVersion.CompareAndSwap(last, v) {
			return v
		}
	}
}

const userColumns = `id, username, full_name, language, free_generations, paid_generations,
	settings_profile_id, discount_promo_id, last_active_at, created_at`

func scanUser(row driver.Row) (models.User, error) {
	var (
		user       models.User
		lang       string
		free, paid int32
	)
	err := row.Scan(&user.ID, &user.Username, &user.FullName, &lang, &free, &paid,
		&user.SettingsProfileID, &user.DiscountPromoID, &user.LastActiveAt, &user.CreatedAt)
	if err != nil {
		return models.User{}, err
	}
	user.Language = models.ParseLanguage(lang)
	user.FreeGenerations = int(free)
	user.PaidGenerations = int(paid)
	return user, nil
}

func (db *ClickHouseDB) insertUser(ctx context.Context, user models.User) error {
	return db.conn.Exec(ctx, `INSERT INTO users (`+userColumns+`, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.FullName, user.Language.Value,
		int32(user.FreeGenerations), int32(user.PaidGenerations),
		user.SettingsProfileID, user.DiscountPromoID, user.LastActiveAt, user.CreatedAt,
		db.version())
}

// CreateUser stores a new user, falling back to the default profile
func (db *ClickHouseDB) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	lock := &db.userLocks[stripe(user.ID)]
	lock.Lock()
	defer lock.Unlock()

	if _, err := db.GetUser(ctx, user.ID); err == nil {
		return models.User{}, fmt.Errorf("user %d already exists", user.ID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return models.User{}, err
	}

	if user.SettingsProfileID == 0 {
		profile, err := db.DefaultSettingsProfile(ctx)
		if err != nil {
			return models.User{}, fmt.Errorf("failed to resolve default profile: %w", err)
		}
		user.SettingsProfileID = profile.ID
	}
	if user.Language == (models.Language{}) {
		user.Language = models.LanguageEN
	}
	now := db.now().UTC().Truncate(time.Second)
	user.CreatedAt = now
	user.LastActiveAt = now

	if err := db.insertUser(ctx, user); err != nil {
		return models.User{}, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUser returns a user by Telegram ID
func (db *ClickHouseDB) GetUser(ctx context.Context, id int64) (models.User, error) {
	row := db.conn.QueryRow(ctx, `SELECT `+userColumns+` FROM users FINAL WHERE id = ?`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, storage.ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// updateUser is a read-modify-insert; the newest version wins on merge
func (db *ClickHouseDB) updateUser(ctx context.Context, id int64, fn func(*models.User)) error {
	lock := &db.userLocks[stripe(id)]
	lock.Lock()
	defer lock.Unlock()

	user, err := db.GetUser(ctx, id)
	if err != nil {
		return err
	}
	fn(&user)
	if err := db.insertUser(ctx, user); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// TouchUser moves the last active timestamp forward, never back
func (db *ClickHouseDB) TouchUser(ctx context.Context, id int64, at time.Time) error {
	at = at.UTC()
	return db.updateUser(ctx, id, func(u *models.User) {
		if at.After(u.LastActiveAt) {
			u.LastActiveAt = at
		}
	})
}

// UpdateLanguage changes the interface language
func (db *ClickHouseDB) UpdateLanguage(ctx context.Context, id int64, lang models.Language) error {
	return db.updateUser(ctx, id, func(u *models.User) { u.Language = lang })
}

// UpdateSettingsProfile changes the retouch profile used for paid jobs
func (db *ClickHouseDB) UpdateSettingsProfile(ctx context.Context, id int64, profileID int64) error {
	if _, err := db.GetSettingsProfile(ctx, profileID); err != nil {
		return err
	}
	return db.updateUser(ctx, id, func(u *models.User) { u.SettingsProfileID = profileID })
}

// SetDiscount attaches or clears the personal discount promo code
func (db *ClickHouseDB) SetDiscount(ctx context.Context, id int64, promoID *int64) error {
	return db.updateUser(ctx, id, func(u *models.User) { u.DiscountPromoID = promoID })
}

// DecrementCredit takes one generation from the counter of the given kind
func (db *ClickHouseDB) DecrementCredit(ctx context.Context, id int64, kind models.GenerationKind) error {
	return db.updateUser(ctx, id, func(u *models.User) {
		switch kind {
		case models.GenerationPaid:
			u.PaidGenerations = max(0, u.PaidGenerations-1)
		case models.GenerationFree:
			u.FreeGenerations = max(0, u.FreeGenerations-1)
		}
	})
}

// AddPaidCredits grants paid generations
func (db *ClickHouseDB) AddPaidCredits(ctx context.Context, id int64, count int) error {
	return db.updateUser(ctx, id, func(u *models.User) { u.PaidGenerations += count })
}

func (db *ClickHouseDB) querySettingsProfile(ctx context.Context, where string, args ...any) (models.SettingsProfile, error) {
	var p models.SettingsProfile
	err := db.conn.QueryRow(ctx, `SELECT id, name, payload, is_default FROM settings_profiles FINAL WHERE `+where+` ORDER BY id LIMIT 1`, args...).
		Scan(&p.ID, &p.Name, &p.Payload, &p.IsDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SettingsProfile{}, storage.ErrNotFound
	}
	if err != nil {
		return models.SettingsProfile{}, fmt.Errorf("failed to get settings profile: %w", err)
	}
	return p, nil
}

// GetSettingsProfile returns a profile by ID
func (db *ClickHouseDB) GetSettingsProfile(ctx context.Context, id int64) (models.SettingsProfile, error) {
	return db.querySettingsProfile(ctx, `id = ?`, id)
}

// DefaultSettingsProfile returns the profile used for free jobs
func (db *ClickHouseDB) DefaultSettingsProfile(ctx context.Context) (models.SettingsProfile, error) {
	return db.querySettingsProfile(ctx, `is_default = true`)
}

// ListCategories returns categories ordered by ID
func (db *ClickHouseDB) ListCategories(ctx context.Context) ([]models.AccessoryCategory, error) {
	rows, err := db.conn.Query(ctx, `SELECT id, name FROM accessory_categories FINAL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var categories []models.AccessoryCategory
	for rows.Next() {
		var c models.AccessoryCategory
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func scanAccessories(rows driver.Rows) ([]models.Accessory, error) {
	defer rows.Close()

	var accessories []models.Accessory
	for rows.Next() {
		var a models.Accessory
		if err := rows.Scan(&a.ID, &a.Name, &a.PhotoURL, &a.CategoryID); err != nil {
			return nil, fmt.Errorf("failed to scan accessory: %w", err)
		}
		accessories = append(accessories, a)
	}
	return accessories, rows.Err()
}

// ListAccessories returns accessories of a category ordered by ID
func (db *ClickHouseDB) ListAccessories(ctx context.Context, categoryID int64) ([]models.Accessory, error) {
	rows, err := db.conn.Query(ctx, `SELECT id, name, photo_url, category_id
		FROM accessories FINAL WHERE category_id = ? ORDER BY id`, categoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accessories: %w", err)
	}
	return scanAccessories(rows)
}

// SelectedAccessories returns the user's selection in insertion order
func (db *ClickHouseDB) SelectedAccessories(ctx context.Context, userID int64) ([]models.Accessory, error) {
	rows, err := db.conn.Query(ctx, `SELECT a.id, a.name, a.photo_url, a.category_id
		FROM selected_accessories AS s
		INNER JOIN (SELECT id, name, photo_url, category_id FROM accessories FINAL) AS a ON a.id = s.accessory_id
		WHERE s.user_id = ?
		ORDER BY s.created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list selected accessories: %w", err)
	}
	return scanAccessories(rows)
}

// AddSelectedAccessory adds an accessory unless present or at the cap
func (db *ClickHouseDB) AddSelectedAccessory(ctx context.Context, userID, accessoryID int64, limit int) (bool, error) {
	var exists uint64
	if err := db.conn.QueryRow(ctx, `SELECT count() FROM accessories FINAL WHERE id = ?`, accessoryID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check accessory: %w", err)
	}
	if exists == 0 {
		return false, storage.ErrNotFound
	}

	selected, err := db.SelectedAccessories(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(selected) >= limit {
		return false, nil
	}
	for _, a := range selected {
		if a.ID == accessoryID {
			return false, nil
		}
	}

	err = db.conn.Exec(ctx, `INSERT INTO selected_accessories (user_id, accessory_id, created_at) VALUES (?, ?, ?)`,
		userID, accessoryID, db.now())
	if err != nil {
		return false, fmt.Errorf("failed to add selected accessory: %w", err)
	}
	return true, nil
}

// RemoveSelectedAccessory removes an accessory from the selection
func (db *ClickHouseDB) RemoveSelectedAccessory(ctx context.Context, userID, accessoryID int64) error {
	err := db.conn.Exec(ctx, `DELETE FROM selected_accessories WHERE user_id = ? AND accessory_id = ?`,
		userID, accessoryID)
	if err != nil {
		return fmt.Errorf("failed to remove selected accessory: %w", err)
	}
	return nil
}

const promoColumns = `id, code, is_active, uses_left, expires_at, is_multi_use, is_add_generation,
	generation_count, discount_percentage, discount_sum`

func (db *ClickHouseDB) queryPromoCode(ctx context.Context, where string, arg any) (models.PromoCode, error) {
	var (
		p                               models.PromoCode
		usesLeft, count, percent, fixed int32
	)
	err := db.conn.QueryRow(ctx, `SELECT `+promoColumns+` FROM promo_codes FINAL WHERE `+where+` LIMIT 1`, arg).
		Scan(&p.ID, &p.Code, &p.IsActive, &usesLeft, &p.ExpiresAt, &p.IsMultiUse, &p.IsAddGeneration,
			&count, &percent, &fixed)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PromoCode{}, storage.ErrNotFound
	}
	if err != nil {
		return models.PromoCode{}, fmt.Errorf("failed to get promo code: %w", err)
	}
	p.UsesLeft = int(usesLeft)
	p.GenerationCount = int(count)
	p.DiscountPercentage = int(percent)
	p.DiscountSum = int(fixed)
	return p, nil
}

// FindPromoCode looks a code up regardless of its state
func (db *ClickHouseDB) FindPromoCode(ctx context.Context, code string) (models.PromoCode, error) {
	return db.queryPromoCode(ctx, `lower(code) = ?`, strings.ToLower(code))
}

// GetPromoCode returns a promo code by ID
func (db *ClickHouseDB) GetPromoCode(ctx context.Context, id int64) (models.PromoCode, error) {
	return db.queryPromoCode(ctx, `id = ?`, id)
}

// IsPromoCodeUsed reports whether the user already redeemed the code
func (db *ClickHouseDB) IsPromoCodeUsed(ctx context.Context, userID, promoID int64) (bool, error) {
	var count uint64
	err := db.conn.QueryRow(ctx, `SELECT count() FROM used_promo_codes WHERE user_id = ? AND promo_code_id = ?`,
		userID, promoID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check promo usage: %w", err)
	}
	return count > 0, nil
}

// MarkPromoCodeUsed records a redemption
func (db *ClickHouseDB) MarkPromoCodeUsed(ctx context.Context, userID, promoID int64) error {
	err := db.conn.Exec(ctx, `INSERT INTO used_promo_codes (user_id, promo_code_id, used_at) VALUES (?, ?, ?)`,
		userID, promoID, db.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark promo code used: %w", err)
	}
	return nil
}

// ConsumePromoCode decrements uses left and deactivates an exhausted code
func (db *ClickHouseDB) ConsumePromoCode(ctx context.Context, promoID int64) error {
	lock := &db.promoLocks[stripe(promoID)]
	lock.Lock()
	defer lock.Unlock()

	p, err := db.GetPromoCode(ctx, promoID)
	if err != nil {
		return err
	}
	p.UsesLeft--
	p.IsActive = p.UsesLeft > 0
	return db.InsertPromoCode(ctx, p)
}

// InsertPromoCode writes a new version of a promo code row
func (db *ClickHouseDB) InsertPromoCode(ctx context.Context, p models.PromoCode) error {
	err := db.conn.Exec(ctx, `INSERT INTO promo_codes (`+promoColumns+`, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Code, p.IsActive, int32(p.UsesLeft), p.ExpiresAt.UTC(), p.IsMultiUse, p.IsAddGeneration,
		int32(p.GenerationCount), int32(p.DiscountPercentage), int32(p.DiscountSum), db.version())
	if err != nil {
		return fmt.Errorf("failed to write promo code: %w", err)
	}
	return nil
}

// ListActiveProducts returns active products ordered by price
func (db *ClickHouseDB) ListActiveProducts(ctx context.Context) ([]models.Product, error) {
	rows, err := db.conn.Query(ctx, `SELECT id, name, price, generation_count, is_active
		FROM products FINAL WHERE is_active = true ORDER BY price, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var (
			p            models.Product
			price, count int32
		)
		if err := rows.Scan(&p.ID, &p.Name, &price, &count, &p.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		p.Price = int(price)
		p.GenerationCount = int(count)
		products = append(products, p)
	}
	return products, rows.Err()
}

// GetProduct returns a product by ID
func (db *ClickHouseDB) GetProduct(ctx context.Context, id int64) (models.Product, error) {
	var (
		p            models.Product
		price, count int32
	)
	err := db.conn.QueryRow(ctx, `SELECT id, name, price, generation_count, is_active FROM products FINAL WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &price, &count, &p.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Product{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Product{}, fmt.Errorf("failed to get product: %w", err)
	}
	p.Price = int(price)
	p.GenerationCount = int(count)
	return p, nil
}

// GlobalDiscount returns the most recent shop-wide discount, zero when unset
func (db *ClickHouseDB) GlobalDiscount(ctx context.Context) (int, error) {
	var percent int32
	err := db.conn.QueryRow(ctx, `SELECT percentage FROM discount ORDER BY updated_at DESC LIMIT 1`).Scan(&percent)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get global discount: %w", err)
	}
	return int(percent), nil
}

// PaymentExists reports whether an invoice has already been recorded
func (db *ClickHouseDB) PaymentExists(ctx context.Context, id string) (bool, error) {
	var count uint64
	if err := db.conn.QueryRow(ctx, `SELECT count() FROM payments WHERE id = ?`, id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check payment: %w", err)
	}
	return count > 0, nil
}

// CreatePayment stores a confirmed payment
func (db *ClickHouseDB) CreatePayment(ctx context.Context, payment models.Payment) error {
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = db.now()
	}
	err := db.conn.Exec(ctx, `INSERT INTO payments (id, user_id, product_id, amount, generation_count, promo_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		payment.ID, payment.UserID, payment.ProductID, int32(payment.Amount), int32(payment.GenerationCount),
		payment.PromoCode, payment.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// RecordGeneration stores a submitted job
func (db *ClickHouseDB) RecordGeneration(ctx context.Context, gen models.Generation) error {
	if gen.CreatedAt.IsZero() {
		gen.CreatedAt = db.now()
	}
	err := db.conn.Exec(ctx, `INSERT INTO generations (user_id, kind, job_id, created_at) VALUES (?, ?, ?, ?)`,
		gen.UserID, gen.Kind.Value, gen.JobID, gen.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record generation: %w", err)
	}
	return nil
}

// ListSupportContacts returns support contact lines
func (db *ClickHouseDB) ListSupportContacts(ctx context.Context) ([]string, error) {
	rows, err := db.conn.Query(ctx, `SELECT info FROM support_contacts ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to list support contacts: %w", err)
	}
	defer rows.Close()

	var contacts []string
	for rows.Next() {
		var info string
		if err := rows.Scan(&info); err != nil {
			return nil, fmt.Errorf("failed to scan support contact: %w", err)
		}
		contacts = append(contacts, info)
	}
	return contacts, rows.Err()
}

// Close closes the database connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
