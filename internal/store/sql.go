package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// ErrUnsupportedDriver is returned by Open for unknown drivers.
var ErrUnsupportedDriver = errors.New("unsupported store driver")

// SQLStore persists ledger state through GORM.
type SQLStore struct {
	db *gorm.DB
}

// Open returns the store for driver. "memory" needs no DSN; "sqlite" takes a
// file path or any DSN the SQLite driver accepts.
func Open(driver, dsn string) (Store, error) {
	switch strings.ToLower(driver) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		return OpenSQLite(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
}

// OpenSQLite opens or creates a SQLite database at dsn and migrates it.
func OpenSQLite(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{TablePrefix: "ledger_"},
		Logger:         logger.Default.LogMode(logger.Silent),
		PrepareStmt:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an open database and migrates the ledger tables.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&ActivationRecord{}, &StatusRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger tables: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) LoadActivations(ctx context.Context) ([]ActivationRecord, error) {
	var out []ActivationRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to load activations: %w", err)
	}
	return out, nil
}

func (s *SQLStore) UpsertActivations(ctx context.Context, records ...ActivationRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"license_version", "expiration", "key_expiration", "parameters", "removed", "updated_at"}),
		}).
		Create(&records).Error
	if err != nil {
		return fmt.Errorf("failed to upsert activations: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteActivation(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&ActivationRecord{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete activation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CountActivations(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&ActivationRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count activations: %w", err)
	}
	return n, nil
}

func (s *SQLStore) LoadStatuses(ctx context.Context) ([]StatusRecord, error) {
	var out []StatusRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to load statuses: %w", err)
	}
	return out, nil
}

func (s *SQLStore) UpsertStatuses(ctx context.Context, records ...StatusRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&records).Error
	if err != nil {
		return fmt.Errorf("failed to upsert statuses: %w", err)
	}
	return nil
}

func (s *SQLStore) CountStatuses(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&StatusRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count statuses: %w", err)
	}
	return n, nil
}

// Close releases the database connection.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
