package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"market_feed/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage persists ticks and the instrument universe in SQLite.
// It satisfies domain.TickStore, domain.TickConsumer and domain.UniverseSource.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the database at path and migrates it.
func NewStorage(path string) (*Storage, error) {
	// Ensure directory exists
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// between the tick consumer and universe updates.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return newStorage(db)
}

func newStorage(db *gorm.DB) (*Storage, error) {
	// Auto Migration
	if err := db.AutoMigrate(&domain.TickRecord{}, &domain.SubscribedInstrument{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Tick Operations
// ======================================================================================

// SaveTick appends one tick row.
func (s *Storage) SaveTick(ctx context.Context, tick domain.Tick) error {
	return s.db.WithContext(ctx).Create(domain.NewTickRecord(tick)).Error
}

// Consume lets the store be registered with the dispatcher.
func (s *Storage) Consume(ctx context.Context, tick domain.Tick) error {
	return s.SaveTick(ctx, tick)
}

// LatestTick returns the most recent stored tick for key, or nil if none.
func (s *Storage) LatestTick(ctx context.Context, key domain.InstrumentKey) (*domain.TickRecord, error) {
	var rec domain.TickRecord
	err := s.db.WithContext(ctx).
		Where("instrument_key = ?", string(key)).
		Order("exchange_time DESC, id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CountTicks returns how many rows are stored for key.
func (s *Storage) CountTicks(ctx context.Context, key domain.InstrumentKey) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.TickRecord{}).Where("instrument_key = ?", string(key)).Count(&n).Error
	return n, err
}

// ======================================================================================
// Universe Operations
// ======================================================================================

// UpsertInstrument creates or updates one universe row.
func (s *Storage) UpsertInstrument(ctx context.Context, inst *domain.SubscribedInstrument) error {
	return s.db.WithContext(ctx).Save(inst).Error
}

// ImportKeys marks every key active, inserting missing rows. Existing labels
// are kept. Returns the number of keys written.
func (s *Storage) ImportKeys(ctx context.Context, keys []domain.InstrumentKey) (int, error) {
	if len(keys) == 0 {
		return 0, domain.ErrEmptyUniverse
	}
	rows := make([]domain.SubscribedInstrument, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, domain.SubscribedInstrument{Key: string(k), IsActive: true})
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "instrument_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_active", "updated_at"}),
		}).
		CreateInBatches(rows, 500).Error
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// SetActive toggles whether key is part of the universe.
func (s *Storage) SetActive(ctx context.Context, key domain.InstrumentKey, active bool) error {
	res := s.db.WithContext(ctx).
		Model(&domain.SubscribedInstrument{}).
		Where("instrument_key = ?", string(key)).
		Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("instrument %s: %w", key, gorm.ErrRecordNotFound)
	}
	return nil
}

// InstrumentKeys returns the active universe ordered by key.
func (s *Storage) InstrumentKeys(ctx context.Context) ([]domain.InstrumentKey, error) {
	var raw []string
	err := s.db.WithContext(ctx).
		Model(&domain.SubscribedInstrument{}).
		Where("is_active = ?", true).
		Order("instrument_key").
		Pluck("instrument_key", &raw).Error
	if err != nil {
		return nil, err
	}
	keys := make([]domain.InstrumentKey, len(raw))
	for i, k := range raw {
		keys[i] = domain.InstrumentKey(k)
	}
	return keys, nil
}

// ListInstruments returns every universe row, active or not.
func (s *Storage) ListInstruments(ctx context.Context) ([]domain.SubscribedInstrument, error) {
	var rows []domain.SubscribedInstrument
	err := s.db.WithContext(ctx).Order("instrument_key").Find(&rows).Error
	return rows, err
}
