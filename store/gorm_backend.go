package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Record is one key/value row of an object store
type Record struct {
	Store     string    `gorm:"column:store_name;primaryKey"`
	Key       string    `gorm:"column:record_key;primaryKey"`
	Value     []byte    `gorm:"column:value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Record) TableName() string {
	return "kv_records"
}

// GormBackend persists object stores in a single SQL table.
type GormBackend struct {
	db *gorm.DB
}

// NewGormBackend migrates the schema on db and wraps it.
func NewGormBackend(db *gorm.DB) (*GormBackend, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate kv_records: %w", err)
	}
	return &GormBackend{db: db}, nil
}

// OpenDatabase opens a gorm connection for the given driver ("sqlite" or "postgres").
func OpenDatabase(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	switch driver {
	case "postgres":
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return db, nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// One connection keeps in-memory databases coherent and serialises writers.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func (b *GormBackend) Transaction(ctx context.Context, mode TxMode, stores []ObjectStore, fn func(tx Tx) error) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx, scope: newTxScope(mode, stores)})
	})
}

func (b *GormBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormTx struct {
	db    *gorm.DB
	scope txScope
}

func (tx *gormTx) Get(store ObjectStore, key string) ([]byte, error) {
	if err := tx.scope.checkRead(store); err != nil {
		return nil, err
	}
	var rec Record
	err := tx.db.Where("store_name = ? AND record_key = ?", string(store), key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", store, key, err)
	}
	return rec.Value, nil
}

func (tx *gormTx) Put(store ObjectStore, key string, value []byte) error {
	if err := tx.scope.checkWrite(store); err != nil {
		return err
	}
	rec := Record{
		Store:     string(store),
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now(),
	}
	err := tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "store_name"}, {Name: "record_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", store, key, err)
	}
	return nil
}

func (tx *gormTx) Delete(store ObjectStore, key string) error {
	if err := tx.scope.checkWrite(store); err != nil {
		return err
	}
	if err := tx.db.Where("store_name = ? AND record_key = ?", string(store), key).Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", store, key, err)
	}
	return nil
}

func (tx *gormTx) Keys(store ObjectStore) ([]string, error) {
	if err := tx.scope.checkRead(store); err != nil {
		return nil, err
	}
	var keys []string
	if err := tx.db.Model(&Record{}).Where("store_name = ?", string(store)).Order("record_key").Pluck("record_key", &keys).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", store, err)
	}
	return keys, nil
}
