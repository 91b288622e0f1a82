package localstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// entry is a single persisted key/value pair.
type entry struct {
	Key   string `gorm:"primaryKey"`
	Value string `gorm:"not null"`
}

func (entry) TableName() string { return "local_entries" }

// Store is the on-disk key/value storage that outlives the process,
// the terminal equivalent of browser local storage.
type Store struct {
	db *gorm.DB
}

// Open creates (if needed) and opens the SQLite file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open local storage: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := db.AutoMigrate(&entry{}); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("failed to initialize local storage schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Get returns the value stored under key. ok is false when the key is absent.
func (s *Store) Get(key string) (value string, ok bool, err error) {
	var e entry
	err = s.db.Where("key = ?", key).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return e.Value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key, value string) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&entry{Key: key, Value: value}).Error
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.db.Where("key = ?", key).Delete(&entry{}).Error
}

// Keys lists every stored key in order.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.Model(&entry{}).Order("key").Pluck("key", &keys).Error
	return keys, err
}

// Clear drops every entry and returns how many were removed.
func (s *Store) Clear() (int64, error) {
	res := s.db.Where("1 = 1").Delete(&entry{})
	return res.RowsAffected, res.Error
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return closeDB(s.db)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
