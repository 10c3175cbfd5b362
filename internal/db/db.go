// Package db opens the local sqlite database and migrates its schema.
package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SessionSnapshot is the single-row table holding the last mesh snapshot.
// Peers is the CBOR-encoded peer list.
type SessionSnapshot struct {
	ID        uint `gorm:"primaryKey"`
	LocalID   string
	LocalName string
	Peers     []byte
	Timestamp int64
}

// Open opens (creating if needed) the database at path. ":memory:" keeps
// everything in memory.
func Open(path string) (*gorm.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// every connection to :memory: would see its own empty database
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&SessionSnapshot{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
