package database

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-core/internal/database/migrations"
)

// pragmas applied to every connection. Write transactions take the lock
// up front so concurrent market rounds queue instead of failing on upgrade.
const pragmas = "_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on"

// DSN returns the sqlite connection string for path
func DSN(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}
	return "file:" + path + "?" + pragmas
}

// NewDatabase opens the database at path and runs all migrations
func NewDatabase(path string, debug bool) (*gorm.DB, error) {
	db, err := Open(path, debug)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Open opens the database without migrating it
func Open(path string, debug bool) (*gorm.DB, error) {
	level := logger.Warn
	if debug {
		level = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(DSN(path)), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return db, nil
}

// Migrate brings the schema up to date
func Migrate(db *gorm.DB) error {
	steps := []struct {
		name string
		run  func(*gorm.DB) error
	}{
		{"001_create_core_tables", migrations.CreateCoreTables},
		{"002_add_settlement_state", migrations.AddSettlementState},
	}

	for _, step := range steps {
		if err := step.run(db); err != nil {
			return fmt.Errorf("failed to run migration %s: %w", step.name, err)
		}
		log.Debug().Str("migration", step.name).Msg("migration applied")
	}

	return nil
}
