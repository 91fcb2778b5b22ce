package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeTokenCase = "2026-07-14_normalize_token_uid_case"
	migrationStripTokenPrefixes = "2026-08-30_strip_token_uid_prefixes"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeTokenCase, apply: normalizeTokenCase},
		{name: migrationStripTokenPrefixes, apply: stripTokenPrefixes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Token UIDs are canonically uppercase (colon-separated hex for NFC tags).
// Bundles cached before the resolver normalized case can hold lowercase UIDs
// that an exact-match lookup would miss.
func normalizeTokenCase(db *gorm.DB) error {
	return db.Exec("UPDATE students SET token_uid = upper(token_uid) WHERE token_uid <> upper(token_uid);").Error
}

// The ledger matches tokens by their unprefixed canonical UID, but bundles
// cached before caching canonicalized them can hold the full prefixed payload
// the upstream assignment stored.
func stripTokenPrefixes(db *gorm.DB) error {
	return db.Exec("UPDATE students SET token_uid = substr(token_uid, 5) WHERE token_uid LIKE 'QRD-%' OR token_uid LIKE 'QRP-%';").Error
}
