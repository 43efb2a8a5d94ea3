package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRepairUserClockFromRecords = "2026-09-14_repair_user_clock_from_records"

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
		{name: migrationRepairUserClockFromRecords, apply: repairUserClockFromRecords},
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

// repairUserClockFromRecords raises any user clock that trails its own clock log. Nodes that
// crashed between appending a record and bumping the user row would otherwise reuse a clock value.
func repairUserClockFromRecords(db *gorm.DB) error {
	return db.Exec(`UPDATE users
SET clock = (SELECT MAX(clock_records.clock) FROM clock_records WHERE clock_records.wallet_public_key = users.wallet_public_key)
WHERE clock < (SELECT COALESCE(MAX(clock_records.clock), 0) FROM clock_records WHERE clock_records.wallet_public_key = users.wallet_public_key)`).Error
}
