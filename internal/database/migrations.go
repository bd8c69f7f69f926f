package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSickLeaveEventIDs = "2026-08-12_backfill_sick_leave_event_ids"

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
		{name: migrationBackfillSickLeaveEventIDs, apply: backfillSickLeaveEventIDs},
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

// backfillSickLeaveEventIDs stamps the row id into sick leave metadata for
// rows written before the id was mirrored there. Provider deltas are routed
// by that id, so rows without it could never be edited from the calendar.
func backfillSickLeaveEventIDs(db *gorm.DB) error {
	return db.Exec(
		`UPDATE user_calendar_events
		 SET metadata = json_set(metadata, '$.id', id)
		 WHERE json_extract(metadata, '$.type') = 'sick_leave'
		   AND (json_extract(metadata, '$.id') IS NULL OR json_extract(metadata, '$.id') = '')`,
	).Error
}
