package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillCreatorAccess = "2026-04-01_backfill_creator_access"

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
		{name: migrationBackfillCreatorAccess, apply: backfillCreatorAccess},
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

// backfillCreatorAccess lists every creator on its own room so access checks can rely
// on room_participants alone.
func backfillCreatorAccess(db *gorm.DB) error {
	return db.Exec(`INSERT INTO room_participants (room_id, participant_id, granted_at_s)
SELECT room_id, creator_id, created_at_s FROM study_rooms
WHERE NOT EXISTS (
	SELECT 1 FROM room_participants rp
	WHERE rp.room_id = study_rooms.room_id AND rp.participant_id = study_rooms.creator_id
)`).Error
}
