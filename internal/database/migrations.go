package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationStampRecordCollectionName = "2026-10-16_stamp_record_collection_name"

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
		{name: migrationStampRecordCollectionName, apply: stampRecordCollectionName},
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

// stampRecordCollectionName fills collection_name on records written before
// the column existed.
func stampRecordCollectionName(db *gorm.DB) error {
	return db.Model(&store.RecordModel{}).
		Where("collection_name = ''").
		Where("collection_key IN (SELECT collection_key FROM collections)").
		Update("collection_name", gorm.Expr("(SELECT name FROM collections WHERE collections.collection_key = records.collection_key)")).Error
}
