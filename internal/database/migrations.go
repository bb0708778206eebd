package database

import (
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

const (
	migrationBackfillCardRefKeys = "2026-09-14_backfill_card_ref_keys"
	migrationJSONCardRefKeys     = "2026-10-18_json_card_ref_keys"
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

// migrate brings the schema up to date and runs each named data migration once.
func migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(canvas.Models(), &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillCardRefKeys, apply: backfillCardRefKeys},
		{name: migrationJSONCardRefKeys, apply: rekeyCardRefs},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillCardRefKeys derives ref_key for cards stored before the column was populated.
func backfillCardRefKeys(db *gorm.DB) error {
	return updateCardRefKeys(db, "ref_key = ? AND refs_json IS NOT NULL", "")
}

// rekeyCardRefs rewrites ref_key values stored in the old delimiter format.
func rekeyCardRefs(db *gorm.DB) error {
	return updateCardRefKeys(db, "refs_json IS NOT NULL")
}

func updateCardRefKeys(db *gorm.DB, query string, args ...any) error {
	var cards []canvas.CardRecord
	if err := db.Where(query, args...).Order("canvas_id, card_id").Find(&cards).Error; err != nil {
		return err
	}
	for _, card := range cards {
		if len(card.RefsJSON) == 0 {
			continue
		}
		var refs canvas.Refs
		if err := json.Unmarshal(card.RefsJSON, &refs); err != nil {
			return err
		}
		key := refs.Key()
		if key == card.RefKey {
			continue
		}
		err := db.Model(&canvas.CardRecord{}).
			Where("canvas_id = ? AND card_id = ?", card.CanvasID, card.CardID).
			Update("ref_key", key).Error
		if err != nil {
			return err
		}
	}
	return nil
}
