package database

import (
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/schema"
)

const (
	migrationSeedSystemSchemas  = "2026-10-01_seed_system_schemas"
	migrationPruneOrphanedJoins = "2026-10-12_prune_orphaned_relation_joins"
	queryOrphanedRelationJoins  = "DELETE FROM relation_joins WHERE NOT EXISTS (SELECT 1 FROM objects WHERE objects.object_id = relation_joins.owning_id)"
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
		{name: migrationSeedSystemSchemas, apply: seedSystemSchemas},
		{name: migrationPruneOrphanedJoins, apply: pruneOrphanedJoins},
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

func seedSystemSchemas(db *gorm.DB) error {
	for _, classSchema := range schema.SystemSchemas() {
		encoded, err := json.Marshal(classSchema)
		if err != nil {
			return err
		}
		record := schemaRecord{ClassName: classSchema.ClassName, Definition: string(encoded)}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
			return err
		}
	}
	return nil
}

func pruneOrphanedJoins(db *gorm.DB) error {
	return db.Exec(queryOrphanedRelationJoins).Error
}
