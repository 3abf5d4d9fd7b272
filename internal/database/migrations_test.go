package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/livequery/backend/internal/schema"
)

func TestApplyMigrationsSeedsSystemSchemasAndPrunesJoins(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&objectRecord{}, &schemaRecord{}, &relationJoin{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	orphan := relationJoin{JoinTable: "_Join:users:_Role", OwningID: "gone", RelatedID: "user-1"}
	if err := database.Create(&orphan).Error; err != nil {
		testContext.Fatalf("failed to insert join: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var joinCount int64
	if err := database.Model(&relationJoin{}).Count(&joinCount).Error; err != nil {
		testContext.Fatalf("failed to count joins: %v", err)
	}
	if joinCount != 0 {
		testContext.Fatalf("expected orphaned join to be pruned, got %d", joinCount)
	}

	var stored schemaRecord
	if err := database.Where("class_name = ?", schema.ClassSession).Take(&stored).Error; err != nil {
		testContext.Fatalf("expected _Session schema to be seeded: %v", err)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationSeedSystemSchemas).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected migrations to be idempotent: %v", err)
	}
}
