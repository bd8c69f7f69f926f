package database

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/calendar"
)

func newMigrationTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:leasecal_database_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&calendar.UserEvent{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestBackfillSickLeaveEventIDs(t *testing.T) {
	db := newMigrationTestDB(t)

	legacy := calendar.UserEvent{
		ID:       "leave-1",
		UserID:   "agent-1",
		StartAt:  time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC),
		EndAt:    time.Date(2026, 9, 3, 0, 0, 0, 0, time.UTC),
		Metadata: datatypes.JSON(`{"type":"sick_leave","notes":"flu"}`),
	}
	untouched := calendar.UserEvent{
		ID:       "personal-1",
		UserID:   "agent-1",
		StartAt:  time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC),
		EndAt:    time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC),
		Metadata: datatypes.JSON(`{"type":"personal","externalId":"ext-1"}`),
	}
	if err := db.Create(&legacy).Error; err != nil {
		t.Fatalf("failed to seed legacy row: %v", err)
	}
	if err := db.Create(&untouched).Error; err != nil {
		t.Fatalf("failed to seed personal row: %v", err)
	}

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}

	var migrated calendar.UserEvent
	if err := db.Where("id = ?", "leave-1").Take(&migrated).Error; err != nil {
		t.Fatalf("failed to load migrated row: %v", err)
	}
	metadata, err := migrated.DecodeMetadata()
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if metadata.EventID != "leave-1" {
		t.Fatalf("expected backfilled id leave-1, got %q", metadata.EventID)
	}
	if metadata.Notes != "flu" {
		t.Fatalf("expected notes preserved, got %q", metadata.Notes)
	}

	var personal calendar.UserEvent
	if err := db.Where("id = ?", "personal-1").Take(&personal).Error; err != nil {
		t.Fatalf("failed to load personal row: %v", err)
	}
	personalMetadata, err := personal.DecodeMetadata()
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if personalMetadata.EventID != "" {
		t.Fatalf("expected personal row untouched, got id %q", personalMetadata.EventID)
	}
}

func TestMigrationsApplyOnce(t *testing.T) {
	db := newMigrationTestDB(t)

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("unexpected first run error: %v", err)
	}
	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("unexpected second run error: %v", err)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single migration record, got %d", count)
	}
}
