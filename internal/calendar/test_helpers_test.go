package calendar

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type staticAppointmentSource struct {
	intervals []BusyInterval
}

func (s *staticAppointmentSource) BusyAppointments(_ context.Context, userIDs []string, from, to time.Time) ([]BusyInterval, error) {
	wanted := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		wanted[id] = struct{}{}
	}
	var result []BusyInterval
	for _, interval := range s.intervals {
		if _, ok := wanted[interval.UserID]; !ok {
			continue
		}
		if interval.StartAt.Before(to) && interval.EndAt.After(from) {
			result = append(result, interval)
		}
	}
	return result, nil
}

func newTestStore(t *testing.T, ids []string) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:leasecal_calendar_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&UserEvent{}, &TeamEvent{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Database:   db,
		IDProvider: &staticIDGenerator{ids: ids},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func mustSaveUserEvent(t *testing.T, store *Store, userID string, startAt, endAt time.Time, metadata EventMetadata) UserEvent {
	t.Helper()
	event, err := store.SaveUserEvent(context.Background(), userID, startAt, endAt, metadata)
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	return event
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	instant, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("unexpected time parse error: %v", err)
	}
	return instant
}
