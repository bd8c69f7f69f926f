package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/directory"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/provider"
)

type sequenceIDGenerator struct {
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("event-%d", g.next), nil
}

type createdEvent struct {
	CalendarID string
	Event      provider.EventUpsert
}

// fakeCalendarAPI serves canned events per calendar and records every call.
type fakeCalendarAPI struct {
	eventsByCalendar map[string][]provider.Event
	errByCalendar    map[string]error
	requests         []provider.GetEventsRequest
	created          []createdEvent
	deleted          []string
}

func newFakeCalendarAPI() *fakeCalendarAPI {
	return &fakeCalendarAPI{
		eventsByCalendar: make(map[string][]provider.Event),
		errByCalendar:    make(map[string]error),
	}
}

func (f *fakeCalendarAPI) GetEvents(_ context.Context, _ provider.Session, req provider.GetEventsRequest) ([]provider.Event, error) {
	f.requests = append(f.requests, req)
	var result []provider.Event
	for _, calendarID := range req.CalendarIDs {
		if err := f.errByCalendar[calendarID]; err != nil {
			return nil, err
		}
		result = append(result, f.eventsByCalendar[calendarID]...)
	}
	return result, nil
}

func (f *fakeCalendarAPI) CreateEvent(_ context.Context, _ provider.Session, calendarID string, event provider.EventUpsert) error {
	f.created = append(f.created, createdEvent{CalendarID: calendarID, Event: event})
	return nil
}

func (f *fakeCalendarAPI) DeleteEvent(_ context.Context, _ provider.Session, calendarID, eventID string) error {
	f.deleted = append(f.deleted, calendarID+"/"+eventID)
	return nil
}

func (f *fakeCalendarAPI) DeleteExternalEvent(_ context.Context, _ provider.Session, calendarID, externalID string) error {
	f.deleted = append(f.deleted, calendarID+"/"+externalID)
	return nil
}

type syncFixture struct {
	db        *gorm.DB
	directory *directory.Store
	events    *calendar.Store
	api       *fakeCalendarAPI
	clock     func() time.Time
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:leasecal_sync_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&directory.User{}, &directory.Team{}, &directory.TeamMember{},
		&directory.Appointment{}, &directory.Connection{}, &directory.TenantSettings{},
		&calendar.UserEvent{}, &calendar.TeamEvent{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := db.Create(&directory.TenantSettings{ID: 1, IntegrationEnabled: true}).Error; err != nil {
		t.Fatalf("failed to seed settings: %v", err)
	}

	dir, err := directory.NewStore(db)
	if err != nil {
		t.Fatalf("failed to construct directory store: %v", err)
	}
	events, err := calendar.NewStore(calendar.StoreConfig{Database: db, IDProvider: &sequenceIDGenerator{}})
	if err != nil {
		t.Fatalf("failed to construct event store: %v", err)
	}

	fixedNow := mustTime(t, "2026-09-01T00:00:00Z")
	return &syncFixture{
		db:        db,
		directory: dir,
		events:    events,
		api:       newFakeCalendarAPI(),
		clock:     func() time.Time { return fixedNow },
	}
}

func (f *syncFixture) newReconciler(t *testing.T, notifier *Notifier) *Reconciler {
	t.Helper()
	reconciler, err := NewReconciler(ReconcilerConfig{
		Directory:         f.directory,
		Events:            f.events,
		Provider:          f.api,
		Notifier:          notifier,
		Clock:             f.clock,
		WindowDays:        31,
		PastDaysFirstSync: 30,
	})
	if err != nil {
		t.Fatalf("failed to construct reconciler: %v", err)
	}
	return reconciler
}

func (f *syncFixture) newProcessor(t *testing.T) *Processor {
	t.Helper()
	processor, err := NewProcessor(ProcessorConfig{
		Directory: f.directory,
		Events:    f.events,
		Provider:  f.api,
	})
	if err != nil {
		t.Fatalf("failed to construct processor: %v", err)
	}
	return processor
}

func (f *syncFixture) seedConnection(t *testing.T, connection directory.Connection) {
	t.Helper()
	if connection.Timezone == "" {
		connection.Timezone = "UTC"
	}
	if err := f.db.Create(&connection).Error; err != nil {
		t.Fatalf("failed to seed connection: %v", err)
	}
}

func timePtr(value time.Time) *time.Time {
	return &value
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	instant, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("unexpected time parse error: %v", err)
	}
	return instant
}

var errProviderDown = errors.New("provider unavailable")
