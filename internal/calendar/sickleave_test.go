package calendar

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestSickLeaves(t *testing.T, store *Store, appointments AppointmentSource) *SickLeaves {
	t.Helper()
	if appointments == nil {
		appointments = &staticAppointmentSource{}
	}
	clock := func() time.Time { return mustTime(t, "2026-09-01T12:00:00Z") }
	service, err := NewSickLeaves(SickLeaveConfig{Store: store, Appointments: appointments, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct sick leave service: %v", err)
	}
	return service
}

type recordingPublisher struct {
	published []EventMetadata
	retracted []string
}

func (p *recordingPublisher) PublishSickLeave(_ context.Context, _ UserEvent, metadata EventMetadata) error {
	p.published = append(p.published, metadata)
	return nil
}

func (p *recordingPublisher) RetractSickLeave(_ context.Context, _, eventID string) error {
	p.retracted = append(p.retracted, eventID)
	return nil
}

func TestRecordSickLeaveValidation(t *testing.T) {
	store, _ := newTestStore(t, []string{"leave-1"})
	service := newTestSickLeaves(t, store, nil)

	_, err := service.Record(context.Background(), RecordSickLeaveRequest{
		StartAt:  mustTime(t, "2026-09-02T00:00:00Z"),
		EndAt:    mustTime(t, "2026-09-03T00:00:00Z"),
		Timezone: "UTC",
	})
	if !errors.Is(err, ErrInvalidSickLeave) {
		t.Fatalf("expected ErrInvalidSickLeave for missing user, got %v", err)
	}

	_, err = service.Record(context.Background(), RecordSickLeaveRequest{
		UserID:   "agent-1",
		StartAt:  mustTime(t, "2026-09-03T00:00:00Z"),
		EndAt:    mustTime(t, "2026-09-02T00:00:00Z"),
		Timezone: "UTC",
	})
	if !errors.Is(err, ErrInvalidSickLeave) {
		t.Fatalf("expected ErrInvalidSickLeave for inverted bounds, got %v", err)
	}

	_, err = service.Record(context.Background(), RecordSickLeaveRequest{
		UserID:   "agent-1",
		StartAt:  mustTime(t, "2026-09-02T00:00:00Z"),
		EndAt:    mustTime(t, "2026-09-03T00:00:00Z"),
		Timezone: "Not/AZone",
	})
	if !errors.Is(err, ErrInvalidSickLeave) {
		t.Fatalf("expected ErrInvalidSickLeave for bad timezone, got %v", err)
	}
}

func TestRemoveSickLeaveKeepsAttributedHistory(t *testing.T) {
	store, _ := newTestStore(t, []string{"leave-1"})
	service := newTestSickLeaves(t, store, nil)

	event, err := service.Record(context.Background(), RecordSickLeaveRequest{
		UserID:    "agent-1",
		StartAt:   mustTime(t, "2026-09-02T00:00:00Z"),
		EndAt:     mustTime(t, "2026-09-03T00:00:00Z"),
		Timezone:  "UTC",
		CreatedBy: "manager-1",
	})
	if err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}

	if _, err := service.Remove(context.Background(), event.ID, "manager-2"); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}

	// The row survives as soft-deleted history with attribution.
	stored, err := store.UserEventByID(context.Background(), event.ID)
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if !stored.IsDeleted {
		t.Fatalf("expected soft-deleted row")
	}
	metadata, err := stored.DecodeMetadata()
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if metadata.DeletedBy != "manager-2" {
		t.Fatalf("expected deletion attribution, got %q", metadata.DeletedBy)
	}
	if metadata.CreatedBy != "manager-1" {
		t.Fatalf("expected creation attribution preserved, got %q", metadata.CreatedBy)
	}

	history, err := store.SickLeavesForUser(context.Background(), "agent-1", time.Time{}, true)
	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected deleted leave in history, got %d rows", len(history))
	}
}

func TestRemoveRejectsNonSickLeaveEvents(t *testing.T) {
	store, _ := newTestStore(t, []string{"event-1"})
	service := newTestSickLeaves(t, store, nil)

	event := mustSaveUserEvent(t, store, "agent-1",
		mustTime(t, "2026-09-02T09:00:00Z"), mustTime(t, "2026-09-02T10:00:00Z"),
		EventMetadata{Type: EventTypePersonal, ExternalID: "ext-1"})

	if _, err := service.Remove(context.Background(), event.ID, "manager-1"); !errors.Is(err, ErrNotSickLeave) {
		t.Fatalf("expected ErrNotSickLeave, got %v", err)
	}
}

func TestRecordAndRemovePushThroughPublisher(t *testing.T) {
	store, _ := newTestStore(t, []string{"leave-1"})
	publisher := &recordingPublisher{}
	clock := func() time.Time { return mustTime(t, "2026-09-01T12:00:00Z") }
	service, err := NewSickLeaves(SickLeaveConfig{
		Store:        store,
		Appointments: &staticAppointmentSource{},
		Publisher:    publisher,
		Clock:        clock,
	})
	if err != nil {
		t.Fatalf("failed to construct sick leave service: %v", err)
	}

	event, err := service.Record(context.Background(), RecordSickLeaveRequest{
		UserID:   "agent-1",
		StartAt:  mustTime(t, "2026-09-02T00:00:00Z"),
		EndAt:    mustTime(t, "2026-09-03T00:00:00Z"),
		Timezone: "UTC",
		Notes:    "flu",
	})
	if err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}

	if len(publisher.published) != 1 {
		t.Fatalf("expected one mirror push, got %d", len(publisher.published))
	}
	if publisher.published[0].EventID != event.ID {
		t.Fatalf("expected row id stamped on the push, got %q", publisher.published[0].EventID)
	}

	if _, err := service.Remove(context.Background(), event.ID, "manager-1"); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	if len(publisher.retracted) != 1 || publisher.retracted[0] != event.ID {
		t.Fatalf("expected mirror retract for %s, got %v", event.ID, publisher.retracted)
	}
}

func TestListForUserReportsConflictingAppointments(t *testing.T) {
	store, _ := newTestStore(t, []string{"leave-1"})
	source := &staticAppointmentSource{intervals: []BusyInterval{
		{
			UserID:        "agent-1",
			AppointmentID: "appt-1",
			StartAt:       mustTime(t, "2026-09-02T10:00:00Z"),
			EndAt:         mustTime(t, "2026-09-02T11:00:00Z"),
		},
		{
			UserID:        "agent-1",
			AppointmentID: "appt-elsewhere",
			StartAt:       mustTime(t, "2026-09-10T10:00:00Z"),
			EndAt:         mustTime(t, "2026-09-10T11:00:00Z"),
		},
	}}
	service := newTestSickLeaves(t, store, source)

	if _, err := service.Record(context.Background(), RecordSickLeaveRequest{
		UserID:   "agent-1",
		StartAt:  mustTime(t, "2026-09-02T00:00:00Z"),
		EndAt:    mustTime(t, "2026-09-03T00:00:00Z"),
		Timezone: "UTC",
	}); err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}

	views, err := service.ListForUser(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 leave, got %d", len(views))
	}
	conflicts := views[0].ConflictingApptIDs
	if len(conflicts) != 1 || conflicts[0] != "appt-1" {
		t.Fatalf("expected conflict with appt-1 only, got %v", conflicts)
	}
}
