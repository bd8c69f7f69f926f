package sync

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/directory"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/provider"
)

const sickLeaveSummary = "Sick leave"

// SickLeavePublisher mirrors sick leave rows into the agent's primary
// calendar. The managed copy carries the row id as its event id, so
// provider-side edits route back to the same row.
type SickLeavePublisher struct {
	directory *directory.Store
	provider  CalendarAPI
}

// NewSickLeavePublisher constructs the publisher over the connection store
// and the provider client.
func NewSickLeavePublisher(store *directory.Store, api CalendarAPI) *SickLeavePublisher {
	return &SickLeavePublisher{directory: store, provider: api}
}

// PublishSickLeave pushes the leave to the agent's primary calendar.
// Agents without a calendar connection are a no-op.
func (p *SickLeavePublisher) PublishSickLeave(ctx context.Context, event calendar.UserEvent, metadata calendar.EventMetadata) error {
	connection, err := p.directory.GetConnection(ctx, directory.TargetUser, event.UserID)
	if errors.Is(err, directory.ErrNotConnected) {
		return nil
	}
	if err != nil {
		return err
	}
	if !connection.Connected() {
		return nil
	}

	timezone := metadata.Timezone
	if timezone == "" {
		timezone = connection.Timezone
	}
	return p.provider.CreateEvent(ctx, sessionFor(connection), connection.PrimaryCalendarID, provider.EventUpsert{
		EventID:     event.ID,
		Summary:     sickLeaveSummary,
		Description: metadata.Notes,
		StartAt:     event.StartAt,
		EndAt:       event.EndAt,
		Timezone:    timezone,
	})
}

// RetractSickLeave removes the mirrored copy from the agent's primary
// calendar.
func (p *SickLeavePublisher) RetractSickLeave(ctx context.Context, userID, eventID string) error {
	connection, err := p.directory.GetConnection(ctx, directory.TargetUser, userID)
	if errors.Is(err, directory.ErrNotConnected) {
		return nil
	}
	if err != nil {
		return err
	}
	if !connection.Connected() {
		return nil
	}
	return p.provider.DeleteEvent(ctx, sessionFor(connection), connection.PrimaryCalendarID, eventID)
}
