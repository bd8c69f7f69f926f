package sync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/directory"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/provider"
)

const (
	// NotificationChange is the only notification type that triggers work;
	// everything else is acknowledged without processing.
	NotificationChange = "change"

	// deletedByCalendar attributes a soft delete performed from the user's
	// external calendar rather than through the API.
	deletedByCalendar = "external-calendar"
)

// Notification is one push delivery from the provider channel.
type Notification struct {
	Type         string
	TargetType   directory.TargetType
	TargetID     string
	CalendarID   string
	ChangesSince *time.Time
}

// ProcessorConfig wires the webhook processor dependencies.
type ProcessorConfig struct {
	Directory *directory.Store
	Events    *calendar.Store
	Provider  CalendarAPI
	Logger    *zap.Logger
}

// Processor applies provider change notifications to the local mirror.
// Fetch failures return an error so the delivery mechanism retries; state
// that makes the notification meaningless (detached connection, unknown
// type) acknowledges instead.
type Processor struct {
	directory *directory.Store
	events    *calendar.Store
	provider  CalendarAPI
	logger    *zap.Logger
}

// NewProcessor validates the configuration and constructs the processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	if cfg.Events == nil {
		return nil, errMissingEvents
	}
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Processor{
		directory: cfg.Directory,
		events:    cfg.Events,
		provider:  cfg.Provider,
		logger:    logger,
	}, nil
}

// Process handles one notification. Changes are fetched from the effective
// checkpoint, the later of the payload's changes_since and the connection's
// last recorded change, so replayed or late deliveries never reapply old
// deltas.
func (p *Processor) Process(ctx context.Context, notification Notification) error {
	if notification.Type != NotificationChange {
		p.logger.Debug("ignoring notification", zap.String("type", notification.Type))
		return nil
	}

	connection, err := p.directory.GetConnection(ctx, notification.TargetType, notification.TargetID)
	if errors.Is(err, directory.ErrNotConnected) {
		p.logger.Info("notification for detached target acknowledged",
			zap.String("target_id", notification.TargetID))
		return nil
	}
	if err != nil {
		return err
	}
	if !connection.Connected() {
		p.logger.Info("notification for disconnected target acknowledged",
			zap.String("target_id", notification.TargetID))
		return nil
	}

	since := effectiveSince(notification.ChangesSince, connection.LastChangeAt)
	calendarID := notification.CalendarID
	if calendarID == "" {
		calendarID = connection.PrimaryCalendarID
	}

	request := provider.GetEventsRequest{
		CalendarIDs:    []string{calendarID},
		IncludeDeleted: true,
	}
	if !since.IsZero() {
		request.LastModified = &since
	}
	upstream, err := p.provider.GetEvents(ctx, sessionFor(connection), request)
	if err != nil {
		return err
	}

	mirror := connection.TargetType == directory.TargetUser && calendarID == connection.MirrorCalendarID
	checkpoint := since
	for _, event := range upstream {
		switch {
		case mirror:
			err = p.applyMirrorEvent(ctx, connection, calendarID, event)
		case connection.TargetType == directory.TargetTeam:
			err = p.applyTeamEvent(ctx, connection, event)
		default:
			err = p.applyUserEvent(ctx, connection, event)
		}
		if err != nil {
			return err
		}
		if event.UpdatedAt.After(checkpoint) {
			checkpoint = event.UpdatedAt
		}
	}

	// Advance only to what this fetch actually covered. Stamping the wall
	// clock here would clamp a later notification past modifications that
	// landed between the fetch and now, and those deltas would never be
	// requested again.
	if checkpoint.IsZero() {
		return nil
	}
	return p.directory.MarkConnectionSynced(ctx, connection.TargetType, connection.TargetID, checkpoint.UTC())
}

// applyMirrorEvent keeps the mirrored appointment calendar subordinate to
// the appointment records: edits to a live appointment's mirror are reverted
// by re-pushing the canonical values, and mirrors of dead appointments are
// removed upstream.
func (p *Processor) applyMirrorEvent(ctx context.Context, connection directory.Connection, calendarID string, event provider.Event) error {
	if event.EventID == "" {
		// Not one of ours; mirror calendars hold only pushed appointments.
		return nil
	}

	appointment, err := p.directory.GetAppointment(ctx, event.EventID)
	if errors.Is(err, directory.ErrAppointmentNotFound) || (err == nil && appointment.State != directory.AppointmentStateActive) {
		if event.Deleted {
			return nil
		}
		return p.provider.DeleteEvent(ctx, sessionFor(connection), calendarID, event.EventID)
	}
	if err != nil {
		return err
	}

	if event.Deleted || !event.StartAt.Equal(appointment.StartAt) || !event.EndAt.Equal(appointment.EndAt) {
		p.logger.Info("reverting mirrored appointment edit",
			zap.String("appointment_id", appointment.ID))
		return p.provider.CreateEvent(ctx, sessionFor(connection), calendarID, provider.EventUpsert{
			EventID:  appointment.ID,
			Summary:  "Tour appointment",
			StartAt:  appointment.StartAt,
			EndAt:    appointment.EndAt,
			Timezone: connection.Timezone,
		})
	}
	return nil
}

func (p *Processor) applyTeamEvent(ctx context.Context, connection directory.Connection, event provider.Event) error {
	if event.Deleted || !event.StartAt.Before(event.EndAt) {
		return p.events.RemoveTeamEventsByExternalIDs(ctx, connection.TargetID, []string{event.ExternalID})
	}
	existing, err := p.events.TeamEventByExternalID(ctx, connection.TargetID, event.ExternalID)
	if errors.Is(err, calendar.ErrEventNotFound) {
		_, err = p.events.SaveTeamEvent(ctx, connection.TargetID, event.StartAt, event.EndAt, event.ExternalID)
		return err
	}
	if err != nil {
		return err
	}
	if !existing.StartAt.Equal(event.StartAt) || !existing.EndAt.Equal(event.EndAt) {
		return p.events.UpdateTeamEventBounds(ctx, connection.TargetID, event.ExternalID, event.StartAt, event.EndAt)
	}
	return nil
}

// applyUserEvent routes a primary-calendar delta: managed event ids belong
// to sick leave mirrors, everything else is an external personal event.
func (p *Processor) applyUserEvent(ctx context.Context, connection directory.Connection, event provider.Event) error {
	if event.EventID != "" {
		return p.applySickLeaveEvent(ctx, event)
	}

	if event.Deleted || !event.StartAt.Before(event.EndAt) {
		return p.events.RemovePersonalEventsByExternalIDs(ctx, connection.TargetID, []string{event.ExternalID})
	}
	existing, err := p.events.PersonalEventByExternalID(ctx, connection.TargetID, event.ExternalID)
	if errors.Is(err, calendar.ErrEventNotFound) {
		_, err = p.events.SaveUserEvent(ctx, connection.TargetID, event.StartAt, event.EndAt, calendar.EventMetadata{
			Type:       calendar.EventTypePersonal,
			ExternalID: event.ExternalID,
		})
		return err
	}
	if err != nil {
		return err
	}
	if !existing.StartAt.Equal(event.StartAt) || !existing.EndAt.Equal(event.EndAt) {
		return p.events.UpdateUserEventBounds(ctx, existing.ID, event.StartAt, event.EndAt)
	}
	return nil
}

func (p *Processor) applySickLeaveEvent(ctx context.Context, event provider.Event) error {
	row, err := p.events.UserEventByID(ctx, event.EventID)
	if errors.Is(err, calendar.ErrEventNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	metadata, err := row.DecodeMetadata()
	if err != nil {
		return err
	}
	if metadata.Type != calendar.EventTypeSickLeave || row.IsDeleted {
		return nil
	}

	if event.Deleted || !event.StartAt.Before(event.EndAt) {
		metadata.DeletedBy = deletedByCalendar
		return p.events.MarkUserEventDeleted(ctx, row.ID, metadata)
	}
	if !row.StartAt.Equal(event.StartAt) || !row.EndAt.Equal(event.EndAt) {
		return p.events.UpdateUserEventBounds(ctx, row.ID, event.StartAt, event.EndAt)
	}
	return nil
}

func effectiveSince(changesSince, lastChangeAt *time.Time) time.Time {
	var since time.Time
	if changesSince != nil {
		since = changesSince.UTC()
	}
	if lastChangeAt != nil && lastChangeAt.After(since) {
		since = lastChangeAt.UTC()
	}
	return since
}
