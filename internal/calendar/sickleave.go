package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotSickLeave indicates the referenced event is not a sick leave row.
	ErrNotSickLeave = errors.New("calendar: event is not a sick leave")
	// ErrInvalidSickLeave indicates an unusable sick leave request.
	ErrInvalidSickLeave = errors.New("calendar: invalid sick leave")
)

// RecordSickLeaveRequest describes a new agent absence.
type RecordSickLeaveRequest struct {
	UserID    string
	StartAt   time.Time
	EndAt     time.Time
	Notes     string
	Timezone  string
	CreatedBy string
}

// SickLeaveView is a sick leave row joined with the appointments it
// conflicts with, for caller display.
type SickLeaveView struct {
	Event              UserEvent
	Metadata           EventMetadata
	ConflictingApptIDs []string
}

// SickLeavePublisher mirrors sick leave rows into the agent's connected
// external calendar. Implementations must treat unconnected agents as a
// no-op.
type SickLeavePublisher interface {
	PublishSickLeave(ctx context.Context, event UserEvent, metadata EventMetadata) error
	RetractSickLeave(ctx context.Context, userID, eventID string) error
}

// SickLeaveConfig wires the sick leave service dependencies. Publisher is
// optional; without it leaves stay local.
type SickLeaveConfig struct {
	Store        *Store
	Appointments AppointmentSource
	Publisher    SickLeavePublisher
	Clock        func() time.Time
	Logger       *zap.Logger
}

// SickLeaves records and removes agent absences. Removal is a soft delete
// so the history stays queryable with includeDeleted.
type SickLeaves struct {
	store        *Store
	appointments AppointmentSource
	publisher    SickLeavePublisher
	clock        func() time.Time
	logger       *zap.Logger
}

// NewSickLeaves validates the configuration and constructs the service.
func NewSickLeaves(cfg SickLeaveConfig) (*SickLeaves, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Appointments == nil {
		return nil, errMissingAppointments
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SickLeaves{
		store:        cfg.Store,
		appointments: cfg.Appointments,
		publisher:    cfg.Publisher,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Record stores a sick leave event. The row id is stamped into the metadata
// so provider-side edits can be routed back to it.
func (s *SickLeaves) Record(ctx context.Context, req RecordSickLeaveRequest) (UserEvent, error) {
	if req.UserID == "" {
		return UserEvent{}, fmt.Errorf("%w: user id required", ErrInvalidSickLeave)
	}
	if !req.StartAt.Before(req.EndAt) {
		return UserEvent{}, fmt.Errorf("%w: end must be after start", ErrInvalidSickLeave)
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		return UserEvent{}, fmt.Errorf("%w: timezone %q", ErrInvalidSickLeave, req.Timezone)
	}

	metadata := EventMetadata{
		Type:      EventTypeSickLeave,
		Notes:     req.Notes,
		Timezone:  req.Timezone,
		CreatedBy: req.CreatedBy,
	}
	event, err := s.store.SaveUserEvent(ctx, req.UserID, req.StartAt, req.EndAt, metadata)
	if err != nil {
		return UserEvent{}, err
	}

	if s.publisher != nil {
		metadata.EventID = event.ID
		if err := s.publisher.PublishSickLeave(ctx, event, metadata); err != nil {
			// The local row is authoritative; the mirror copy can be
			// re-created from the next provider-side notification cycle.
			s.logger.Warn("sick leave mirror push failed",
				zap.String("event_id", event.ID), zap.Error(err))
		}
	}

	s.logger.Info("sick leave recorded",
		zap.String("event_id", event.ID),
		zap.String("user_id", req.UserID))
	return event, nil
}

// Remove soft-deletes a sick leave with attribution.
func (s *SickLeaves) Remove(ctx context.Context, eventID, deletedBy string) (UserEvent, error) {
	event, err := s.store.UserEventByID(ctx, eventID)
	if err != nil {
		return UserEvent{}, err
	}
	metadata, err := event.DecodeMetadata()
	if err != nil {
		return UserEvent{}, err
	}
	if metadata.Type != EventTypeSickLeave {
		return UserEvent{}, ErrNotSickLeave
	}

	metadata.DeletedBy = deletedBy
	if err := s.store.MarkUserEventDeleted(ctx, eventID, metadata); err != nil {
		return UserEvent{}, err
	}

	if s.publisher != nil {
		if err := s.publisher.RetractSickLeave(ctx, event.UserID, eventID); err != nil {
			s.logger.Warn("sick leave mirror retract failed",
				zap.String("event_id", eventID), zap.Error(err))
		}
	}

	s.logger.Info("sick leave removed",
		zap.String("event_id", eventID),
		zap.String("deleted_by", deletedBy))
	event.IsDeleted = true
	return event, nil
}

// ListForUser returns upcoming sick leaves with the ids of appointments they
// overlap.
func (s *SickLeaves) ListForUser(ctx context.Context, userID string) ([]SickLeaveView, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidSickLeave)
	}
	now := s.clock().UTC()
	leaves, err := s.store.SickLeavesForUser(ctx, userID, now, false)
	if err != nil {
		return nil, err
	}

	views := make([]SickLeaveView, 0, len(leaves))
	for _, leave := range leaves {
		metadata, err := leave.DecodeMetadata()
		if err != nil {
			return nil, err
		}
		conflicts, err := s.appointments.BusyAppointments(ctx, []string{userID}, leave.StartAt, leave.EndAt)
		if err != nil {
			return nil, err
		}
		conflictIDs := make([]string, 0, len(conflicts))
		for _, conflict := range conflicts {
			conflictIDs = append(conflictIDs, conflict.AppointmentID)
		}
		views = append(views, SickLeaveView{Event: leave, Metadata: metadata, ConflictingApptIDs: conflictIDs})
	}
	return views, nil
}
