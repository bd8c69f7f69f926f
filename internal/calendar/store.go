package calendar

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrEventNotFound indicates the referenced event row does not exist.
	ErrEventNotFound = errors.New("calendar: event not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errZeroDuration      = errors.New("calendar: zero duration event")

	noOpLogger = zap.NewNop()
)

// StoreConfig describes the dependencies of the calendar event store.
type StoreConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store owns the durable calendar event rows. User events are soft-deleted
// when history matters (sick leave) and hard-deleted when the provider owns
// the record (personal mirrors); team events are always hard-deleted.
type Store struct {
	db         *gorm.DB
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and constructs the store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, idProvider: cfg.IDProvider, logger: logger}, nil
}

// WithTx returns a store bound to the provided transaction handle.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, idProvider: s.idProvider, logger: s.logger}
}

// SaveUserEvent inserts a user event. Sick leave rows get their metadata id
// stamped to the row id so provider deltas can be routed back here.
func (s *Store) SaveUserEvent(ctx context.Context, userID string, startAt, endAt time.Time, metadata EventMetadata) (UserEvent, error) {
	if !startAt.Before(endAt) {
		return UserEvent{}, errZeroDuration
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return UserEvent{}, err
	}
	if metadata.Type == EventTypeSickLeave {
		metadata.EventID = id
	}
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return UserEvent{}, err
	}

	event := UserEvent{
		ID:       id,
		UserID:   userID,
		StartAt:  startAt.UTC(),
		EndAt:    endAt.UTC(),
		Metadata: encoded,
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		return UserEvent{}, err
	}
	return event, nil
}

// UserEventsInRange returns the non-deleted user events overlapping
// [from, to) for the given users. Boundary touching does not overlap.
func (s *Store) UserEventsInRange(ctx context.Context, userIDs []string, from, to time.Time) ([]UserEvent, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var events []UserEvent
	if err := s.db.WithContext(ctx).
		Where("user_id IN ? AND is_deleted = ? AND start_at < ? AND end_at > ?", userIDs, false, to, from).
		Order("start_at").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// UserEventsForUser lists a user's events; deleted rows are included only on
// request so sick leave history stays reachable.
func (s *Store) UserEventsForUser(ctx context.Context, userID string, includeDeleted bool) ([]UserEvent, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if !includeDeleted {
		query = query.Where("is_deleted = ?", false)
	}
	var events []UserEvent
	if err := query.Order("start_at").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// UserEventByID loads a single user event row regardless of deletion state.
func (s *Store) UserEventByID(ctx context.Context, eventID string) (UserEvent, error) {
	var event UserEvent
	err := s.db.WithContext(ctx).Where("id = ?", eventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserEvent{}, ErrEventNotFound
	}
	if err != nil {
		return UserEvent{}, err
	}
	return event, nil
}

// PersonalEventByExternalID resolves the non-deleted personal mirror of a
// provider event.
func (s *Store) PersonalEventByExternalID(ctx context.Context, userID, externalID string) (UserEvent, error) {
	var event UserEvent
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_deleted = ?", userID, false).
		Where(datatypes.JSONQuery("metadata").Equals(string(EventTypePersonal), "type")).
		Where(datatypes.JSONQuery("metadata").Equals(externalID, "externalId")).
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserEvent{}, ErrEventNotFound
	}
	if err != nil {
		return UserEvent{}, err
	}
	return event, nil
}

// SickLeavesForUser returns sick leave rows ending at or after the given
// instant, optionally including soft-deleted history.
func (s *Store) SickLeavesForUser(ctx context.Context, userID string, endingAfter time.Time, includeDeleted bool) ([]UserEvent, error) {
	query := s.db.WithContext(ctx).
		Where("user_id = ? AND end_at >= ?", userID, endingAfter).
		Where(datatypes.JSONQuery("metadata").Equals(string(EventTypeSickLeave), "type"))
	if !includeDeleted {
		query = query.Where("is_deleted = ?", false)
	}
	var events []UserEvent
	if err := query.Order("start_at").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// UpdateUserEventBounds rewrites the time bounds of an event in place.
func (s *Store) UpdateUserEventBounds(ctx context.Context, eventID string, startAt, endAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&UserEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]any{"start_at": startAt.UTC(), "end_at": endAt.UTC()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

// MarkUserEventDeleted soft-deletes an event, replacing its metadata so the
// deletion can carry attribution.
func (s *Store) MarkUserEventDeleted(ctx context.Context, eventID string, metadata EventMetadata) error {
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(&UserEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]any{"metadata": encoded, "is_deleted": true})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

// RemoveUserEventByID hard-deletes a user event row.
func (s *Store) RemoveUserEventByID(ctx context.Context, eventID string) error {
	return s.db.WithContext(ctx).Where("id = ?", eventID).Delete(&UserEvent{}).Error
}

// RemovePersonalEventsByExternalIDs hard-deletes the personal mirrors of the
// given provider events; the provider is their source of truth.
func (s *Store) RemovePersonalEventsByExternalIDs(ctx context.Context, userID string, externalIDs []string) error {
	if len(externalIDs) == 0 {
		return nil
	}
	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where(datatypes.JSONQuery("metadata").Equals(string(EventTypePersonal), "type"))
	var events []UserEvent
	if err := query.Find(&events).Error; err != nil {
		return err
	}

	wanted := make(map[string]struct{}, len(externalIDs))
	for _, externalID := range externalIDs {
		wanted[externalID] = struct{}{}
	}
	ids := make([]string, 0, len(events))
	for _, event := range events {
		metadata, err := event.DecodeMetadata()
		if err != nil {
			s.logger.Warn("skipping event with unreadable metadata", zap.String("event_id", event.ID), zap.Error(err))
			continue
		}
		if _, ok := wanted[metadata.ExternalID]; ok {
			ids = append(ids, event.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&UserEvent{}).Error
}

// RemoveAllPersonalEvents clears every personal mirror for a user, used when
// the connection is torn down.
func (s *Store) RemoveAllPersonalEvents(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where(datatypes.JSONQuery("metadata").Equals(string(EventTypePersonal), "type")).
		Delete(&UserEvent{}).Error
}

// SaveTeamEvent inserts a team event row.
func (s *Store) SaveTeamEvent(ctx context.Context, teamID string, startAt, endAt time.Time, externalID string) (TeamEvent, error) {
	if !startAt.Before(endAt) {
		return TeamEvent{}, errZeroDuration
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return TeamEvent{}, err
	}
	event := TeamEvent{
		ID:         id,
		TeamID:     teamID,
		StartAt:    startAt.UTC(),
		EndAt:      endAt.UTC(),
		ExternalID: externalID,
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		return TeamEvent{}, err
	}
	return event, nil
}

// TeamEventsInRange returns team events overlapping [from, to).
func (s *Store) TeamEventsInRange(ctx context.Context, teamID string, from, to time.Time) ([]TeamEvent, error) {
	var events []TeamEvent
	if err := s.db.WithContext(ctx).
		Where("team_id = ? AND start_at < ? AND end_at > ?", teamID, to, from).
		Order("start_at").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// TeamEventsForTeam lists all live rows for a team.
func (s *Store) TeamEventsForTeam(ctx context.Context, teamID string) ([]TeamEvent, error) {
	var events []TeamEvent
	if err := s.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Order("start_at").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// TeamEventByExternalID resolves a team event by its provider uid.
func (s *Store) TeamEventByExternalID(ctx context.Context, teamID, externalID string) (TeamEvent, error) {
	var event TeamEvent
	err := s.db.WithContext(ctx).
		Where("team_id = ? AND external_id = ?", teamID, externalID).
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TeamEvent{}, ErrEventNotFound
	}
	if err != nil {
		return TeamEvent{}, err
	}
	return event, nil
}

// UpdateTeamEventBounds rewrites the time bounds of a team event.
func (s *Store) UpdateTeamEventBounds(ctx context.Context, teamID, externalID string, startAt, endAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&TeamEvent{}).
		Where("team_id = ? AND external_id = ?", teamID, externalID).
		Updates(map[string]any{"start_at": startAt.UTC(), "end_at": endAt.UTC()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

// RemoveTeamEventsByExternalIDs hard-deletes team events by provider uid.
func (s *Store) RemoveTeamEventsByExternalIDs(ctx context.Context, teamID string, externalIDs []string) error {
	if len(externalIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("team_id = ? AND external_id IN ?", teamID, externalIDs).
		Delete(&TeamEvent{}).Error
}

// RemoveTeamEventsByTeamID clears every event for a team, used when the
// connection is torn down.
func (s *Store) RemoveTeamEventsByTeamID(ctx context.Context, teamID string) error {
	return s.db.WithContext(ctx).Where("team_id = ?", teamID).Delete(&TeamEvent{}).Error
}

// IsSlotFreeForTeam reports whether no team-wide event overlaps the slot.
func (s *Store) IsSlotFreeForTeam(ctx context.Context, teamID string, startAt, endAt time.Time) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&TeamEvent{}).
		Where("team_id = ? AND start_at < ? AND end_at > ?", teamID, endAt, startAt).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count == 0, nil
}

// BusyUserIDs returns the ids of users holding a non-deleted event that
// overlaps the slot.
func (s *Store) BusyUserIDs(ctx context.Context, startAt, endAt time.Time) (map[string]struct{}, error) {
	var events []UserEvent
	if err := s.db.WithContext(ctx).
		Select("user_id").
		Where("is_deleted = ? AND start_at < ? AND end_at > ?", false, endAt, startAt).
		Find(&events).Error; err != nil {
		return nil, err
	}
	busy := make(map[string]struct{}, len(events))
	for _, event := range events {
		busy[event.UserID] = struct{}{}
	}
	return busy, nil
}

// BookingCounts tallies, per user, the non-personal events whose start falls
// on the given calendar day. Personal events do not count against an agent's
// booking load, and events already linked to an appointment are skipped so
// the caller can add appointment counts without double counting.
func (s *Store) BookingCounts(ctx context.Context, userIDs []string, dayStart, dayEnd time.Time) (map[string]int, error) {
	counts := make(map[string]int, len(userIDs))
	if len(userIDs) == 0 {
		return counts, nil
	}
	var events []UserEvent
	if err := s.db.WithContext(ctx).
		Where("user_id IN ? AND is_deleted = ? AND start_at >= ? AND start_at < ?", userIDs, false, dayStart, dayEnd).
		Find(&events).Error; err != nil {
		return nil, err
	}
	for _, event := range events {
		metadata, err := event.DecodeMetadata()
		if err != nil {
			s.logger.Warn("skipping event with unreadable metadata", zap.String("event_id", event.ID), zap.Error(err))
			continue
		}
		if metadata.Type == EventTypePersonal || metadata.AppointmentID != "" {
			continue
		}
		counts[event.UserID]++
	}
	return counts, nil
}

// ReassignSlotEvent moves the self-book or appointment-linked event for the
// given appointment to a new agent and bounds, returning the updated row.
func (s *Store) ReassignSlotEvent(ctx context.Context, appointmentID, agentID string, startAt, endAt time.Time) (UserEvent, error) {
	var event UserEvent
	err := s.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Where(datatypes.JSONQuery("metadata").Equals(appointmentID, "appointmentId")).
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserEvent{}, ErrEventNotFound
	}
	if err != nil {
		return UserEvent{}, err
	}

	updates := map[string]any{"user_id": agentID, "start_at": startAt.UTC(), "end_at": endAt.UTC()}
	if err := s.db.WithContext(ctx).Model(&UserEvent{}).Where("id = ?", event.ID).Updates(updates).Error; err != nil {
		return UserEvent{}, err
	}
	event.UserID = agentID
	event.StartAt = startAt.UTC()
	event.EndAt = endAt.UTC()
	return event, nil
}

// LinkEventToAppointment stamps the appointment id onto a self-book
// placeholder once the task row exists.
func (s *Store) LinkEventToAppointment(ctx context.Context, eventID, appointmentID string) error {
	event, err := s.UserEventByID(ctx, eventID)
	if err != nil {
		return err
	}
	metadata, err := event.DecodeMetadata()
	if err != nil {
		return err
	}
	metadata.AppointmentID = appointmentID
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&UserEvent{}).
		Where("id = ?", eventID).
		Update("metadata", encoded).Error
}
