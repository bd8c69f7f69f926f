package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrUserNotFound indicates the referenced user does not exist.
	ErrUserNotFound = errors.New("directory: user not found")
	// ErrTeamNotFound indicates the referenced team does not exist.
	ErrTeamNotFound = errors.New("directory: team not found")
	// ErrAppointmentNotFound indicates the referenced appointment does not exist.
	ErrAppointmentNotFound = errors.New("directory: appointment not found")
	// ErrNotConnected indicates the target has no external calendar link.
	ErrNotConnected = errors.New("directory: target has no calendar connection")

	errMissingDatabase = errors.New("database handle is required")
)

// Store provides repository-style access to the opaque directory records.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a directory store over the provided database handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// WithTx returns a store bound to the provided transaction handle.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// GetTeam loads a team by id.
func (s *Store) GetTeam(ctx context.Context, teamID string) (Team, error) {
	var team Team
	err := s.db.WithContext(ctx).Where("id = ?", teamID).Take(&team).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Team{}, ErrTeamNotFound
	}
	if err != nil {
		return Team{}, err
	}
	return team, nil
}

// ActiveAgentIDs returns the ids of active leasing agents on the team.
func (s *Store) ActiveAgentIDs(ctx context.Context, teamID string) ([]string, error) {
	var members []TeamMember
	if err := s.db.WithContext(ctx).
		Where("team_id = ? AND inactive = ?", teamID, false).
		Order("user_id").
		Find(&members).Error; err != nil {
		return nil, err
	}

	agentIDs := make([]string, 0, len(members))
	for _, member := range members {
		if !memberHasRole(member, RoleLeasingAgent) {
			continue
		}
		agentIDs = append(agentIDs, member.UserID)
	}
	return agentIDs, nil
}

func memberHasRole(member TeamMember, role string) bool {
	if len(member.FunctionalRoles) == 0 {
		return false
	}
	var roles []string
	if err := json.Unmarshal(member.FunctionalRoles, &roles); err != nil {
		return false
	}
	for _, candidate := range roles {
		if candidate == role {
			return true
		}
	}
	return false
}

// GetAppointment loads an appointment by id regardless of state.
func (s *Store) GetAppointment(ctx context.Context, appointmentID string) (Appointment, error) {
	var appointment Appointment
	err := s.db.WithContext(ctx).Where("id = ?", appointmentID).Take(&appointment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Appointment{}, ErrAppointmentNotFound
	}
	if err != nil {
		return Appointment{}, err
	}
	return appointment, nil
}

// ActiveAppointmentsForUsers returns the active appointments assigned to any
// of the given users that overlap [from, to).
func (s *Store) ActiveAppointmentsForUsers(ctx context.Context, userIDs []string, from, to time.Time) ([]Appointment, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var appointments []Appointment
	if err := s.db.WithContext(ctx).
		Where("agent_id IN ? AND state = ? AND start_at < ? AND end_at > ?",
			userIDs, AppointmentStateActive, to, from).
		Order("start_at").
		Find(&appointments).Error; err != nil {
		return nil, err
	}
	return appointments, nil
}

// ReassignAppointment moves an appointment to a new agent and time bounds.
func (s *Store) ReassignAppointment(ctx context.Context, appointmentID, agentID string, startAt, endAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&Appointment{}).
		Where("id = ?", appointmentID).
		Updates(map[string]any{"agent_id": agentID, "start_at": startAt, "end_at": endAt})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

// GetConnection loads the external calendar connection for a target.
func (s *Store) GetConnection(ctx context.Context, targetType TargetType, targetID string) (Connection, error) {
	var connection Connection
	err := s.db.WithContext(ctx).
		Where("target_type = ? AND target_id = ?", targetType, targetID).
		Take(&connection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Connection{}, ErrNotConnected
	}
	if err != nil {
		return Connection{}, err
	}
	return connection, nil
}

// ConnectionByMirrorCalendar resolves the user connection owning a mirrored
// appointment calendar.
func (s *Store) ConnectionByMirrorCalendar(ctx context.Context, calendarID string) (Connection, error) {
	var connection Connection
	err := s.db.WithContext(ctx).
		Where("target_type = ? AND mirror_calendar_id = ?", TargetUser, calendarID).
		Take(&connection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Connection{}, ErrNotConnected
	}
	if err != nil {
		return Connection{}, err
	}
	return connection, nil
}

// ListConnections returns every connected target.
func (s *Store) ListConnections(ctx context.Context) ([]Connection, error) {
	var connections []Connection
	if err := s.db.WithContext(ctx).
		Where("calendar_account <> '' AND primary_calendar_id <> ''").
		Order("target_type, target_id").
		Find(&connections).Error; err != nil {
		return nil, err
	}
	return connections, nil
}

// SaveConnection upserts the connection row for its target.
func (s *Store) SaveConnection(ctx context.Context, connection Connection) error {
	return s.db.WithContext(ctx).Save(&connection).Error
}

// SaveTokens persists a refreshed token pair for the target. An empty
// refresh token leaves the stored one in place, matching the provider's
// refresh grant which only rotates it sometimes.
func (s *Store) SaveTokens(ctx context.Context, targetType TargetType, targetID, accessToken, refreshToken string) error {
	updates := map[string]any{"access_token": accessToken}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	result := s.db.WithContext(ctx).Model(&Connection{}).
		Where("target_type = ? AND target_id = ?", targetType, targetID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotConnected
	}
	return nil
}

// MarkConnectionSynced records the per-connection change checkpoint.
func (s *Store) MarkConnectionSynced(ctx context.Context, targetType TargetType, targetID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&Connection{}).
		Where("target_type = ? AND target_id = ?", targetType, targetID).
		Updates(map[string]any{"last_change_at": at, "first_synced_at": gorm.Expr("COALESCE(first_synced_at, ?)", at)}).
		Error
}

// Settings returns the singleton tenant settings row, creating it disabled
// when absent.
func (s *Store) Settings(ctx context.Context) (TenantSettings, error) {
	var settings TenantSettings
	err := s.db.WithContext(ctx).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		settings = TenantSettings{ID: 1}
		if err := s.db.WithContext(ctx).Create(&settings).Error; err != nil {
			return TenantSettings{}, fmt.Errorf("create tenant settings: %w", err)
		}
		return settings, nil
	}
	if err != nil {
		return TenantSettings{}, err
	}
	return settings, nil
}

// SetIntegrationEnabled toggles the tenant-level sync switch.
func (s *Store) SetIntegrationEnabled(ctx context.Context, enabled bool) error {
	settings, err := s.Settings(ctx)
	if err != nil {
		return err
	}
	settings.IntegrationEnabled = enabled
	return s.db.WithContext(ctx).Save(&settings).Error
}

// AdvanceLastSync records the completion instant of a reconciliation run.
func (s *Store) AdvanceLastSync(ctx context.Context, at time.Time) error {
	settings, err := s.Settings(ctx)
	if err != nil {
		return err
	}
	settings.LastSyncAt = &at
	return s.db.WithContext(ctx).Save(&settings).Error
}
