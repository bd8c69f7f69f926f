package directory

import (
	"time"

	"gorm.io/datatypes"
)

// TargetType distinguishes the owner of an external calendar connection.
type TargetType string

const (
	// TargetUser links a user's personal and mirrored calendars.
	TargetUser TargetType = "user"
	// TargetTeam links a team-wide calendar.
	TargetTeam TargetType = "team"
)

// AppointmentState mirrors the task states owned by the party subsystem.
type AppointmentState string

const (
	AppointmentStateActive    AppointmentState = "active"
	AppointmentStateCanceled  AppointmentState = "canceled"
	AppointmentStateCompleted AppointmentState = "completed"
)

// RoleLeasingAgent marks team members that can be booked for tours.
const RoleLeasingAgent = "LWA"

// User is an opaque identity record owned by the excluded user subsystem.
type User struct {
	ID       string `gorm:"column:id;primaryKey;size:36;not null"`
	FullName string `gorm:"column:full_name;size:320"`
	Inactive bool   `gorm:"column:inactive;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Team is an opaque team record owned by the excluded user subsystem.
type Team struct {
	ID          string `gorm:"column:id;primaryKey;size:36;not null"`
	DisplayName string `gorm:"column:display_name;size:320"`
}

// TableName provides the explicit table binding for GORM.
func (Team) TableName() string {
	return "teams"
}

// TeamMember associates a user with a team and its functional roles.
type TeamMember struct {
	TeamID          string         `gorm:"column:team_id;primaryKey;size:36;not null"`
	UserID          string         `gorm:"column:user_id;primaryKey;size:36;not null;index"`
	Inactive        bool           `gorm:"column:inactive;not null;default:false"`
	FunctionalRoles datatypes.JSON `gorm:"column:functional_roles;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (TeamMember) TableName() string {
	return "team_members"
}

// Appointment references a tour task owned by the party subsystem. The
// scheduling engine reads it as the authoritative source for mirrored
// calendar events and rewrites only the agent and bounds on reschedule.
type Appointment struct {
	ID                 string           `gorm:"column:id;primaryKey;size:36;not null"`
	AgentID            string           `gorm:"column:agent_id;size:36;not null;index:idx_appointments_agent_start,priority:1"`
	PartyID            string           `gorm:"column:party_id;size:36;not null"`
	TeamID             string           `gorm:"column:team_id;size:36;not null"`
	SelectedPropertyID string           `gorm:"column:selected_property_id;size:36"`
	StartAt            time.Time        `gorm:"column:start_at;not null;index:idx_appointments_agent_start,priority:2"`
	EndAt              time.Time        `gorm:"column:end_at;not null"`
	State              AppointmentState `gorm:"column:state;size:16;not null;default:'active'"`
}

// TableName provides the explicit table binding for GORM.
func (Appointment) TableName() string {
	return "appointments"
}

// Connection records a linked external calendar account for a user or team.
// A target counts as connected once a calendar account and calendar id are
// both present.
type Connection struct {
	TargetType      TargetType `gorm:"column:target_type;primaryKey;size:8;not null"`
	TargetID        string     `gorm:"column:target_id;primaryKey;size:36;not null"`
	CalendarAccount string     `gorm:"column:calendar_account;size:320"`
	// PrimaryCalendarID is the user's own calendar (or the team calendar for
	// team targets); MirrorCalendarID is the calendar this service pushes
	// appointments into. Teams have no mirror calendar.
	PrimaryCalendarID string     `gorm:"column:primary_calendar_id;size:190"`
	MirrorCalendarID  string     `gorm:"column:mirror_calendar_id;size:190"`
	AccessToken       string     `gorm:"column:access_token;size:512"`
	RefreshToken      string     `gorm:"column:refresh_token;size:512"`
	ChannelID         string     `gorm:"column:channel_id;size:190"`
	Timezone          string     `gorm:"column:timezone;size:64;not null;default:'UTC'"`
	LastChangeAt      *time.Time `gorm:"column:last_change_at"`
	FirstSyncedAt     *time.Time `gorm:"column:first_synced_at"`
}

// TableName provides the explicit table binding for GORM.
func (Connection) TableName() string {
	return "calendar_connections"
}

// Connected reports whether the target has a usable provider link.
func (c Connection) Connected() bool {
	return c.CalendarAccount != "" && c.PrimaryCalendarID != ""
}

// TenantSettings is the singleton per-deployment sync checkpoint row.
type TenantSettings struct {
	ID                 uint       `gorm:"column:id;primaryKey"`
	IntegrationEnabled bool       `gorm:"column:integration_enabled;not null;default:false"`
	LastSyncAt         *time.Time `gorm:"column:last_sync_at"`
}

// TableName provides the explicit table binding for GORM.
func (TenantSettings) TableName() string {
	return "tenant_settings"
}
