package calendar

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// EventType discriminates the user calendar event metadata union.
type EventType string

const (
	// EventTypePersonal mirrors an event from the user's own provider calendar.
	EventTypePersonal EventType = "personal"
	// EventTypeSickLeave is an agent absence recorded in this system.
	EventTypeSickLeave EventType = "sick_leave"
	// EventTypeSelfBook is the placeholder written when a guest books a slot
	// before the appointment task exists.
	EventTypeSelfBook EventType = "self_book"
)

// EventMetadata is the explicit sum behind the user event metadata column.
// Exactly the fields of the active variant are populated:
// personal → ExternalID; sick leave → EventID, Notes, Timezone, CreatedBy,
// DeletedBy; self book → AppointmentID once the task is linked.
type EventMetadata struct {
	Type EventType `json:"type"`

	// ExternalID is the provider event uid for personal events. Unique per
	// user among non-deleted rows.
	ExternalID string `json:"externalId,omitempty"`

	// EventID equals the owning row's id for sick leaves once assigned, and
	// is the value pushed to the provider so webhook deltas can be routed
	// back to the row.
	EventID   string `json:"id,omitempty"`
	Notes     string `json:"notes,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	CreatedBy string `json:"createdBy,omitempty"`
	DeletedBy string `json:"deletedBy,omitempty"`

	AppointmentID string `json:"appointmentId,omitempty"`
}

// UserEvent is a user-scoped calendar row. Rows are soft-deleted so sick
// leave history stays queryable.
type UserEvent struct {
	ID        string         `gorm:"column:id;primaryKey;size:36;not null"`
	UserID    string         `gorm:"column:user_id;size:36;not null;index:idx_user_events_user_start,priority:1"`
	StartAt   time.Time      `gorm:"column:start_at;not null;index:idx_user_events_user_start,priority:2"`
	EndAt     time.Time      `gorm:"column:end_at;not null"`
	Metadata  datatypes.JSON `gorm:"column:metadata;type:text;not null"`
	IsDeleted bool           `gorm:"column:is_deleted;not null;default:false"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (UserEvent) TableName() string {
	return "user_calendar_events"
}

// DecodeMetadata translates the persisted column back into the union.
func (e UserEvent) DecodeMetadata() (EventMetadata, error) {
	var metadata EventMetadata
	if err := json.Unmarshal(e.Metadata, &metadata); err != nil {
		return EventMetadata{}, fmt.Errorf("decode event metadata for %s: %w", e.ID, err)
	}
	return metadata, nil
}

func encodeMetadata(metadata EventMetadata) (datatypes.JSON, error) {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode event metadata: %w", err)
	}
	return datatypes.JSON(raw), nil
}

// TeamEvent is a team-scoped calendar row mirrored from the team calendar.
// Rows are hard-deleted; there is no history requirement for team events.
type TeamEvent struct {
	ID         string    `gorm:"column:id;primaryKey;size:36;not null"`
	TeamID     string    `gorm:"column:team_id;size:36;not null;index:idx_team_events_team_start,priority:1"`
	StartAt    time.Time `gorm:"column:start_at;not null;index:idx_team_events_team_start,priority:2"`
	EndAt      time.Time `gorm:"column:end_at;not null"`
	ExternalID string    `gorm:"column:external_id;size:190;not null;uniqueIndex:idx_team_events_external"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (TeamEvent) TableName() string {
	return "team_calendar_events"
}
