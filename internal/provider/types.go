package provider

import (
	"encoding/json"
	"fmt"
	"time"
)

const dateOnlyLayout = "2006-01-02"

// Event is a calendar event as seen by the provider, with date-only bounds
// already normalized to instants.
type Event struct {
	ExternalID  string
	EventID     string
	CalendarID  string
	Summary     string
	Description string
	StartAt     time.Time
	EndAt       time.Time
	AllDay      bool
	Deleted     bool
	UpdatedAt   time.Time
}

// EventUpsert is the payload for creating or updating a managed event. The
// provider keys managed events by EventID, so re-sending the same id
// overwrites in place.
type EventUpsert struct {
	EventID     string
	Summary     string
	Description string
	StartAt     time.Time
	EndAt       time.Time
	Timezone    string
}

// Calendar is a provider calendar handle.
type Calendar struct {
	CalendarID string `json:"calendar_id"`
	Name       string `json:"calendar_name"`
	ProfileID  string `json:"profile_id"`
}

// Channel is a push notification subscription.
type Channel struct {
	ChannelID   string `json:"channel_id"`
	CallbackURL string `json:"callback_url"`
}

// wireTime is the provider's polymorphic time encoding: either a bare
// date-only string or an object carrying an instant and a tzid.
type wireTime struct {
	value    string
	tzid     string
	dateOnly bool
}

func (t *wireTime) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		t.value = bare
		t.dateOnly = len(bare) == len(dateOnlyLayout)
		return nil
	}
	var wrapped struct {
		Time string `json:"time"`
		Tzid string `json:"tzid"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return fmt.Errorf("decode event time %s: %w", data, err)
	}
	t.value = wrapped.Time
	t.tzid = wrapped.Tzid
	t.dateOnly = len(wrapped.Time) == len(dateOnlyLayout)
	return nil
}

// resolve turns the wire encoding into an instant. Date-only values anchor
// at local midnight of the event tzid, falling back to the connection
// timezone, so a full-day event spans the correct UTC interval.
func (t wireTime) resolve(fallbackTimezone string) (time.Time, bool, error) {
	timezone := t.tzid
	if timezone == "" {
		timezone = fallbackTimezone
	}
	if t.dateOnly {
		location, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("event timezone %q: %w", timezone, err)
		}
		day, err := time.ParseInLocation(dateOnlyLayout, t.value, location)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("event date %q: %w", t.value, err)
		}
		return day.UTC(), true, nil
	}
	instant, err := time.Parse(time.RFC3339, t.value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("event time %q: %w", t.value, err)
	}
	return instant.UTC(), false, nil
}

// nextLocalMidnight returns midnight of the day after this date-only value,
// in the event's (or fallback) timezone.
func (t wireTime) nextLocalMidnight(fallbackTimezone string) (time.Time, error) {
	timezone := t.tzid
	if timezone == "" {
		timezone = fallbackTimezone
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("event timezone %q: %w", timezone, err)
	}
	day, err := time.ParseInLocation(dateOnlyLayout, t.value, location)
	if err != nil {
		return time.Time{}, fmt.Errorf("event date %q: %w", t.value, err)
	}
	return day.AddDate(0, 0, 1).UTC(), nil
}

type wireEvent struct {
	EventUID    string    `json:"event_uid"`
	EventID     string    `json:"event_id"`
	CalendarID  string    `json:"calendar_id"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Start       wireTime  `json:"start"`
	End         wireTime  `json:"end"`
	Deleted     bool      `json:"deleted"`
	Updated     time.Time `json:"updated"`
}

func (w wireEvent) toEvent(fallbackTimezone string) (Event, error) {
	startAt, startAllDay, err := w.Start.resolve(fallbackTimezone)
	if err != nil {
		return Event{}, err
	}
	endAt, endAllDay, err := w.End.resolve(fallbackTimezone)
	if err != nil {
		return Event{}, err
	}
	// Some upstreams encode a single-day full-day event with start == end.
	// Stretch the end to the next local midnight so the busy block covers
	// the whole day instead of collapsing to a zero-duration span.
	if startAllDay && endAllDay && !startAt.Before(endAt) {
		endAt, err = w.Start.nextLocalMidnight(fallbackTimezone)
		if err != nil {
			return Event{}, err
		}
	}
	return Event{
		ExternalID:  w.EventUID,
		EventID:     w.EventID,
		CalendarID:  w.CalendarID,
		Summary:     w.Summary,
		Description: w.Description,
		StartAt:     startAt,
		EndAt:       endAt,
		AllDay:      startAllDay && endAllDay,
		Deleted:     w.Deleted,
		UpdatedAt:   w.Updated,
	}, nil
}
