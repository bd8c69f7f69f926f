package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

const maxWindowDays = 62

var (
	// ErrInvalidWindow indicates an unusable availability request window.
	ErrInvalidWindow = errors.New("calendar: invalid availability window")
	// ErrNoCandidates indicates an empty candidate set.
	ErrNoCandidates = errors.New("calendar: no candidate users")

	errMissingStore        = errors.New("event store is required")
	errMissingAppointments = errors.New("appointment source is required")
)

// BusyInterval is an opaque busy block contributed by the appointment
// subsystem.
type BusyInterval struct {
	UserID        string
	AppointmentID string
	StartAt       time.Time
	EndAt         time.Time
}

// AppointmentSource exposes the busy intervals of the externally owned
// appointment records.
type AppointmentSource interface {
	BusyAppointments(ctx context.Context, userIDs []string, from, to time.Time) ([]BusyInterval, error)
}

// Slot is one fixed-duration availability bucket.
type Slot struct {
	StartAt         time.Time
	EndAt           time.Time
	AvailableAgents []string
	IsTeam          bool
	IsAllDay        bool
}

// AvailabilityRequest describes one availability computation.
type AvailabilityRequest struct {
	UserIDs      []string
	TeamID       string
	StartAt      time.Time
	Days         int
	SlotDuration time.Duration
	Timezone     string
}

// AvailabilityConfig wires the availability engine dependencies.
type AvailabilityConfig struct {
	Store        *Store
	Appointments AppointmentSource
	Logger       *zap.Logger
}

// Availability computes per-slot free agents over a day window.
type Availability struct {
	store        *Store
	appointments AppointmentSource
	logger       *zap.Logger
}

// NewAvailability validates the configuration and constructs the engine.
func NewAvailability(cfg AvailabilityConfig) (*Availability, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Appointments == nil {
		return nil, errMissingAppointments
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Availability{store: cfg.Store, appointments: cfg.Appointments, logger: logger}, nil
}

// Compute partitions the window into slots and subtracts busy users. A user
// is unavailable in a slot when an appointment, a non-deleted user event, or
// a team-wide event overlaps it; interval overlap is half-open, so events
// that only touch a slot boundary do not conflict.
func (a *Availability) Compute(ctx context.Context, req AvailabilityRequest) ([]Slot, error) {
	if req.Days <= 0 || req.Days > maxWindowDays {
		return nil, fmt.Errorf("%w: %d days", ErrInvalidWindow, req.Days)
	}
	if req.SlotDuration <= 0 {
		return nil, fmt.Errorf("%w: slot duration %s", ErrInvalidWindow, req.SlotDuration)
	}
	if len(req.UserIDs) == 0 {
		return nil, ErrNoCandidates
	}
	location, err := time.LoadLocation(req.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q", ErrInvalidWindow, req.Timezone)
	}

	grid := newSlotGrid(req.StartAt, req.Days, req.SlotDuration, location, req.UserIDs)

	userEvents, err := a.store.UserEventsInRange(ctx, req.UserIDs, grid.start, grid.end)
	if err != nil {
		return nil, err
	}
	busyAppointments, err := a.appointments.BusyAppointments(ctx, req.UserIDs, grid.start, grid.end)
	if err != nil {
		return nil, err
	}

	var teamEvents []TeamEvent
	if req.TeamID != "" {
		teamEvents, err = a.store.TeamEventsInRange(ctx, req.TeamID, grid.start, grid.end)
		if err != nil {
			return nil, err
		}
	}

	for _, event := range teamEvents {
		grid.blockTeam(event.StartAt, event.EndAt)
	}
	for _, event := range userEvents {
		grid.blockUser(event.UserID, event.StartAt, event.EndAt)
	}
	for _, interval := range busyAppointments {
		grid.blockUser(interval.UserID, interval.StartAt, interval.EndAt)
	}

	return grid.slots(), nil
}

// slotGrid buckets events into fixed slots with index arithmetic so each
// event is visited once regardless of the window size.
type slotGrid struct {
	start      time.Time
	end        time.Time
	duration   time.Duration
	location   *time.Location
	candidates []string
	entries    []*Slot
	removed    map[int]bool
	allDay     []Slot
}

func newSlotGrid(startAt time.Time, days int, duration time.Duration, location *time.Location, candidates []string) *slotGrid {
	local := startAt.In(location)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, location)
	window := time.Duration(days) * 24 * time.Hour
	numSlots := int((window + duration - 1) / duration)

	entries := make([]*Slot, numSlots)
	for index := range entries {
		slotStart := dayStart.Add(time.Duration(index) * duration)
		agents := make([]string, len(candidates))
		copy(agents, candidates)
		entries[index] = &Slot{
			StartAt:         slotStart,
			EndAt:           slotStart.Add(duration),
			AvailableAgents: agents,
		}
	}
	return &slotGrid{
		start:      dayStart,
		end:        dayStart.Add(window),
		duration:   duration,
		location:   location,
		candidates: candidates,
		entries:    entries,
		removed:    make(map[int]bool),
	}
}

// slotRange converts an event interval into [first, last) slot indexes,
// clamped to the grid. Zero-duration events map to an empty range.
func (g *slotGrid) slotRange(startAt, endAt time.Time) (int, int) {
	if !startAt.Before(endAt) {
		return 0, 0
	}
	first := int(startAt.Sub(g.start) / g.duration)
	last := int((endAt.Sub(g.start) + g.duration - 1) / g.duration)
	if first < 0 {
		first = 0
	}
	if last > len(g.entries) {
		last = len(g.entries)
	}
	if first >= last {
		return 0, 0
	}
	return first, last
}

func (g *slotGrid) blockUser(userID string, startAt, endAt time.Time) {
	first, last := g.slotRange(startAt, endAt)
	for index := first; index < last; index++ {
		slot := g.entries[index]
		if slot.IsTeam {
			continue
		}
		slot.AvailableAgents = removeAgent(slot.AvailableAgents, userID)
	}
}

func (g *slotGrid) blockTeam(startAt, endAt time.Time) {
	if g.isAllDay(startAt, endAt) {
		g.blockTeamAllDay(startAt, endAt)
		return
	}
	first, last := g.slotRange(startAt, endAt)
	for index := first; index < last; index++ {
		slot := g.entries[index]
		slot.IsTeam = true
		slot.AvailableAgents = nil
	}
}

// blockTeamAllDay collapses the covered days into a single all-day slot in
// place of the regular buckets.
func (g *slotGrid) blockTeamAllDay(startAt, endAt time.Time) {
	first, last := g.slotRange(startAt, endAt)
	if first == last {
		return
	}
	for index := first; index < last; index++ {
		g.removed[index] = true
	}
	g.allDay = append(g.allDay, Slot{
		StartAt:  startAt.In(g.location),
		EndAt:    endAt.In(g.location),
		IsTeam:   true,
		IsAllDay: true,
	})
}

// isAllDay reports whether both bounds sit on local midnight.
func (g *slotGrid) isAllDay(startAt, endAt time.Time) bool {
	return isLocalMidnight(startAt, g.location) && isLocalMidnight(endAt, g.location) && startAt.Before(endAt)
}

func isLocalMidnight(instant time.Time, location *time.Location) bool {
	local := instant.In(location)
	return local.Hour() == 0 && local.Minute() == 0 && local.Second() == 0 && local.Nanosecond() == 0
}

func (g *slotGrid) slots() []Slot {
	result := make([]Slot, 0, len(g.entries)+len(g.allDay))
	for index, slot := range g.entries {
		if g.removed[index] {
			continue
		}
		result = append(result, *slot)
	}
	result = append(result, g.allDay...)
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartAt.Before(result[j].StartAt)
	})
	return result
}

func removeAgent(agents []string, userID string) []string {
	for index, candidate := range agents {
		if candidate == userID {
			return append(agents[:index], agents[index+1:]...)
		}
	}
	return agents
}
