package assignment

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/directory"
)

var (
	// ErrInvalidAssignment indicates an unusable booking request.
	ErrInvalidAssignment = errors.New("assignment: invalid request")
	// ErrNoAgents indicates the team has no active leasing agents at all.
	ErrNoAgents = errors.New("assignment: team has no active agents")
	// ErrNotReschedulable indicates the appointment is not in a movable state.
	ErrNotReschedulable = errors.New("assignment: appointment is not active")

	errMissingDatabase  = errors.New("database handle is required")
	errMissingEvents    = errors.New("event store is required")
	errMissingDirectory = errors.New("directory store is required")
)

// SlotConflictError reports that every candidate agent is occupied during the
// requested slot. The conflicting appointment ids let the caller surface what
// is blocking the slot.
type SlotConflictError struct {
	ConflictingAppointmentIDs []string
}

func (e *SlotConflictError) Error() string {
	if len(e.ConflictingAppointmentIDs) == 0 {
		return "slot is not available"
	}
	return fmt.Sprintf("slot is not available, conflicts: %s", strings.Join(e.ConflictingAppointmentIDs, ", "))
}

// Preference carries the ownership context used to bias agent selection.
// Fields may be empty; each empty field simply skips its tier.
type Preference struct {
	CurrentOwnerID  string
	PartyOwnerID    string
	CollaboratorIDs []string
}

// AssignRequest describes a guest booking of one slot on a team calendar.
type AssignRequest struct {
	TeamID       string
	StartAt      time.Time
	SlotDuration time.Duration
	Timezone     string
	Preference   Preference
}

// RescheduleRequest moves an existing appointment to a new slot. The current
// agent becomes the top selection preference unless the caller overrides it.
type RescheduleRequest struct {
	AppointmentID string
	StartAt       time.Time
	SlotDuration  time.Duration
	Timezone      string
	Preference    Preference
}

// Result is the outcome of a successful slot assignment.
type Result struct {
	AgentID string
	EventID string
	StartAt time.Time
	EndAt   time.Time
}

// ServiceConfig wires the assignment engine dependencies.
type ServiceConfig struct {
	Database  *gorm.DB
	Events    *calendar.Store
	Directory *directory.Store
	Clock     func() time.Time
	Rand      *rand.Rand
	Logger    *zap.Logger
}

// Service picks an agent for a slot and writes the booking atomically.
// Selection and write happen in one transaction under a per-team-per-day
// lock, so two bookings of the same slot cannot both land on an agent.
type Service struct {
	db        *gorm.DB
	events    *calendar.Store
	directory *directory.Store
	clock     func() time.Time
	rand      *rand.Rand
	logger    *zap.Logger
	locks     *keyedMutex
}

// NewService validates the configuration and constructs the engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Events == nil {
		return nil, errMissingEvents
	}
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	source := cfg.Rand
	if source == nil {
		source = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        cfg.Database,
		events:    cfg.Events,
		directory: cfg.Directory,
		clock:     clock,
		rand:      source,
		logger:    logger,
		locks:     newKeyedMutex(),
	}, nil
}

// Assign books the slot for the best available agent on the team and writes
// the placeholder event. It returns *SlotConflictError when the team calendar
// or every agent is occupied; nothing is written on failure.
func (s *Service) Assign(ctx context.Context, req AssignRequest) (Result, error) {
	location, startAt, endAt, err := s.validateSlot(req.TeamID, req.StartAt, req.SlotDuration, req.Timezone)
	if err != nil {
		return Result{}, err
	}

	unlock := s.locks.lock(slotKey(req.TeamID, startAt, location))
	defer unlock()

	var result Result
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		events := s.events.WithTx(tx)
		dir := s.directory.WithTx(tx)

		agentID, conflict, err := s.selectAgent(ctx, events, dir, req.TeamID, req.Preference, startAt, endAt, location, "")
		if err != nil {
			return err
		}
		if conflict != nil {
			return conflict
		}

		event, err := events.SaveUserEvent(ctx, agentID, startAt, endAt, calendar.EventMetadata{Type: calendar.EventTypeSelfBook})
		if err != nil {
			return err
		}
		result = Result{AgentID: agentID, EventID: event.ID, StartAt: event.StartAt, EndAt: event.EndAt}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	s.logger.Info("slot assigned",
		zap.String("team_id", req.TeamID),
		zap.String("agent_id", result.AgentID),
		zap.Time("start_at", result.StartAt))
	return result, nil
}

// Reschedule moves an active appointment to a new slot, re-running agent
// selection with the current owner preferred. The appointment's own interval
// never blocks its move.
func (s *Service) Reschedule(ctx context.Context, req RescheduleRequest) (Result, error) {
	if req.AppointmentID == "" {
		return Result{}, fmt.Errorf("%w: appointment id required", ErrInvalidAssignment)
	}

	appointment, err := s.directory.GetAppointment(ctx, req.AppointmentID)
	if err != nil {
		return Result{}, err
	}
	if appointment.State != directory.AppointmentStateActive {
		return Result{}, ErrNotReschedulable
	}

	location, startAt, endAt, err := s.validateSlot(appointment.TeamID, req.StartAt, req.SlotDuration, req.Timezone)
	if err != nil {
		return Result{}, err
	}

	preference := req.Preference
	if preference.CurrentOwnerID == "" {
		preference.CurrentOwnerID = appointment.AgentID
	}

	unlock := s.locks.lock(slotKey(appointment.TeamID, startAt, location))
	defer unlock()

	var result Result
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		events := s.events.WithTx(tx)
		dir := s.directory.WithTx(tx)

		agentID, conflict, err := s.selectAgent(ctx, events, dir, appointment.TeamID, preference, startAt, endAt, location, appointment.ID)
		if err != nil {
			return err
		}
		if conflict != nil {
			return conflict
		}

		if err := dir.ReassignAppointment(ctx, appointment.ID, agentID, startAt, endAt); err != nil {
			return err
		}

		event, err := events.ReassignSlotEvent(ctx, appointment.ID, agentID, startAt, endAt)
		if errors.Is(err, calendar.ErrEventNotFound) {
			// No linked placeholder yet; create one so the slot stays blocked.
			event, err = events.SaveUserEvent(ctx, agentID, startAt, endAt, calendar.EventMetadata{
				Type:          calendar.EventTypeSelfBook,
				AppointmentID: appointment.ID,
			})
		}
		if err != nil {
			return err
		}
		result = Result{AgentID: agentID, EventID: event.ID, StartAt: event.StartAt, EndAt: event.EndAt}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	s.logger.Info("appointment rescheduled",
		zap.String("appointment_id", appointment.ID),
		zap.String("agent_id", result.AgentID),
		zap.Time("start_at", result.StartAt))
	return result, nil
}

func (s *Service) validateSlot(teamID string, startAt time.Time, duration time.Duration, timezone string) (*time.Location, time.Time, time.Time, error) {
	if teamID == "" {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("%w: team id required", ErrInvalidAssignment)
	}
	if duration <= 0 {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("%w: slot duration %s", ErrInvalidAssignment, duration)
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("%w: timezone %q", ErrInvalidAssignment, timezone)
	}
	if startAt.Before(s.clock()) {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("%w: slot start is in the past", ErrInvalidAssignment)
	}
	start := startAt.UTC()
	return location, start, start.Add(duration), nil
}

// selectAgent applies the preference tiers over the agents free during
// [startAt, endAt): current owner, then party owner, then a random free
// collaborator, then the agent with the fewest bookings that day (an agent
// with an empty day naturally wins), ties broken at random. A non-nil
// conflict return means no agent is free.
func (s *Service) selectAgent(
	ctx context.Context,
	events *calendar.Store,
	dir *directory.Store,
	teamID string,
	preference Preference,
	startAt, endAt time.Time,
	location *time.Location,
	excludeAppointmentID string,
) (string, *SlotConflictError, error) {
	teamFree, err := events.IsSlotFreeForTeam(ctx, teamID, startAt, endAt)
	if err != nil {
		return "", nil, err
	}
	if !teamFree {
		return "", &SlotConflictError{}, nil
	}

	candidates, err := dir.ActiveAgentIDs(ctx, teamID)
	if err != nil {
		return "", nil, err
	}
	if len(candidates) == 0 {
		return "", nil, ErrNoAgents
	}

	overlapping, err := dir.ActiveAppointmentsForUsers(ctx, candidates, startAt, endAt)
	if err != nil {
		return "", nil, err
	}
	busyEvents, err := events.UserEventsInRange(ctx, candidates, startAt, endAt)
	if err != nil {
		return "", nil, err
	}

	busy := make(map[string]struct{})
	conflictIDs := make([]string, 0, len(overlapping))
	for _, appointment := range overlapping {
		if appointment.ID == excludeAppointmentID {
			continue
		}
		busy[appointment.AgentID] = struct{}{}
		conflictIDs = append(conflictIDs, appointment.ID)
	}
	for _, event := range busyEvents {
		metadata, err := event.DecodeMetadata()
		if err != nil {
			return "", nil, err
		}
		if excludeAppointmentID != "" && metadata.AppointmentID == excludeAppointmentID {
			continue
		}
		busy[event.UserID] = struct{}{}
	}

	free := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if _, occupied := busy[candidate]; !occupied {
			free = append(free, candidate)
		}
	}
	if len(free) == 0 {
		return "", &SlotConflictError{ConflictingAppointmentIDs: conflictIDs}, nil
	}

	if containsID(free, preference.CurrentOwnerID) {
		return preference.CurrentOwnerID, nil, nil
	}
	if containsID(free, preference.PartyOwnerID) {
		return preference.PartyOwnerID, nil, nil
	}
	if collaborators := intersectIDs(free, preference.CollaboratorIDs); len(collaborators) > 0 {
		return collaborators[s.rand.Intn(len(collaborators))], nil, nil
	}

	dayStart := localDayStart(startAt, location)
	dayEnd := dayStart.Add(24 * time.Hour)
	counts, err := events.BookingCounts(ctx, free, dayStart, dayEnd)
	if err != nil {
		return "", nil, err
	}
	dayAppointments, err := dir.ActiveAppointmentsForUsers(ctx, free, dayStart, dayEnd)
	if err != nil {
		return "", nil, err
	}
	for _, appointment := range dayAppointments {
		if appointment.ID == excludeAppointmentID {
			continue
		}
		counts[appointment.AgentID]++
	}

	leastBooked := make([]string, 0, len(free))
	minimum := -1
	for _, candidate := range free {
		count := counts[candidate]
		switch {
		case minimum == -1 || count < minimum:
			minimum = count
			leastBooked = leastBooked[:0]
			leastBooked = append(leastBooked, candidate)
		case count == minimum:
			leastBooked = append(leastBooked, candidate)
		}
	}
	return leastBooked[s.rand.Intn(len(leastBooked))], nil, nil
}

// slotKey identifies the lock scope: one team's local calendar day.
func slotKey(teamID string, startAt time.Time, location *time.Location) string {
	return teamID + "|" + startAt.In(location).Format("2006-01-02")
}

func localDayStart(instant time.Time, location *time.Location) time.Time {
	local := instant.In(location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, location)
}

func containsID(ids []string, id string) bool {
	if id == "" {
		return false
	}
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func intersectIDs(ids, wanted []string) []string {
	if len(wanted) == 0 {
		return nil
	}
	lookup := make(map[string]struct{}, len(wanted))
	for _, id := range wanted {
		lookup[id] = struct{}{}
	}
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := lookup[id]; ok {
			result = append(result, id)
		}
	}
	return result
}
