package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/assignment"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/directory"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/sync"
)

const (
	errorInvalidNumberOfDays = "INVALID_NUMBER_OF_DAYS"
	errorInvalidUserID       = "INVALID_USER_ID"
	errorInvalidTeamID       = "INVALID_TEAM_ID"
	errorInvalidDate         = "INVALID_DATE"
	errorInvalidTimezone     = "INVALID_TIMEZONE"
	errorInvalidRequest      = "INVALID_REQUEST"
	errorSlotNotAvailable    = "SLOT_NOT_AVAILABLE"
	errorEventNotFound       = "EVENT_NOT_FOUND"
	errorNotSickLeave        = "NOT_SICK_LEAVE"
	errorAppointmentNotFound = "APPOINTMENT_NOT_FOUND"
	errorNotReschedulable    = "APPOINTMENT_NOT_ACTIVE"
	errorUnauthorized        = "UNAUTHORIZED"
	errorInternal            = "INTERNAL_ERROR"
)

var (
	errMissingAvailability = errors.New("availability engine dependency required")
	errMissingAssignment   = errors.New("assignment service dependency required")
	errMissingSickLeaves   = errors.New("sick leave service dependency required")
	errMissingDirectory    = errors.New("directory store dependency required")
	errMissingReconciler   = errors.New("reconciler dependency required")
	errMissingProcessor    = errors.New("webhook processor dependency required")
	errMissingTokens       = errors.New("webhook token service dependency required")
)

// Dependencies lists the services the HTTP surface exposes.
type Dependencies struct {
	Availability  *calendar.Availability
	Assignment    *assignment.Service
	SickLeaves    *calendar.SickLeaves
	Directory     *directory.Store
	Reconciler    *sync.Reconciler
	Webhooks      *sync.Processor
	WebhookTokens *auth.WebhookTokens
	// Notifier is optional; when set, booking changes fan out to its
	// subscribers.
	Notifier     *sync.Notifier
	SlotDuration time.Duration
	Logger       *zap.Logger
}

// NewHTTPHandler wires the gin router over the scheduling services.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Availability == nil {
		return nil, errMissingAvailability
	}
	if deps.Assignment == nil {
		return nil, errMissingAssignment
	}
	if deps.SickLeaves == nil {
		return nil, errMissingSickLeaves
	}
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}
	if deps.Reconciler == nil {
		return nil, errMissingReconciler
	}
	if deps.Webhooks == nil {
		return nil, errMissingProcessor
	}
	if deps.WebhookTokens == nil {
		return nil, errMissingTokens
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	slotDuration := deps.SlotDuration
	if slotDuration <= 0 {
		slotDuration = time.Hour
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		availability:  deps.Availability,
		assignment:    deps.Assignment,
		sickLeaves:    deps.SickLeaves,
		directory:     deps.Directory,
		reconciler:    deps.Reconciler,
		webhooks:      deps.Webhooks,
		webhookTokens: deps.WebhookTokens,
		notifier:      deps.Notifier,
		slotDuration:  slotDuration,
		logger:        logger,
	}

	router.GET("/availability", handler.handleAvailability)
	router.POST("/selfBook", handler.handleSelfBook)
	router.POST("/appointments/:id/reschedule", handler.handleReschedule)
	router.POST("/sickLeaves", handler.handleRecordSickLeave)
	router.GET("/sickLeaves/user/:id", handler.handleListSickLeaves)
	router.DELETE("/sickLeaves/:id", handler.handleRemoveSickLeave)
	router.POST("/sync/run", handler.handleSyncRun)
	router.POST("/webhooks/calendarEventUpdated", handler.handleWebhook)

	return router, nil
}

type httpHandler struct {
	availability  *calendar.Availability
	assignment    *assignment.Service
	sickLeaves    *calendar.SickLeaves
	directory     *directory.Store
	reconciler    *sync.Reconciler
	webhooks      *sync.Processor
	webhookTokens *auth.WebhookTokens
	notifier      *sync.Notifier
	slotDuration  time.Duration
	logger        *zap.Logger
}

type slotPayload struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	AvailableAgents []string  `json:"available_agents"`
	IsTeam          bool      `json:"is_team,omitempty"`
	IsAllDay        bool      `json:"is_all_day,omitempty"`
}

func (h *httpHandler) handleAvailability(c *gin.Context) {
	teamID := strings.TrimSpace(c.Query("team_id"))
	userIDs := splitIDs(c.Query("user_ids"))
	if teamID == "" && len(userIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidUserID})
		return
	}

	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil || days <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidNumberOfDays})
		return
	}
	timezone := c.DefaultQuery("timezone", "UTC")
	if _, err := time.LoadLocation(timezone); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidTimezone})
		return
	}
	startAt, err := parseInstant(c.DefaultQuery("start", ""), timezone)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidDate})
		return
	}

	if len(userIDs) == 0 {
		userIDs, err = h.directory.ActiveAgentIDs(c.Request.Context(), teamID)
		if err != nil {
			h.logger.Error("failed to resolve team agents", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": errorInternal})
			return
		}
		if len(userIDs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidTeamID})
			return
		}
	}

	slots, err := h.availability.Compute(c.Request.Context(), calendar.AvailabilityRequest{
		UserIDs:      userIDs,
		TeamID:       teamID,
		StartAt:      startAt,
		Days:         days,
		SlotDuration: h.slotDuration,
		Timezone:     timezone,
	})
	if errors.Is(err, calendar.ErrInvalidWindow) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidNumberOfDays})
		return
	}
	if errors.Is(err, calendar.ErrNoCandidates) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidUserID})
		return
	}
	if err != nil {
		h.logger.Error("availability computation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorInternal})
		return
	}

	payload := make([]slotPayload, 0, len(slots))
	for _, slot := range slots {
		payload = append(payload, slotPayload{
			Start:           slot.StartAt,
			End:             slot.EndAt,
			AvailableAgents: slot.AvailableAgents,
			IsTeam:          slot.IsTeam,
			IsAllDay:        slot.IsAllDay,
		})
	}
	c.JSON(http.StatusOK, gin.H{"slots": payload})
}

type selfBookPayload struct {
	TeamID          string    `json:"team_id"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
	Timezone        string    `json:"timezone"`
	CurrentOwnerID  string    `json:"current_owner_id"`
	PartyOwnerID    string    `json:"party_owner_id"`
	CollaboratorIDs []string  `json:"collaborator_ids"`
}

func (h *httpHandler) handleSelfBook(c *gin.Context) {
	var request selfBookPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.TeamID == "" || request.Start.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}

	duration := h.slotDuration
	if request.DurationMinutes > 0 {
		duration = time.Duration(request.DurationMinutes) * time.Minute
	}
	timezone := request.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	result, err := h.assignment.Assign(c.Request.Context(), assignment.AssignRequest{
		TeamID:       request.TeamID,
		StartAt:      request.Start,
		SlotDuration: duration,
		Timezone:     timezone,
		Preference: assignment.Preference{
			CurrentOwnerID:  request.CurrentOwnerID,
			PartyOwnerID:    request.PartyOwnerID,
			CollaboratorIDs: request.CollaboratorIDs,
		},
	})
	if h.writeAssignmentError(c, err) {
		return
	}

	h.publishAppointmentChange(result.AgentID, nil)
	c.JSON(http.StatusOK, gin.H{
		"agent_id": result.AgentID,
		"event_id": result.EventID,
		"start":    result.StartAt,
		"end":      result.EndAt,
	})
}

type reschedulePayload struct {
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
	Timezone        string    `json:"timezone"`
}

func (h *httpHandler) handleReschedule(c *gin.Context) {
	appointmentID := c.Param("id")

	var request reschedulePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Start.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}

	duration := h.slotDuration
	if request.DurationMinutes > 0 {
		duration = time.Duration(request.DurationMinutes) * time.Minute
	}
	timezone := request.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	result, err := h.assignment.Reschedule(c.Request.Context(), assignment.RescheduleRequest{
		AppointmentID: appointmentID,
		StartAt:       request.Start,
		SlotDuration:  duration,
		Timezone:      timezone,
	})
	if errors.Is(err, directory.ErrAppointmentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": errorAppointmentNotFound})
		return
	}
	if errors.Is(err, assignment.ErrNotReschedulable) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorNotReschedulable})
		return
	}
	if h.writeAssignmentError(c, err) {
		return
	}

	h.publishAppointmentChange(result.AgentID, []string{appointmentID})
	c.JSON(http.StatusOK, gin.H{
		"agent_id": result.AgentID,
		"event_id": result.EventID,
		"start":    result.StartAt,
		"end":      result.EndAt,
	})
}

func (h *httpHandler) publishAppointmentChange(agentID string, appointmentIDs []string) {
	if h.notifier == nil {
		return
	}
	h.notifier.Publish(sync.Message{
		EventType:      sync.EventAppointmentChanged,
		TargetID:       agentID,
		AppointmentIDs: appointmentIDs,
		Timestamp:      time.Now().UTC(),
	})
}

// writeAssignmentError maps assignment failures onto the API contract and
// reports whether a response was written.
func (h *httpHandler) writeAssignmentError(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	var conflict *assignment.SlotConflictError
	if errors.As(err, &conflict) {
		c.JSON(http.StatusPreconditionFailed, gin.H{
			"error":                       errorSlotNotAvailable,
			"conflicting_appointment_ids": conflict.ConflictingAppointmentIDs,
		})
		return true
	}
	if errors.Is(err, assignment.ErrInvalidAssignment) || errors.Is(err, assignment.ErrNoAgents) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return true
	}
	h.logger.Error("slot assignment failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": errorInternal})
	return true
}

type sickLeavePayload struct {
	UserID    string    `json:"user_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Notes     string    `json:"notes"`
	Timezone  string    `json:"timezone"`
	CreatedBy string    `json:"created_by"`
}

func (h *httpHandler) handleRecordSickLeave(c *gin.Context) {
	var request sickLeavePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	timezone := request.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	event, err := h.sickLeaves.Record(c.Request.Context(), calendar.RecordSickLeaveRequest{
		UserID:    request.UserID,
		StartAt:   request.Start,
		EndAt:     request.End,
		Notes:     request.Notes,
		Timezone:  timezone,
		CreatedBy: request.CreatedBy,
	})
	if errors.Is(err, calendar.ErrInvalidSickLeave) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	if err != nil {
		h.logger.Error("sick leave record failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorInternal})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"event_id": event.ID,
		"start":    event.StartAt,
		"end":      event.EndAt,
	})
}

func (h *httpHandler) handleListSickLeaves(c *gin.Context) {
	userID := c.Param("id")

	views, err := h.sickLeaves.ListForUser(c.Request.Context(), userID)
	if errors.Is(err, calendar.ErrInvalidSickLeave) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidUserID})
		return
	}
	if err != nil {
		h.logger.Error("sick leave listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorInternal})
		return
	}

	type sickLeaveView struct {
		EventID                   string    `json:"event_id"`
		Start                     time.Time `json:"start"`
		End                       time.Time `json:"end"`
		Notes                     string    `json:"notes,omitempty"`
		CreatedBy                 string    `json:"created_by,omitempty"`
		ConflictingAppointmentIDs []string  `json:"conflicting_appointment_ids,omitempty"`
	}
	payload := make([]sickLeaveView, 0, len(views))
	for _, view := range views {
		payload = append(payload, sickLeaveView{
			EventID:                   view.Event.ID,
			Start:                     view.Event.StartAt,
			End:                       view.Event.EndAt,
			Notes:                     view.Metadata.Notes,
			CreatedBy:                 view.Metadata.CreatedBy,
			ConflictingAppointmentIDs: view.ConflictingApptIDs,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sick_leaves": payload})
}

func (h *httpHandler) handleRemoveSickLeave(c *gin.Context) {
	eventID := c.Param("id")
	deletedBy := strings.TrimSpace(c.Query("deleted_by"))

	event, err := h.sickLeaves.Remove(c.Request.Context(), eventID, deletedBy)
	if errors.Is(err, calendar.ErrEventNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": errorEventNotFound})
		return
	}
	if errors.Is(err, calendar.ErrNotSickLeave) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorNotSickLeave})
		return
	}
	if err != nil {
		h.logger.Error("sick leave removal failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorInternal})
		return
	}

	c.JSON(http.StatusOK, gin.H{"event_id": event.ID, "deleted": true})
}

func (h *httpHandler) handleSyncRun(c *gin.Context) {
	if err := h.reconciler.Run(c.Request.Context()); err != nil {
		h.logger.Error("reconciliation run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorInternal})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "completed"})
}

type webhookPayload struct {
	Notification struct {
		Type         string     `json:"type"`
		ChangesSince *time.Time `json:"changes_since"`
	} `json:"notification"`
	Channel struct {
		ChannelID string `json:"channel_id"`
	} `json:"channel"`
}

// handleWebhook authenticates the provider callback by the token minted when
// the channel was created, then applies the delta. A processing failure is a
// 500 so the provider redelivers.
func (h *httpHandler) handleWebhook(c *gin.Context) {
	channelID, err := h.webhookTokens.Validate(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}

	targetType := directory.TargetType(c.Query("target_type"))
	targetID := c.Query("target_id")
	if (targetType != directory.TargetUser && targetType != directory.TargetTeam) || targetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}

	var request webhookPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	if request.Channel.ChannelID != "" && request.Channel.ChannelID != channelID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}

	err = h.webhooks.Process(c.Request.Context(), sync.Notification{
		Type:         request.Notification.Type,
		TargetType:   targetType,
		TargetID:     targetID,
		CalendarID:   c.Query("calendar_id"),
		ChangesSince: request.Notification.ChangesSince,
	})
	if err != nil {
		h.logger.Error("webhook processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorInternal})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func splitIDs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}

// parseInstant accepts RFC3339 or a bare date interpreted in the timezone.
func parseInstant(raw, timezone string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Now().UTC(), nil
	}
	if instant, err := time.Parse(time.RFC3339, raw); err == nil {
		return instant, nil
	}
	location := time.UTC
	if timezone != "" {
		loaded, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, err
		}
		location = loaded
	}
	return time.ParseInLocation("2006-01-02", raw, location)
}
