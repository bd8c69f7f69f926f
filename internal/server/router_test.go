package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/assignment"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/directory"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/provider"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/sync"
)

type sequenceIDGenerator struct {
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("event-%d", g.next), nil
}

type stubCalendarAPI struct{}

func (stubCalendarAPI) GetEvents(context.Context, provider.Session, provider.GetEventsRequest) ([]provider.Event, error) {
	return nil, nil
}

func (stubCalendarAPI) CreateEvent(context.Context, provider.Session, string, provider.EventUpsert) error {
	return nil
}

func (stubCalendarAPI) DeleteEvent(context.Context, provider.Session, string, string) error {
	return nil
}

func (stubCalendarAPI) DeleteExternalEvent(context.Context, provider.Session, string, string) error {
	return nil
}

type appointmentSource struct {
	directory *directory.Store
}

func (s appointmentSource) BusyAppointments(ctx context.Context, userIDs []string, from, to time.Time) ([]calendar.BusyInterval, error) {
	appointments, err := s.directory.ActiveAppointmentsForUsers(ctx, userIDs, from, to)
	if err != nil {
		return nil, err
	}
	intervals := make([]calendar.BusyInterval, 0, len(appointments))
	for _, appointment := range appointments {
		intervals = append(intervals, calendar.BusyInterval{
			UserID:        appointment.AgentID,
			AppointmentID: appointment.ID,
			StartAt:       appointment.StartAt,
			EndAt:         appointment.EndAt,
		})
	}
	return intervals, nil
}

type routerFixture struct {
	handler  http.Handler
	db       *gorm.DB
	tokens   *auth.WebhookTokens
	notifier *sync.Notifier
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:leasecal_server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&directory.User{}, &directory.Team{}, &directory.TeamMember{},
		&directory.Appointment{}, &directory.Connection{}, &directory.TenantSettings{},
		&calendar.UserEvent{}, &calendar.TeamEvent{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := db.Create(&directory.TenantSettings{ID: 1, IntegrationEnabled: true}).Error; err != nil {
		t.Fatalf("failed to seed settings: %v", err)
	}

	directoryStore, err := directory.NewStore(db)
	if err != nil {
		t.Fatalf("failed to construct directory store: %v", err)
	}
	eventStore, err := calendar.NewStore(calendar.StoreConfig{Database: db, IDProvider: &sequenceIDGenerator{}})
	if err != nil {
		t.Fatalf("failed to construct event store: %v", err)
	}

	clock := func() time.Time { return time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC) }
	source := appointmentSource{directory: directoryStore}

	availability, err := calendar.NewAvailability(calendar.AvailabilityConfig{Store: eventStore, Appointments: source})
	if err != nil {
		t.Fatalf("failed to construct availability: %v", err)
	}
	assignmentService, err := assignment.NewService(assignment.ServiceConfig{
		Database: db, Events: eventStore, Directory: directoryStore, Clock: clock,
	})
	if err != nil {
		t.Fatalf("failed to construct assignment service: %v", err)
	}
	sickLeaves, err := calendar.NewSickLeaves(calendar.SickLeaveConfig{Store: eventStore, Appointments: source, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct sick leave service: %v", err)
	}
	reconciler, err := sync.NewReconciler(sync.ReconcilerConfig{
		Directory: directoryStore, Events: eventStore, Provider: stubCalendarAPI{}, Clock: clock,
	})
	if err != nil {
		t.Fatalf("failed to construct reconciler: %v", err)
	}
	processor, err := sync.NewProcessor(sync.ProcessorConfig{
		Directory: directoryStore, Events: eventStore, Provider: stubCalendarAPI{},
	})
	if err != nil {
		t.Fatalf("failed to construct processor: %v", err)
	}
	webhookTokens, err := auth.NewWebhookTokens(auth.WebhookTokenConfig{SigningSecret: []byte("test-secret")})
	if err != nil {
		t.Fatalf("failed to construct webhook tokens: %v", err)
	}

	notifier := sync.NewNotifier()
	handler, err := NewHTTPHandler(Dependencies{
		Availability:  availability,
		Assignment:    assignmentService,
		SickLeaves:    sickLeaves,
		Directory:     directoryStore,
		Reconciler:    reconciler,
		Webhooks:      processor,
		WebhookTokens: webhookTokens,
		Notifier:      notifier,
		SlotDuration:  time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &routerFixture{handler: handler, db: db, tokens: webhookTokens, notifier: notifier}
}

func (f *routerFixture) seedTeam(t *testing.T, teamID string, agentIDs ...string) {
	t.Helper()
	if err := f.db.Create(&directory.Team{ID: teamID, DisplayName: teamID}).Error; err != nil {
		t.Fatalf("failed to seed team: %v", err)
	}
	roles, err := json.Marshal([]string{directory.RoleLeasingAgent})
	if err != nil {
		t.Fatalf("failed to encode roles: %v", err)
	}
	for _, agentID := range agentIDs {
		if err := f.db.Create(&directory.User{ID: agentID, FullName: agentID}).Error; err != nil {
			t.Fatalf("failed to seed user: %v", err)
		}
		member := directory.TeamMember{TeamID: teamID, UserID: agentID, FunctionalRoles: datatypes.JSON(roles)}
		if err := f.db.Create(&member).Error; err != nil {
			t.Fatalf("failed to seed member: %v", err)
		}
	}
}

func (f *routerFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, nil)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestAvailabilityRejectsInvalidDays(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seedTeam(t, "team-1", "agent-1")

	recorder := fixture.do(t, http.MethodGet, "/availability?team_id=team-1&days=0", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), errorInvalidNumberOfDays) {
		t.Fatalf("expected %s token, got %s", errorInvalidNumberOfDays, recorder.Body.String())
	}
}

func TestAvailabilityRejectsUnknownTimezone(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seedTeam(t, "team-1", "agent-1")

	recorder := fixture.do(t, http.MethodGet, "/availability?team_id=team-1&days=1&timezone=Not%2FAZone", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), errorInvalidTimezone) {
		t.Fatalf("expected %s token, got %s", errorInvalidTimezone, recorder.Body.String())
	}
}

func TestAvailabilityReturnsSlots(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seedTeam(t, "team-1", "agent-1", "agent-2")

	recorder := fixture.do(t, http.MethodGet, "/availability?team_id=team-1&days=1&start=2026-09-02T00:00:00Z", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response struct {
		Slots []slotPayload `json:"slots"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Slots) != 24 {
		t.Fatalf("expected 24 hourly slots, got %d", len(response.Slots))
	}
	if len(response.Slots[0].AvailableAgents) != 2 {
		t.Fatalf("expected both agents available, got %v", response.Slots[0].AvailableAgents)
	}
}

func TestSelfBookReturnsConflictDetails(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seedTeam(t, "team-1", "agent-1")

	appointment := directory.Appointment{
		ID: "appt-1", AgentID: "agent-1", PartyID: "party-1", TeamID: "team-1",
		StartAt: time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC),
		EndAt:   time.Date(2026, 9, 2, 11, 0, 0, 0, time.UTC),
		State:   directory.AppointmentStateActive,
	}
	if err := fixture.db.Create(&appointment).Error; err != nil {
		t.Fatalf("failed to seed appointment: %v", err)
	}

	body := `{"team_id":"team-1","start":"2026-09-02T10:00:00Z","timezone":"UTC"}`
	recorder := fixture.do(t, http.MethodPost, "/selfBook", body)
	if recorder.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response struct {
		Error                     string   `json:"error"`
		ConflictingAppointmentIDs []string `json:"conflicting_appointment_ids"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Error != errorSlotNotAvailable {
		t.Fatalf("expected %s, got %s", errorSlotNotAvailable, response.Error)
	}
	if len(response.ConflictingAppointmentIDs) != 1 || response.ConflictingAppointmentIDs[0] != "appt-1" {
		t.Fatalf("expected conflict with appt-1, got %v", response.ConflictingAppointmentIDs)
	}
}

func TestSelfBookAssignsAgent(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seedTeam(t, "team-1", "agent-1")

	body := `{"team_id":"team-1","start":"2026-09-02T10:00:00Z","timezone":"UTC"}`
	recorder := fixture.do(t, http.MethodPost, "/selfBook", body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response struct {
		AgentID string `json:"agent_id"`
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.AgentID != "agent-1" || response.EventID == "" {
		t.Fatalf("unexpected booking response: %+v", response)
	}
}

func TestSelfBookPublishesAppointmentChange(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seedTeam(t, "team-1", "agent-1")

	stream, cancel := fixture.notifier.Subscribe(context.Background())
	defer cancel()

	body := `{"team_id":"team-1","start":"2026-09-02T10:00:00Z","timezone":"UTC"}`
	recorder := fixture.do(t, http.MethodPost, "/selfBook", body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	select {
	case message := <-stream:
		if message.EventType != sync.EventAppointmentChanged || message.TargetID != "agent-1" {
			t.Fatalf("unexpected notification: %+v", message)
		}
	default:
		t.Fatalf("expected a booking change notification")
	}
}

func TestSickLeaveLifecycleOverHTTP(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seedTeam(t, "team-1", "agent-1")

	body := `{"user_id":"agent-1","start":"2026-09-02T00:00:00Z","end":"2026-09-03T00:00:00Z","notes":"flu","created_by":"manager-1"}`
	recorder := fixture.do(t, http.MethodPost, "/sickLeaves", body)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var created struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	recorder = fixture.do(t, http.MethodGet, "/sickLeaves/user/agent-1", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Body.String(), created.EventID) {
		t.Fatalf("expected listing to include %s, got %s", created.EventID, recorder.Body.String())
	}

	recorder = fixture.do(t, http.MethodDelete, "/sickLeaves/"+created.EventID+"?deleted_by=manager-2", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.do(t, http.MethodGet, "/sickLeaves/user/agent-1", "")
	if strings.Contains(recorder.Body.String(), created.EventID) {
		t.Fatalf("expected removed leave hidden from listing, got %s", recorder.Body.String())
	}
}

func TestRemoveSickLeaveUnknownIDReturns404(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.do(t, http.MethodDelete, "/sickLeaves/nope", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), errorEventNotFound) {
		t.Fatalf("expected %s token, got %s", errorEventNotFound, recorder.Body.String())
	}
}

func TestWebhookRequiresValidToken(t *testing.T) {
	fixture := newRouterFixture(t)

	body := `{"notification":{"type":"change"}}`
	recorder := fixture.do(t, http.MethodPost, "/webhooks/calendarEventUpdated?target_type=user&target_id=agent-1", body)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	token, err := fixture.tokens.Issue("channel-1")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	target := "/webhooks/calendarEventUpdated?target_type=user&target_id=agent-1&token=" + token
	recorder = fixture.do(t, http.MethodPost, target, body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestSyncRunEndpoint(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/sync/run", "")
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
}
