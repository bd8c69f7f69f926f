package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/directory"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/provider"
)

// CalendarAPI is the slice of the provider client the sync engines call.
type CalendarAPI interface {
	GetEvents(ctx context.Context, session provider.Session, req provider.GetEventsRequest) ([]provider.Event, error)
	CreateEvent(ctx context.Context, session provider.Session, calendarID string, event provider.EventUpsert) error
	DeleteEvent(ctx context.Context, session provider.Session, calendarID, eventID string) error
	DeleteExternalEvent(ctx context.Context, session provider.Session, calendarID, externalID string) error
}

// SessionKey scopes token persistence and refresh locking to one connection.
func SessionKey(targetType directory.TargetType, targetID string) string {
	return string(targetType) + ":" + targetID
}

func splitSessionKey(key string) (directory.TargetType, string, error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed session key %q", key)
	}
	return directory.TargetType(parts[0]), parts[1], nil
}

func sessionFor(connection directory.Connection) provider.Session {
	return provider.Session{
		Key:          SessionKey(connection.TargetType, connection.TargetID),
		AccessToken:  connection.AccessToken,
		RefreshToken: connection.RefreshToken,
		Timezone:     connection.Timezone,
	}
}

type connectionTokenStore struct {
	directory *directory.Store
}

// NewTokenStore adapts the directory connections to the provider token
// persistence contract.
func NewTokenStore(store *directory.Store) provider.TokenStore {
	return connectionTokenStore{directory: store}
}

func (s connectionTokenStore) LoadTokens(ctx context.Context, key string) (string, string, error) {
	targetType, targetID, err := splitSessionKey(key)
	if err != nil {
		return "", "", err
	}
	connection, err := s.directory.GetConnection(ctx, targetType, targetID)
	if err != nil {
		return "", "", err
	}
	return connection.AccessToken, connection.RefreshToken, nil
}

func (s connectionTokenStore) SaveTokens(ctx context.Context, key, accessToken, refreshToken string) error {
	targetType, targetID, err := splitSessionKey(key)
	if err != nil {
		return err
	}
	return s.directory.SaveTokens(ctx, targetType, targetID, accessToken, refreshToken)
}

type settingsGate struct {
	directory *directory.Store
}

// NewGate adapts the tenant settings row to the provider integration switch.
func NewGate(store *directory.Store) provider.Gate {
	return settingsGate{directory: store}
}

func (g settingsGate) IntegrationEnabled(ctx context.Context) (bool, error) {
	settings, err := g.directory.Settings(ctx)
	if err != nil {
		return false, err
	}
	return settings.IntegrationEnabled, nil
}
