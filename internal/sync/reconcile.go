package sync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/directory"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/provider"
)

var (
	errMissingDirectory = errors.New("directory store is required")
	errMissingEvents    = errors.New("event store is required")
	errMissingProvider  = errors.New("provider client is required")

	noOpLogger = zap.NewNop()
)

// ReconcilerConfig wires the reconciliation engine dependencies.
type ReconcilerConfig struct {
	Directory         *directory.Store
	Events            *calendar.Store
	Provider          CalendarAPI
	Notifier          *Notifier
	Clock             func() time.Time
	WindowDays        int
	PastDaysFirstSync int
	Logger            *zap.Logger
}

// Reconciler periodically converges the local event mirror with the
// provider. Each run covers a sliding window per connection and is
// idempotent: re-running against an unchanged provider writes nothing.
type Reconciler struct {
	directory         *directory.Store
	events            *calendar.Store
	provider          CalendarAPI
	notifier          *Notifier
	clock             func() time.Time
	windowDays        int
	pastDaysFirstSync int
	logger            *zap.Logger
}

// NewReconciler validates the configuration and constructs the engine.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	if cfg.Events == nil {
		return nil, errMissingEvents
	}
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	windowDays := cfg.WindowDays
	if windowDays <= 0 {
		windowDays = 31
	}
	pastDays := cfg.PastDaysFirstSync
	if pastDays <= 0 {
		pastDays = 30
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reconciler{
		directory:         cfg.Directory,
		events:            cfg.Events,
		provider:          cfg.Provider,
		notifier:          cfg.Notifier,
		clock:             clock,
		windowDays:        windowDays,
		pastDaysFirstSync: pastDays,
		logger:            logger,
	}, nil
}

// Run reconciles every connection. A failing connection is logged and
// skipped so one broken token cannot stall the rest; the tenant checkpoint
// advances regardless, and a completion notification reports the split.
func (r *Reconciler) Run(ctx context.Context) error {
	settings, err := r.directory.Settings(ctx)
	if err != nil {
		return err
	}
	if !settings.IntegrationEnabled {
		r.logger.Info("reconciliation skipped, integration disabled")
		return nil
	}

	connections, err := r.directory.ListConnections(ctx)
	if err != nil {
		return err
	}

	succeeded, failed := 0, 0
	for _, connection := range connections {
		if err := r.reconcileConnection(ctx, connection); err != nil {
			failed++
			r.logger.Warn("connection reconciliation failed",
				zap.String("target_type", string(connection.TargetType)),
				zap.String("target_id", connection.TargetID),
				zap.Error(err))
			continue
		}
		succeeded++
	}

	now := r.clock().UTC()
	if err := r.directory.AdvanceLastSync(ctx, now); err != nil {
		return err
	}
	if r.notifier != nil {
		r.notifier.Publish(Message{
			EventType:            EventSyncCompleted,
			SucceededConnections: succeeded,
			FailedConnections:    failed,
			Timestamp:            now,
		})
	}
	r.logger.Info("reconciliation completed",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed))
	return nil
}

func (r *Reconciler) reconcileConnection(ctx context.Context, connection directory.Connection) error {
	if !connection.Connected() {
		return nil
	}

	now := r.clock().UTC()
	from := now.Add(-24 * time.Hour)
	to := from.AddDate(0, 0, r.windowDays)
	if connection.FirstSyncedAt == nil {
		// First sync also backfills recent history so past busy blocks and
		// booking counts are correct from day one.
		from = now.AddDate(0, 0, -r.pastDaysFirstSync)
	}

	upstream, err := r.provider.GetEvents(ctx, sessionFor(connection), provider.GetEventsRequest{
		CalendarIDs: []string{connection.PrimaryCalendarID},
		From:        from,
		To:          to,
	})
	if err != nil {
		return err
	}

	busy := make(map[string]provider.Event, len(upstream))
	for _, event := range upstream {
		// Managed events are this system's own mirrors; zero-duration and
		// deleted events carry no busy time. None of them belong in the diff.
		if event.EventID != "" || event.Deleted || !event.StartAt.Before(event.EndAt) {
			continue
		}
		busy[event.ExternalID] = event
	}

	switch connection.TargetType {
	case directory.TargetTeam:
		if err := r.reconcileTeam(ctx, connection, busy, from, to); err != nil {
			return err
		}
	default:
		if err := r.reconcileUser(ctx, connection, busy, from, to); err != nil {
			return err
		}
	}
	return r.directory.MarkConnectionSynced(ctx, connection.TargetType, connection.TargetID, now)
}

func (r *Reconciler) reconcileUser(ctx context.Context, connection directory.Connection, busy map[string]provider.Event, from, to time.Time) error {
	local, err := r.events.UserEventsInRange(ctx, []string{connection.TargetID}, from, to)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(local))
	var stale []string
	for _, event := range local {
		metadata, err := event.DecodeMetadata()
		if err != nil {
			r.logger.Warn("skipping event with unreadable metadata",
				zap.String("event_id", event.ID), zap.Error(err))
			continue
		}
		if metadata.Type != calendar.EventTypePersonal {
			continue
		}
		seen[metadata.ExternalID] = struct{}{}

		upstream, exists := busy[metadata.ExternalID]
		if !exists {
			stale = append(stale, metadata.ExternalID)
			continue
		}
		if !upstream.StartAt.Equal(event.StartAt) || !upstream.EndAt.Equal(event.EndAt) {
			if err := r.events.UpdateUserEventBounds(ctx, event.ID, upstream.StartAt, upstream.EndAt); err != nil {
				return err
			}
		}
	}
	if err := r.events.RemovePersonalEventsByExternalIDs(ctx, connection.TargetID, stale); err != nil {
		return err
	}

	for externalID, upstream := range busy {
		if _, exists := seen[externalID]; exists {
			continue
		}
		_, err := r.events.SaveUserEvent(ctx, connection.TargetID, upstream.StartAt, upstream.EndAt, calendar.EventMetadata{
			Type:       calendar.EventTypePersonal,
			ExternalID: externalID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) reconcileTeam(ctx context.Context, connection directory.Connection, busy map[string]provider.Event, from, to time.Time) error {
	local, err := r.events.TeamEventsInRange(ctx, connection.TargetID, from, to)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(local))
	var stale []string
	for _, event := range local {
		seen[event.ExternalID] = struct{}{}
		upstream, exists := busy[event.ExternalID]
		if !exists {
			stale = append(stale, event.ExternalID)
			continue
		}
		if !upstream.StartAt.Equal(event.StartAt) || !upstream.EndAt.Equal(event.EndAt) {
			if err := r.events.UpdateTeamEventBounds(ctx, connection.TargetID, event.ExternalID, upstream.StartAt, upstream.EndAt); err != nil {
				return err
			}
		}
	}
	if err := r.events.RemoveTeamEventsByExternalIDs(ctx, connection.TargetID, stale); err != nil {
		return err
	}

	for externalID, upstream := range busy {
		if _, exists := seen[externalID]; exists {
			continue
		}
		if _, err := r.events.SaveTeamEvent(ctx, connection.TargetID, upstream.StartAt, upstream.EndAt, externalID); err != nil {
			return err
		}
	}
	return nil
}
