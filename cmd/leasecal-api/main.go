package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/assignment"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/config"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/database"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/directory"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/provider"
	"github.com/MarcoPoloResearchLab/leasecal/backend/internal/server"
	syncpkg "github.com/MarcoPoloResearchLab/leasecal/backend/internal/sync"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "leasecal-api",
		Short: "Leasing appointment scheduling and calendar sync service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("provider-base-url", defaults.GetString("provider.base_url"), "Calendar provider API base URL")
	cmd.PersistentFlags().String("provider-token-url", defaults.GetString("provider.token_url"), "Calendar provider OAuth token URL")
	cmd.PersistentFlags().Int("slot-duration-minutes", defaults.GetInt("scheduling.slot_duration_minutes"), "Booking slot length in minutes")
	cmd.PersistentFlags().Int("sync-window-days", defaults.GetInt("sync.window_days"), "Reconciliation window in days")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Interval between reconciliation runs")
	cmd.PersistentFlags().String("webhook-signing-secret", "", "Webhook callback signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "provider.base_url", "provider-base-url")
	bindFlag(cmd, "provider.token_url", "provider-token-url")
	bindFlag(cmd, "scheduling.slot_duration_minutes", "slot-duration-minutes")
	bindFlag(cmd, "sync.window_days", "sync-window-days")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "webhook.signing_secret", "webhook-signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	directoryStore, err := directory.NewStore(db)
	if err != nil {
		return err
	}
	// The deployment config owns the integration switch; apply it before
	// anything consults the gate.
	if err := directoryStore.SetIntegrationEnabled(ctx, appConfig.IntegrationEnabled); err != nil {
		return err
	}
	eventStore, err := calendar.NewStore(calendar.StoreConfig{
		Database:   db,
		IDProvider: calendar.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	providerClient, err := provider.NewClient(provider.ClientConfig{
		BaseURL:      appConfig.ProviderBaseURL,
		TokenURL:     appConfig.ProviderTokenURL,
		ClientID:     appConfig.ProviderClientID,
		ClientSecret: appConfig.ProviderClientSecret,
		Timeout:      appConfig.ProviderTimeout,
		Tokens:       syncpkg.NewTokenStore(directoryStore),
		Gate:         syncpkg.NewGate(directoryStore),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	availability, err := calendar.NewAvailability(calendar.AvailabilityConfig{
		Store:        eventStore,
		Appointments: appointmentSource{directory: directoryStore},
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	assignmentService, err := assignment.NewService(assignment.ServiceConfig{
		Database:  db,
		Events:    eventStore,
		Directory: directoryStore,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	sickLeaves, err := calendar.NewSickLeaves(calendar.SickLeaveConfig{
		Store:        eventStore,
		Appointments: appointmentSource{directory: directoryStore},
		Publisher:    syncpkg.NewSickLeavePublisher(directoryStore, providerClient),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	notifier := syncpkg.NewNotifier()
	reconciler, err := syncpkg.NewReconciler(syncpkg.ReconcilerConfig{
		Directory:         directoryStore,
		Events:            eventStore,
		Provider:          providerClient,
		Notifier:          notifier,
		WindowDays:        appConfig.SyncWindowDays,
		PastDaysFirstSync: appConfig.PastDaysFirstSync,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	webhookProcessor, err := syncpkg.NewProcessor(syncpkg.ProcessorConfig{
		Directory: directoryStore,
		Events:    eventStore,
		Provider:  providerClient,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	webhookTokens, err := auth.NewWebhookTokens(auth.WebhookTokenConfig{
		SigningSecret: []byte(appConfig.WebhookSecret),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Availability:  availability,
		Assignment:    assignmentService,
		SickLeaves:    sickLeaves,
		Directory:     directoryStore,
		Reconciler:    reconciler,
		Webhooks:      webhookProcessor,
		WebhookTokens: webhookTokens,
		Notifier:      notifier,
		SlotDuration:  time.Duration(appConfig.SlotDurationMinutes) * time.Minute,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runReconciliationLoop(signalCtx, reconciler, appConfig.SyncInterval, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runReconciliationLoop(ctx context.Context, reconciler *syncpkg.Reconciler, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reconciler.Run(ctx); err != nil {
				logger.Warn("scheduled reconciliation failed", zap.Error(err))
			}
		}
	}
}

// appointmentSource exposes the appointment rows as busy intervals for the
// availability and sick leave services.
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
