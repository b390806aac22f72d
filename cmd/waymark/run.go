package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/waymark-ai/waymark/internal/database"
	"github.com/waymark-ai/waymark/internal/events"
	"github.com/waymark-ai/waymark/internal/observability"
	"github.com/waymark-ai/waymark/internal/session"
	"github.com/waymark-ai/waymark/internal/stage"
	"github.com/waymark-ai/waymark/internal/types"
)

var (
	runSessionKey string
	runMissionID  string
	runAppName    string
	runUserID     string
	runTenantID   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create or resume a mission session and drive the stage pipeline",
	Long: `Run drives the mission pipeline for one session. With --session it resumes
an existing session from its committed stage; otherwise it creates a new
session from the --mission, --app, --tenant, and --user flags.

Stage handlers are registered by the embedding application. Without them the
pipeline halts as suspended, which is the expected outcome for this skeleton.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		bus := events.NewEventBus()
		defer bus.Close()

		store := session.NewStore(database.NewSessionDAO(db), session.Config{
			HeartbeatInterval: cfg.Session.HeartbeatInterval.Std(),
			QueueCapacity:     cfg.Session.QueueCapacity,
			MaxFlushRetries:   cfg.Session.MaxFlushRetries,
			ConflictBackoff:   cfg.Session.ConflictBackoff.Std(),
			OutageBackoffBase: cfg.Session.OutageBackoffBase.Std(),
			OutageBackoffCap:  cfg.Session.OutageBackoffCap.Std(),
		}, session.WithLogger(logger), session.WithTelemetry(events.NewBusSink(bus)))
		defer store.Shutdown(ctx)

		key := runSessionKey
		missionLabel := runMissionID
		if key == "" {
			missionID, err := types.ParseID(runMissionID)
			if err != nil {
				return fmt.Errorf("invalid --mission id: %w", err)
			}
			sess, err := store.CreateSession(ctx, session.CreateOptions{
				MissionID: missionID,
				AppName:   runAppName,
				UserID:    runUserID,
				AgentName: cfg.Core.AgentName,
				State: map[string]any{
					"mission_id": runMissionID,
					"tenant_id":  runTenantID,
					"user_id":    runUserID,
				},
			})
			if err != nil {
				return err
			}
			key = sess.SessionKey
			logger.Info("session created", "session_key", key)
		} else {
			sess, err := store.GetSession(ctx, key)
			if err != nil {
				return err
			}
			missionLabel = sess.MissionID.String()
		}

		missionLogger := observability.NewTracedLogger(logHandler, missionLabel, cfg.Core.AgentName)
		coordinator := stage.NewCoordinator(store,
			stage.WithLogger(missionLogger),
			stage.WithTelemetry(events.NewBusSink(bus)),
		)

		result, err := coordinator.Run(ctx, key)
		if err != nil {
			return err
		}

		fmt.Printf("session: %s\nstatus:  %s\nstage:   %s\n", key, result.Status, result.Stage)
		if result.Message != "" {
			fmt.Printf("detail:  %s\n", result.Message)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runSessionKey, "session", "", "resume an existing session by key")
	runCmd.Flags().StringVar(&runMissionID, "mission", "", "mission id for a new session")
	runCmd.Flags().StringVar(&runAppName, "app", "", "application name for a new session")
	runCmd.Flags().StringVar(&runTenantID, "tenant", "", "tenant id for a new session")
	runCmd.Flags().StringVar(&runUserID, "user", "", "user id for a new session")
}
