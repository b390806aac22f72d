package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/waymark-ai/waymark/internal/config"
	"github.com/waymark-ai/waymark/internal/database"
	"github.com/waymark-ai/waymark/internal/observability"
)

var (
	cfgFile string
	verbose bool

	cfg        *config.Config
	logHandler slog.Handler
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "waymark",
	Short: "Waymark mission orchestration core",
	Long: `Waymark drives multi-stage mission workflows: a governed stage pipeline
(DEFINE through REFLECT), a bounded-retry execution loop with reviewer
escalation, and a durable concurrently-accessed session store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}

		level := observability.ParseLevel(cfg.Logging.Level)
		if verbose {
			level = slog.LevelDebug
		}
		if cfg.Logging.Format == "json" {
			logHandler = observability.NewJSONHandler(os.Stderr, level)
		} else {
			logHandler = observability.NewTextHandler(os.Stderr, level)
		}
		logger = slog.New(logHandler)
		return nil
	},
}

// Execute runs the root command under the given context.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// openDatabase opens the backing store from the loaded configuration and
// applies migrations.
func openDatabase() (*database.DB, error) {
	dbCfg := database.DefaultConfig(cfg.Database.Path)
	dbCfg.MaxOpenConns = cfg.Database.MaxConnections
	dbCfg.BusyTimeout = cfg.Database.BusyTimeout.Std()

	db, err := database.OpenWithConfig(dbCfg)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default ~/.waymark/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}
