package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default returns a Config populated with sensible defaults.
// The database lives under the user's home directory unless overridden.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".waymark")

	return &Config{
		Core: CoreConfig{
			HomeDir:   home,
			DataDir:   dataDir,
			AgentName: "waymark",
		},
		Database: DBConfig{
			Path:           filepath.Join(dataDir, "waymark.db"),
			MaxConnections: 10,
			BusyTimeout:    Duration(5 * time.Second),
		},
		Session: SessionConfig{
			HeartbeatInterval: Duration(5 * time.Second),
			QueueCapacity:     32,
			MaxFlushRetries:   5,
			ConflictBackoff:   Duration(50 * time.Millisecond),
			OutageBackoffBase: Duration(time.Second),
			OutageBackoffCap:  Duration(60 * time.Second),
		},
		Executor: ExecutorConfig{
			MaxRetries:     3,
			InitialDelay:   Duration(time.Second),
			Multiplier:     2.0,
			BackoffCeiling: Duration(30 * time.Second),
		},
		Loop: LoopConfig{
			MaxAttempts: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Enabled: false,
		},
	}
}
