package config

// Config is the root configuration for the Waymark orchestration core.
type Config struct {
	Core     CoreConfig     `yaml:"core" validate:"required"`
	Database DBConfig       `yaml:"database" validate:"required"`
	Session  SessionConfig  `yaml:"session" validate:"required"`
	Executor ExecutorConfig `yaml:"executor"`
	Loop     LoopConfig     `yaml:"loop"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// CoreConfig contains core application settings.
type CoreConfig struct {
	HomeDir   string `yaml:"home_dir"`
	DataDir   string `yaml:"data_dir"`
	AgentName string `yaml:"agent_name" validate:"required"`
	Debug     bool   `yaml:"debug"`
}

// DBConfig contains SQLite backing-store configuration.
type DBConfig struct {
	Path           string   `yaml:"path" validate:"required"`
	MaxConnections int      `yaml:"max_connections" validate:"min=1,max=100"`
	BusyTimeout    Duration `yaml:"busy_timeout"`
}

// SessionConfig tunes the session store's write-behind behavior. Duration
// bounds are enforced in Validate.
type SessionConfig struct {
	// HeartbeatInterval is the debounce window for write-behind flushes and
	// the staleness bound for heartbeat-driven durability.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// QueueCapacity bounds the per-session pending write queue; oldest
	// entries are dropped first.
	QueueCapacity int `yaml:"queue_capacity" validate:"min=1"`

	// MaxFlushRetries bounds conditional-write attempts per flush before the
	// entry is marked conflicted.
	MaxFlushRetries int `yaml:"max_flush_retries" validate:"min=1"`

	// ConflictBackoff is the initial delay between conditional-write retries.
	ConflictBackoff Duration `yaml:"conflict_backoff"`

	// OutageBackoffBase is the initial delay for transport-error retry tasks;
	// it doubles per failure up to OutageBackoffCap.
	OutageBackoffBase Duration `yaml:"outage_backoff_base"`
	OutageBackoffCap  Duration `yaml:"outage_backoff_cap"`
}

// ExecutorConfig tunes action execution retry behavior.
type ExecutorConfig struct {
	MaxRetries     int      `yaml:"max_retries" validate:"min=0,max=20"`
	InitialDelay   Duration `yaml:"initial_delay"`
	Multiplier     float64  `yaml:"multiplier" validate:"min=1"`
	BackoffCeiling Duration `yaml:"backoff_ceiling"`
}

// LoopConfig tunes the candidate-plan execution loop.
type LoopConfig struct {
	// MaxAttempts bounds how many leading candidates are attempted per run.
	MaxAttempts int `yaml:"max_attempts" validate:"min=1,max=10"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}
