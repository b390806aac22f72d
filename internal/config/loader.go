package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/waymark-ai/waymark/internal/types"
)

// Load reads configuration from the given path, layering it over defaults and
// applying environment overrides. A missing file is not an error; defaults
// plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// Fall through to defaults.
		case err != nil:
			return nil, types.WrapError(types.CONFIG_LOAD_FAILED, "failed to read config file", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, types.WrapError(types.CONFIG_PARSE_FAILED, "failed to parse config file", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides maps WAYMARK_* environment variables onto the config.
// Only the knobs an operator commonly tunes are exposed.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WAYMARK_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("WAYMARK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WAYMARK_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("WAYMARK_AGENT_NAME"); v != "" {
		cfg.Core.AgentName = v
	}
	if v := os.Getenv("WAYMARK_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.HeartbeatInterval = Duration(d)
		}
	}
	if v := os.Getenv("WAYMARK_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
		cfg.Tracing.Enabled = true
	}
}
