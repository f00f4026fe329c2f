// Package config loads and validates the devserve configuration from a YAML
// file with a .env overlay and environment variable overrides.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	ferrors "git.home.luguber.info/inful/devserve/internal/foundation/errors"
)

// Config is the full daemon configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// ProjectDir is the source tree handed to the build engine.
	ProjectDir string `yaml:"project_dir"`
	// OutputDir receives materialized unit outputs and manifests.
	OutputDir string `yaml:"output_dir"`

	Coalesce CoalesceConfig `yaml:"coalesce"`
	Engine   EngineConfig   `yaml:"engine"`
	Journal  JournalConfig  `yaml:"journal"`
	Mirror   MirrorConfig   `yaml:"mirror"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// CoalesceConfig tunes the event coalescer.
type CoalesceConfig struct {
	// Window is the debounce applied to outbound notifications.
	Window time.Duration `yaml:"window"`
}

// EngineConfig tunes the engine subscriptions.
type EngineConfig struct {
	// UpdateInfoInterval batches the engine's update-timing reports.
	UpdateInfoInterval time.Duration `yaml:"update_info_interval"`
}

// JournalConfig configures the sqlite build-event journal.
type JournalConfig struct {
	// Path is the database file; ":memory:" keeps the journal in process.
	Path string `yaml:"path"`
	// Retention bounds how long events are kept; the pruner enforces it.
	Retention time.Duration `yaml:"retention"`
	// PruneInterval is how often the pruner runs.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// MirrorConfig configures the optional NATS event mirror.
type MirrorConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:     ":3000",
		ProjectDir: ".",
		OutputDir:  ".devserve",
		Coalesce:   CoalesceConfig{Window: 2 * time.Millisecond},
		Engine:     EngineConfig{UpdateInfoInterval: 100 * time.Millisecond},
		Journal: JournalConfig{
			Path:          ".devserve/journal.db",
			Retention:     24 * time.Hour,
			PruneInterval: time.Hour,
		},
		Mirror:  MirrorConfig{Subject: "devserve.events"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the configuration file at path, overlaying defaults, .env files,
// and environment variables. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	// Process env wins over .env files; godotenv never overrides existing vars.
	_ = godotenv.Load(".env.local", ".env")

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to defaults
		case err != nil:
			return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "read config file").
				WithContext("path", path).Build()
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "parse config file").
					WithContext("path", path).Build()
			}
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEVSERVE_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("DEVSERVE_PROJECT_DIR"); v != "" {
		cfg.ProjectDir = v
	}
	if v := os.Getenv("DEVSERVE_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv("DEVSERVE_NATS_URL"); v != "" {
		cfg.Mirror.URL = v
		cfg.Mirror.Enabled = true
	}
	if v := os.Getenv("DEVSERVE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks invariants and fills derived defaults.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return ferrors.ValidationError("listen address must not be empty").Build()
	}
	if c.ProjectDir == "" {
		return ferrors.ValidationError("project_dir must not be empty").Build()
	}
	if c.OutputDir == "" {
		return ferrors.ValidationError("output_dir must not be empty").Build()
	}
	if c.Coalesce.Window < 0 {
		return ferrors.ValidationError("coalesce window must not be negative").Build()
	}
	if c.Coalesce.Window == 0 {
		c.Coalesce.Window = Default().Coalesce.Window
	}
	if c.Engine.UpdateInfoInterval <= 0 {
		c.Engine.UpdateInfoInterval = Default().Engine.UpdateInfoInterval
	}
	if c.Journal.Path == "" {
		c.Journal.Path = Default().Journal.Path
	}
	if c.Journal.Retention <= 0 {
		c.Journal.Retention = Default().Journal.Retention
	}
	if c.Journal.PruneInterval <= 0 {
		c.Journal.PruneInterval = Default().Journal.PruneInterval
	}
	if c.Mirror.Enabled && c.Mirror.URL == "" {
		return ferrors.ValidationError("mirror.url is required when the mirror is enabled").Build()
	}
	if c.Mirror.Subject == "" {
		c.Mirror.Subject = Default().Mirror.Subject
	}
	return nil
}
