package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	DefaultServer   = "http://localhost:3000"
	DefaultInterval = 5 // minutes

	minInterval = 1
	maxInterval = 1440

	fileName      = ".ccpulse.yaml"
	stateFileName = ".ccpulse-state.json"
)

// Environment variables read by Load
const (
	EnvServer      = "CCUSAGE_SERVER"
	EnvAPIKey      = "CCUSAGE_API_KEY"
	EnvProjectsDir = "CLAUDE_PROJECTS_DIR"
	EnvInterval    = "REPORT_INTERVAL"
	EnvInsecure    = "CCUSAGE_INSECURE"
	EnvStateFile   = "CCUSAGE_STATE_FILE"
)

// ErrNoAPIKey is returned by RequireCredentials when no key is configured
var ErrNoAPIKey = errors.New("no API key configured; set CCUSAGE_API_KEY or run 'ccpulse config --api-key <key>'")

// Config holds the collector configuration
type Config struct {
	Server      string `yaml:"server,omitempty"`
	APIKey      string `yaml:"api_key,omitempty"`
	ProjectsDir string `yaml:"projects_dir,omitempty"`
	Interval    int    `yaml:"interval,omitempty"` // minutes
	Insecure    bool   `yaml:"insecure,omitempty"`
	StateFile   string `yaml:"state_file,omitempty"`
}

// Overrides are command-line values. Zero values mean "not given".
type Overrides struct {
	Server      string
	APIKey      string
	ProjectsDir string
	StateFile   string
	Interval    int
	Insecure    *bool
}

// DefaultPath returns the path to the config file
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, fileName), nil
}

// ReadFile loads the configuration file. A missing file is an empty config.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the configuration file with owner-only permissions
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Load resolves the effective configuration: flags over environment over
// the file at path over defaults. getenv is usually os.Getenv.
func Load(path string, getenv func(string) string, o Overrides, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, err := ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg.applyEnv(getenv, logger)
	cfg.applyOverrides(o, logger)

	if err := cfg.applyDefaults(logger); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string, logger *zap.Logger) {
	if v := getenv(EnvServer); v != "" {
		c.Server = v
	}
	if v := getenv(EnvAPIKey); v != "" {
		c.APIKey = v
	}
	if v := getenv(EnvProjectsDir); v != "" {
		c.ProjectsDir = v
	}
	if v := getenv(EnvStateFile); v != "" {
		c.StateFile = v
	}
	if v := getenv(EnvInterval); v != "" {
		n, err := cast.ToIntE(strings.TrimSpace(v))
		if err != nil {
			logger.Warn("ignoring unparseable report interval", zap.String("value", v))
			n = -1
		}
		if n == 0 {
			n = -1 // explicit zero is out of range, not unset
		}
		c.Interval = n
	}
	if v := getenv(EnvInsecure); v != "" {
		b, err := cast.ToBoolE(strings.TrimSpace(v))
		if err != nil {
			logger.Warn("ignoring unparseable insecure flag", zap.String("value", v))
		}
		c.Insecure = b
	}
}

// ValidInterval reports whether n minutes is an accepted report interval
func ValidInterval(n int) bool {
	return n >= minInterval && n <= maxInterval
}

func (c *Config) applyOverrides(o Overrides, logger *zap.Logger) {
	if o.Server != "" {
		c.Server = o.Server
	}
	if o.APIKey != "" {
		c.APIKey = o.APIKey
	}
	if o.ProjectsDir != "" {
		c.ProjectsDir = o.ProjectsDir
	}
	if o.StateFile != "" {
		c.StateFile = o.StateFile
	}
	if o.Interval != 0 {
		if ValidInterval(o.Interval) {
			c.Interval = o.Interval
		} else {
			// a bad flag must not displace a usable env or file value
			logger.Warn("ignoring out of range --interval",
				zap.Int("interval", o.Interval),
				zap.Int("min", minInterval),
				zap.Int("max", maxInterval))
		}
	}
	if o.Insecure != nil {
		c.Insecure = *o.Insecure
	}
}

func (c *Config) applyDefaults(logger *zap.Logger) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}

	c.Server = strings.TrimRight(c.Server, "/")
	if c.Server == "" {
		c.Server = DefaultServer
	}
	if c.ProjectsDir == "" {
		c.ProjectsDir = filepath.Join(home, ".claude", "projects")
	}
	if c.StateFile == "" {
		c.StateFile = filepath.Join(home, stateFileName)
	}
	c.ProjectsDir = expandHome(c.ProjectsDir, home)
	c.StateFile = expandHome(c.StateFile, home)

	if c.Interval == 0 {
		c.Interval = DefaultInterval
	} else if !ValidInterval(c.Interval) {
		logger.Warn("report interval out of range, using default",
			zap.Int("interval", c.Interval),
			zap.Int("min", minInterval),
			zap.Int("max", maxInterval),
			zap.Int("default", DefaultInterval))
		c.Interval = DefaultInterval
	}
	return nil
}

// IntervalDuration returns the report interval
func (c *Config) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Minute
}

// RequireCredentials fails when the collector cannot authenticate
func (c *Config) RequireCredentials() error {
	if c.APIKey == "" {
		return ErrNoAPIKey
	}
	return nil
}

// MaskedAPIKey returns the key with its middle hidden, for display
func (c *Config) MaskedAPIKey() string {
	if len(c.APIKey) <= 12 {
		return strings.Repeat("*", len(c.APIKey))
	}
	return c.APIKey[:8] + "..." + c.APIKey[len(c.APIKey)-4:]
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
