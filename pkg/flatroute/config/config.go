package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/cognicore/flatroute/pkg/flatroute/chunk"
	"github.com/cognicore/flatroute/pkg/flatroute/internalerr"
	"github.com/cognicore/flatroute/pkg/flatroute/scheduler"
)

// Store drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the job configuration file.
type Config struct {
	Job             string   `yaml:"job"`
	Sources         []string `yaml:"sources"`
	Strict          bool     `yaml:"strict"`
	SkipLines       int      `yaml:"skip_lines"`
	ChunkSize       int      `yaml:"chunk_size"`
	Workers         int      `yaml:"workers"`
	MappingPolicy   string   `yaml:"mapping_policy"`
	MaxRecordErrors int      `yaml:"max_record_errors"`
	CommitRateLimit float64  `yaml:"commit_rate_limit"`

	Schedule Schedule `yaml:"schedule"`
	Store    Store    `yaml:"store"`
	Log      Log      `yaml:"log"`
	Metrics  Metrics  `yaml:"metrics"`
}

// Schedule controls the periodic trigger. The schedule is on unless
// enabled is set to false.
type Schedule struct {
	Interval time.Duration `yaml:"interval"`
	Enabled  *bool         `yaml:"enabled"`
}

// IsEnabled reports whether the job runs on its interval.
func (s Schedule) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Store selects the destination.
type Store struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Metrics configures the Prometheus listener. An empty Addr disables it.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Load reads a YAML config file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", internalerr.ErrInvalidConfig, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Job == "" {
		c.Job = "flatroute"
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = chunk.DefaultChunkSize
	}
	if c.Workers == 0 {
		c.Workers = chunk.DefaultWorkers
	}
	if c.MappingPolicy == "" {
		c.MappingPolicy = chunk.PolicySkip.String()
	}
	if c.Schedule.Interval == 0 {
		c.Schedule.Interval = scheduler.DefaultInterval
	}
	if c.Schedule.Enabled == nil {
		enabled := true
		c.Schedule.Enabled = &enabled
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Driver == DriverSQLite && c.Store.DSN == "" {
		c.Store.DSN = "flatroute.db"
	}
	if c.Store.MaxConns == 0 {
		c.Store.MaxConns = c.Workers
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate reports the first configuration defect. Errors wrap
// internalerr.ErrInvalidConfig.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", internalerr.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if len(c.Sources) == 0 {
		return invalid("no sources configured")
	}
	for i, s := range c.Sources {
		if strings.TrimSpace(s) == "" {
			return invalid("sources[%d] is empty", i)
		}
	}
	if c.SkipLines < 0 {
		return invalid("skip_lines must be >= 0, got %d", c.SkipLines)
	}
	if c.ChunkSize < 1 {
		return invalid("chunk_size must be >= 1, got %d", c.ChunkSize)
	}
	if c.Workers < 1 {
		return invalid("workers must be >= 1, got %d", c.Workers)
	}
	if _, err := chunk.ParsePolicy(c.MappingPolicy); err != nil {
		return invalid("%v", err)
	}
	if c.MaxRecordErrors < 0 {
		return invalid("max_record_errors must be >= 0, got %d", c.MaxRecordErrors)
	}
	if c.CommitRateLimit < 0 {
		return invalid("commit_rate_limit must be >= 0, got %v", c.CommitRateLimit)
	}
	if c.Schedule.Interval < time.Second {
		return invalid("schedule.interval must be at least 1s, got %s", c.Schedule.Interval)
	}
	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return invalid("store.dsn is required for driver %q", c.Store.Driver)
		}
	case DriverMemory:
	default:
		return invalid("unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.MaxConns < 1 {
		return invalid("store.max_conns must be >= 1, got %d", c.Store.MaxConns)
	}
	return nil
}

// ChunkOptions converts the executor settings.
func (c *Config) ChunkOptions() chunk.Options {
	policy, _ := chunk.ParsePolicy(c.MappingPolicy)
	return chunk.Options{
		ChunkSize:       c.ChunkSize,
		Workers:         c.Workers,
		MappingPolicy:   policy,
		CommitRateLimit: c.CommitRateLimit,
		MaxRecordErrors: c.MaxRecordErrors,
	}
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
