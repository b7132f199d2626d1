// Package config handles configuration loading from YAML files and environment variables.
// Configuration precedence: CLI flags > environment variables > config file > embedded defaults > defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vitalis-app/countermon/internal/host"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// MinPollInterval is the shortest allowed poll interval.
const MinPollInterval = time.Second

// Output modes.
const (
	OutputCSV     = "csv"
	OutputParquet = "parquet"
	OutputDB      = "db"
	OutputHTTP    = "http"
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "15s", "30s", "1m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds all agent configuration.
type Config struct {
	PollInterval    Duration        `yaml:"poll_interval"`
	TableName       string          `yaml:"table_name"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"`
	CountersFile    string          `yaml:"counters_file"`
	Clusters        []ClusterConfig `yaml:"clusters"`
	MBean           MBeanConfig     `yaml:"mbean"`
	Sampling        SamplingConfig  `yaml:"sampling"`
	Output          OutputConfig    `yaml:"output"`
	Logging         LoggingConfig   `yaml:"logging"`
}

// ClusterConfig groups hosts under a cluster label.
type ClusterConfig struct {
	Name  string       `yaml:"name"`
	Hosts []HostConfig `yaml:"hosts"`
}

// HostConfig describes one monitored machine.
type HostConfig struct {
	Address      string                     `yaml:"address"`
	ComputerName string                     `yaml:"computer_name,omitempty"`
	SpecifyPorts bool                       `yaml:"specify_ports,omitempty"`
	Processes    map[string][]ProcessConfig `yaml:"processes,omitempty"`
}

// ProcessConfig is one process instance and the management port it listens on.
type ProcessConfig struct {
	Port          int `yaml:"port"`
	ProcessNumber int `yaml:"process_number"`
}

// MBeanConfig holds management endpoint transport settings.
type MBeanConfig struct {
	ServicePath string   `yaml:"service_path"`
	Timeout     Duration `yaml:"timeout"`
	Username    string   `yaml:"username,omitempty"`
	Password    string   `yaml:"password,omitempty"`
}

// SamplingConfig holds poll-cycle settings.
type SamplingConfig struct {
	// Parallelism is the number of counters sampled concurrently. Values
	// below 2 sample sequentially.
	Parallelism int `yaml:"parallelism"`
	// Backends restricts discovery to the named counter backends. Empty
	// means every backend present in the counter file.
	Backends []string `yaml:"backends,omitempty"`
}

// OutputConfig selects and configures the sink.
type OutputConfig struct {
	Mode     string         `yaml:"mode"`
	CSV      CSVConfig      `yaml:"csv"`
	Parquet  ParquetConfig  `yaml:"parquet"`
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// CSVConfig holds flat-file sink settings.
type CSVConfig struct {
	Directory string `yaml:"directory"`
}

// ParquetConfig holds columnar-file sink settings.
type ParquetConfig struct {
	Directory string `yaml:"directory"`
}

// DatabaseConfig holds relational sink settings.
type DatabaseConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Name               string        `yaml:"name"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password,omitempty"`
	SSLMode            string        `yaml:"ssl_mode"`
	ConnectTimeout     Duration      `yaml:"connect_timeout"`
	GenerateIndexes    bool          `yaml:"generate_indexes"`
	Indexes            []IndexConfig `yaml:"indexes,omitempty"`
	PurgeEnabled       bool          `yaml:"purge_enabled"`
	PurgeThresholdDays int           `yaml:"purge_threshold_days"`
}

// IndexConfig declares an index on one result column.
type IndexConfig struct {
	Column    string `yaml:"column"`
	Clustered bool   `yaml:"clustered,omitempty"`
}

// HTTPConfig holds HTTP ingestion sink settings.
type HTTPConfig struct {
	URL             string `yaml:"url"`
	Token           string `yaml:"token,omitempty"`
	BufferDir       string `yaml:"buffer_dir"`
	BufferMaxSizeMB int    `yaml:"buffer_max_size_mb"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:    Duration{60 * time.Second},
		TableName:       "countersamples",
		ShutdownTimeout: Duration{10 * time.Second},
		CountersFile:    "counters.yaml",
		MBean: MBeanConfig{
			ServicePath: "/jolokia",
			Timeout:     Duration{5 * time.Second},
		},
		Sampling: SamplingConfig{
			Parallelism: 1,
		},
		Output: OutputConfig{
			Mode: OutputCSV,
			CSV: CSVConfig{
				Directory: "Results",
			},
			Parquet: ParquetConfig{
				Directory: "Results",
			},
			Database: DatabaseConfig{
				Host:               "localhost",
				Port:               5432,
				Name:               "countermon",
				SSLMode:            "disable",
				ConnectTimeout:     Duration{10 * time.Second},
				PurgeThresholdDays: 30,
			},
			HTTP: HTTPConfig{
				BufferDir:       "./buffer",
				BufferMaxSizeMB: 50,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "./countermon.log",
		},
	}
}

// LoadFromBytes parses YAML configuration from a byte slice and merges with defaults.
// Environment variables take highest precedence and override values from the byte slice.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config data: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads configuration from a YAML file and merges with defaults.
// If path is empty or the file does not exist, only defaults and environment
// variables are used.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromBytes(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		return LoadFromBytes(nil)
	}

	return LoadFromBytes(data)
}

// CLIOverrides holds values from command-line flags.
// Zero values are treated as "not set" and skipped.
type CLIOverrides struct {
	LogLevel   string
	OutputMode string
}

// Locate searches standard config file paths and returns the first one found.
// Returns empty string if no config file exists.
func Locate() string {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadLayered loads configuration with the full precedence chain:
// CLI flags > env vars > external YAML file > embedded bytes > defaults.
//
// An optional configPath argument controls external-file discovery:
//   - omitted        → auto-discover via Locate()
//   - explicit value  → use that path ("" means no external file)
func LoadLayered(cli CLIOverrides, embedded []byte, configPath ...string) (*Config, error) {
	cfg := DefaultConfig()

	if len(embedded) > 0 {
		if err := yaml.Unmarshal(embedded, cfg); err != nil {
			return nil, fmt.Errorf("parsing embedded config: %w", err)
		}
	}

	var filePath string
	if len(configPath) > 0 {
		filePath = configPath[0]
	} else {
		filePath = Locate()
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", filePath, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.OutputMode != "" {
		cfg.Output.Mode = cli.OutputMode
	}

	return cfg, nil
}

// WriteConfig serializes the config to a YAML file at the given path.
// Creates parent directories if needed.
func WriteConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("CM_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CM_POLL_INTERVAL: invalid duration %q: %w", v, err)
		}
		cfg.PollInterval = Duration{d}
	}
	if level := os.Getenv("CM_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if mode := os.Getenv("CM_OUTPUT_MODE"); mode != "" {
		cfg.Output.Mode = mode
	}
	if pw := os.Getenv("CM_DB_PASSWORD"); pw != "" {
		cfg.Output.Database.Password = pw
	}
	if token := os.Getenv("CM_HTTP_TOKEN"); token != "" {
		cfg.Output.HTTP.Token = token
	}
	return nil
}

// Validate checks that the configuration is usable. Every problem found is
// reported; each wraps ErrInvalid.
func (c *Config) Validate() error {
	var err error
	invalid := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.PollInterval.Duration < MinPollInterval {
		invalid("poll_interval must be at least %s (got %s)", MinPollInterval, c.PollInterval.Duration)
	}
	if strings.TrimSpace(c.TableName) == "" {
		invalid("table_name is required")
	}
	if c.ShutdownTimeout.Duration <= 0 {
		invalid("shutdown_timeout must be positive")
	}
	if c.MBean.Timeout.Duration <= 0 {
		invalid("mbean.timeout must be positive")
	}
	if c.HostCount() == 0 {
		invalid("at least one host is required")
	}
	for _, cl := range c.Clusters {
		for _, h := range cl.Hosts {
			if strings.TrimSpace(h.Address) == "" {
				invalid("cluster %q: host address is required", cl.Name)
			}
			for name, procs := range h.Processes {
				for _, p := range procs {
					if p.Port <= 0 || p.Port > 65535 {
						invalid("host %s: process %s: port %d out of range", h.Address, name, p.Port)
					}
				}
			}
		}
	}

	switch strings.ToLower(c.Output.Mode) {
	case OutputCSV, OutputParquet:
	case OutputDB:
		db := c.Output.Database
		if db.Host == "" || db.Name == "" || db.User == "" {
			invalid("output.database requires host, name and user")
		}
		if db.PurgeEnabled && db.PurgeThresholdDays <= 0 {
			invalid("output.database.purge_threshold_days must be positive")
		}
	case OutputHTTP:
		if c.Output.HTTP.URL == "" {
			invalid("output.http.url is required")
		} else if !strings.HasPrefix(c.Output.HTTP.URL, "https://") &&
			!strings.Contains(c.Output.HTTP.URL, "localhost") &&
			!strings.Contains(c.Output.HTTP.URL, "127.0.0.1") {
			invalid("output.http.url must use HTTPS (got: %s)", c.Output.HTTP.URL)
		}
	default:
		invalid("unknown output mode %q", c.Output.Mode)
	}

	return err
}

// HostCount returns the number of configured hosts across all clusters.
func (c *Config) HostCount() int {
	n := 0
	for _, cl := range c.Clusters {
		n += len(cl.Hosts)
	}
	return n
}

// BuildRegistry converts the cluster configuration into a host registry.
// Hosts without a computer name have it resolved from their address; when
// resolution fails the address is used and a warning is logged.
func (c *Config) BuildRegistry(ctx context.Context, resolver host.Resolver, logger *zap.Logger) *host.Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	var hosts []*host.Host
	for _, cl := range c.Clusters {
		for _, hc := range cl.Hosts {
			name := hc.ComputerName
			if name == "" {
				resolved, err := host.Resolve(ctx, resolver, hc.Address)
				if err != nil {
					logger.Warn("Unable to resolve hostname, using address",
						zap.String("address", hc.Address),
						zap.Error(err))
					resolved = hc.Address
				}
				name = resolved
			}

			var procs map[string][]host.Process
			if len(hc.Processes) > 0 {
				procs = make(map[string][]host.Process, len(hc.Processes))
				for pname, list := range hc.Processes {
					for _, p := range list {
						procs[pname] = append(procs[pname], host.Process{Name: pname, Port: p.Port, Number: p.ProcessNumber})
					}
				}
			}
			hosts = append(hosts, host.New(hc.Address, name, cl.Name, hc.SpecifyPorts, procs))
		}
	}
	return host.NewRegistry(hosts...)
}
