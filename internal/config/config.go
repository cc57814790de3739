package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	DataDir      string        `yaml:"-"`
	Driver       string        `yaml:"driver"`
	DatabaseURL  string        `yaml:"database_url"`
	SQLitePath   string        `yaml:"sqlite_path"`
	Table        string        `yaml:"table"`
	MaxConns     int           `yaml:"max_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
	LogFile      string        `yaml:"log_file"`
	Tracing      bool          `yaml:"tracing"`
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
}

// MaxConnsLimit bounds the Postgres pool size.
const MaxConnsLimit = 1000

// Default returns a Config with default values.
func Default() (Config, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Host:         "0.0.0.0",
		Port:         8001,
		DataDir:      dataDir,
		SQLitePath:   filepath.Join(dataDir, "spend.db"),
		MaxConns:     10,
		QueryTimeout: 60 * time.Second,
		WriteTimeout: 90 * time.Second,
		LogLevel:     "info",
		LogFormat:    "text",
	}, nil
}

func defaultDataDir() (string, error) {
	if v := os.Getenv("SPENDTRACE_DATA_DIR"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(home, ".spendtrace"), nil
}

// Load builds a Config by layering: defaults < config file <
// .env and environment < flags. fs must already be parsed; only
// flags that were explicitly set override the lower layers. A nil
// fs skips the flag layer.
func Load(fs *pflag.FlagSet) (Config, error) {
	if err := loadDotenv(".env"); err != nil {
		return Config{}, err
	}
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}
	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	if err := cfg.loadEnv(); err != nil {
		return cfg, err
	}
	applyFlags(&cfg, fs)
	cfg.resolveDriver()
	return cfg, cfg.Validate()
}

// loadDotenv merges path into the process environment. Variables
// that are already set win. A missing file is not an error.
func loadDotenv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ConfigPath is the YAML file read by Load.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.DataDir, "config.yaml")
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", c.ConfigPath(), err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	for _, s := range []struct {
		key string
		dst *string
	}{
		{"SPENDTRACE_HOST", &c.Host},
		{"SPENDTRACE_DRIVER", &c.Driver},
		{"DATABASE_URL", &c.DatabaseURL},
		{"SPENDTRACE_SQLITE_PATH", &c.SQLitePath},
		{"SPENDTRACE_TABLE", &c.Table},
		{"SPENDTRACE_LOG_LEVEL", &c.LogLevel},
		{"SPENDTRACE_LOG_FORMAT", &c.LogFormat},
		{"SPENDTRACE_LOG_FILE", &c.LogFile},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint},
	} {
		if v := os.Getenv(s.key); v != "" {
			*s.dst = v
		}
	}
	for _, n := range []struct {
		key string
		dst *int
	}{
		{"SPENDTRACE_PORT", &c.Port},
		{"SPENDTRACE_MAX_CONNS", &c.MaxConns},
	} {
		v := os.Getenv(n.key)
		if v == "" {
			continue
		}
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", n.key, err)
		}
		*n.dst = i
	}
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"SPENDTRACE_QUERY_TIMEOUT", &c.QueryTimeout},
		{"SPENDTRACE_WRITE_TIMEOUT", &c.WriteTimeout},
	} {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		dur, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = dur
	}
	if v := os.Getenv("SPENDTRACE_TRACING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SPENDTRACE_TRACING: %w", err)
		}
		c.Tracing = b
	}
	return nil
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(secs) * time.Second, nil
}

// resolveDriver picks postgres when a database URL is configured
// and no driver was named.
func (c *Config) resolveDriver() {
	if c.Driver != "" {
		c.Driver = strings.ToLower(c.Driver)
		return
	}
	if c.DatabaseURL != "" {
		c.Driver = DriverPostgres
	} else {
		c.Driver = DriverSQLite
	}
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("postgres driver requires database_url")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("sqlite driver requires sqlite_path")
		}
	default:
		return fmt.Errorf("unknown driver %q", c.Driver)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxConns < 1 || c.MaxConns > MaxConnsLimit {
		return fmt.Errorf(
			"max_conns must be between 1 and %d, got %d",
			MaxConnsLimit, c.MaxConns,
		)
	}
	if c.QueryTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}

// RegisterStoreFlags registers the flags every command that reads
// the spend log accepts.
func RegisterStoreFlags(fs *pflag.FlagSet) {
	fs.String("driver", "", "Store driver: postgres or sqlite")
	fs.String("database-url", "", "Postgres connection URL")
	fs.String("sqlite-path", "", "Path to a SQLite spend log")
	fs.String("log-level", "info", "Log level")
	fs.String("log-format", "text", "Log format: text or json")
}

// RegisterServeFlags registers serve-command flags on fs.
func RegisterServeFlags(fs *pflag.FlagSet) {
	fs.String("host", "0.0.0.0", "Host to bind to")
	fs.Int("port", 8001, "Port to listen on")
	fs.Duration("query-timeout", 60*time.Second, "Per-query deadline")
	fs.Bool("tracing", false, "Export OpenTelemetry traces")
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *pflag.FlagSet) {
	if fs == nil {
		return
	}
	// pflag has already validated typed values.
	fs.Visit(func(f *pflag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "host":
			cfg.Host = v
		case "port":
			cfg.Port, _ = strconv.Atoi(v)
		case "driver":
			cfg.Driver = v
		case "database-url":
			cfg.DatabaseURL = v
		case "sqlite-path":
			cfg.SQLitePath = v
		case "query-timeout":
			cfg.QueryTimeout, _ = time.ParseDuration(v)
		case "log-level":
			cfg.LogLevel = v
		case "log-format":
			cfg.LogFormat = v
		case "tracing":
			cfg.Tracing = v == "true"
		}
	})
}
