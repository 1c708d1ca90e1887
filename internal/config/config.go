package config

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	_ "modernc.org/sqlite"

	"github.com/jbweber/homelab/cidrd/internal/logging"
	"github.com/jbweber/homelab/cidrd/internal/migrations"
)

// EnvPrefix prefixes every environment override, e.g. CIDRD_BACKEND
const EnvPrefix = "CIDRD"

// Supported storage backends
const (
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

// Config holds all configuration for the cidrd service. Environment
// overrides are the CIDRD_ prefixed, upper-snake form of each field name
// (e.g. CIDRD_DB_PATH). Only the AWS region also honours the bare AWS_REGION.
type Config struct {
	ListenAddr      string        `toml:"listen_addr" split_words:"true"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" split_words:"true"`
	LogLevel        string        `toml:"log_level" split_words:"true"`
	LogFormat       string        `toml:"log_format" split_words:"true"`

	Backend         string `toml:"backend"`
	DBPath          string `toml:"db_path" split_words:"true"`
	AllocationTable string `toml:"allocation_table" split_words:"true"`
	SupernetTable   string `toml:"supernet_table" split_words:"true"`
	ScanPageSize    int    `toml:"scan_page_size" split_words:"true"`

	AWSRegion        string `toml:"aws_region" envconfig:"AWS_REGION"`
	DynamoDBEndpoint string `toml:"dynamodb_endpoint" split_words:"true"`

	AlertDestination   string        `toml:"alert_destination" split_words:"true"`
	AlertThreshold     int           `toml:"alert_threshold" split_words:"true"`
	AlertWebhookSecret string        `toml:"alert_webhook_secret" split_words:"true"`
	AlertTimeout       time.Duration `toml:"alert_timeout" split_words:"true"`
	AlertRetries       int           `toml:"alert_retries" split_words:"true"`
	MaxAttempts        int           `toml:"max_attempts" split_words:"true"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		ListenAddr:      ":8080",
		ShutdownTimeout: 15 * time.Second,
		LogLevel:        "info",
		LogFormat:       logging.FormatJSON,
		Backend:         BackendSQLite,
		DBPath:          "~/cidrd/data/cidrd.db",
		AllocationTable: "cidr-allocations",
		SupernetTable:   "cidr-supernets",
		ScanPageSize:    500,
		AWSRegion:       "us-east-1",
		AlertThreshold:  80,
		AlertTimeout:    10 * time.Second,
		AlertRetries:    3,
		MaxAttempts:     3,
	}
}

// Load builds a Config from the defaults, then the TOML file at path if one
// is given, then CIDRD_ environment variables.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		if _, err := toml.DecodeFile(cfg.expandPath(path), cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("db_path is required for the %s backend", c.Backend)
		}
	case BackendDynamoDB:
		if c.AllocationTable == "" || c.SupernetTable == "" {
			return fmt.Errorf("allocation_table and supernet_table are required for the %s backend", c.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.AlertThreshold < 0 || c.AlertThreshold > 100 {
		return fmt.Errorf("alert_threshold must be between 0 and 100, got %d", c.AlertThreshold)
	}
	if c.AlertTimeout <= 0 {
		return fmt.Errorf("alert_timeout must be positive, got %s", c.AlertTimeout)
	}
	if c.AlertRetries < 1 {
		return fmt.Errorf("alert_retries must be at least 1, got %d", c.AlertRetries)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.ScanPageSize < 1 {
		return fmt.Errorf("scan_page_size must be at least 1, got %d", c.ScanPageSize)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	return nil
}

// InitializeDatabase opens the database and brings the schema up to date
func (c *Config) InitializeDatabase() (*sql.DB, error) {
	db, err := c.OpenDatabase()
	if err != nil {
		return nil, err
	}

	if err := migrations.NewDefaultMigrator(db).RunMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// OpenDatabase creates and configures the database connection without touching the schema
func (c *Config) OpenDatabase() (*sql.DB, error) {
	dbPath := c.expandPath(c.DBPath)

	// Ensure database directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// busy_timeout is per connection so it rides on the DSN
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	OptimizeDatabaseConnection(db)

	if err := ApplyPragmaOptimizations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply performance optimizations: %w", err)
	}

	return db, nil
}

// expandPath expands ~ to home directory
func (c *Config) expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(homeDir, path[2:])
}
