package config

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"github.com/jbweber/homelab/vmnetd/internal/migrations"
)

// EnvPrefix prefixes every environment variable, e.g. VMNETD_DNS_LISTEN
const EnvPrefix = "VMNETD"

// Network backends
const (
	BackendNetlink = "netlink"
	BackendMemory  = "memory"
)

// Config holds all configuration for the vmnetd service
type Config struct {
	DBPath          string        `mapstructure:"db"`
	SocketPath      string        `mapstructure:"socket"`
	DNSListen       string        `mapstructure:"dns-listen"`
	ResyncInterval  time.Duration `mapstructure:"resync-interval"`
	Workers         int           `mapstructure:"workers"`
	NetworkBackend  string        `mapstructure:"network-backend"`
	DNSTTL          uint32        `mapstructure:"dns-ttl"`
	UpstreamTimeout time.Duration `mapstructure:"upstream-timeout"`
	LogLevel        string        `mapstructure:"log-level"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		DBPath:          "/var/lib/vmnetd/vmnetd.db",
		SocketPath:      "/run/vmnetd/sock",
		DNSListen:       "127.0.0.1:5353",
		ResyncInterval:  30 * time.Second,
		Workers:         2,
		NetworkBackend:  BackendNetlink,
		DNSTTL:          30,
		UpstreamTimeout: 2 * time.Second,
		LogLevel:        "info",
	}
}

// AddServeFlags registers the daemon flags on fs with defaults from NewConfig.
func AddServeFlags(fs *pflag.FlagSet) {
	d := NewConfig()
	fs.String("db", d.DBPath, "path to the SQLite database")
	fs.String("dns-listen", d.DNSListen, "address for the DNS responder (UDP and TCP)")
	fs.Duration("resync-interval", d.ResyncInterval, "interval between full re-syncs against the kernel")
	fs.Int("workers", d.Workers, "number of reconciliation workers")
	fs.String("network-backend", d.NetworkBackend, "network adapter: netlink or memory")
	fs.Uint32("dns-ttl", d.DNSTTL, "TTL of authoritative answers in seconds (max 60)")
	fs.Duration("upstream-timeout", d.UpstreamTimeout, "timeout for forwarded DNS queries")
}

// AddGlobalFlags registers the flags shared by every command.
func AddGlobalFlags(fs *pflag.FlagSet) {
	d := NewConfig()
	fs.String("config", "", "optional YAML config file")
	fs.String("log-level", d.LogLevel, "log level: debug, info, warn or error")
	fs.String("socket", d.SocketPath, "path to the API unix socket")
}

// Load builds a Config from, in decreasing precedence, set flags,
// VMNETD_* environment variables, the config file and defaults.
func Load(fs *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()

	defaults := map[string]any{}
	d := NewConfig()
	defaults["db"] = d.DBPath
	defaults["socket"] = d.SocketPath
	defaults["dns-listen"] = d.DNSListen
	defaults["resync-interval"] = d.ResyncInterval
	defaults["workers"] = d.Workers
	defaults["network-backend"] = d.NetworkBackend
	defaults["dns-ttl"] = d.DNSTTL
	defaults["upstream-timeout"] = d.UpstreamTimeout
	defaults["log-level"] = d.LogLevel
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.DBPath == "" {
		result = multierror.Append(result, fmt.Errorf("db must not be empty"))
	}
	if c.SocketPath == "" {
		result = multierror.Append(result, fmt.Errorf("socket must not be empty"))
	}
	if c.DNSListen != "" {
		if _, _, err := net.SplitHostPort(c.DNSListen); err != nil {
			result = multierror.Append(result, fmt.Errorf("dns-listen: %w", err))
		}
	}
	if c.ResyncInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("resync-interval must be positive"))
	}
	if c.Workers < 1 {
		result = multierror.Append(result, fmt.Errorf("workers must be at least 1"))
	}
	if c.NetworkBackend != BackendNetlink && c.NetworkBackend != BackendMemory {
		result = multierror.Append(result, fmt.Errorf("network-backend must be %q or %q", BackendNetlink, BackendMemory))
	}
	if c.DNSTTL < 1 || c.DNSTTL > 60 {
		result = multierror.Append(result, fmt.Errorf("dns-ttl must be between 1 and 60"))
	}
	if c.UpstreamTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("upstream-timeout must be positive"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, fmt.Errorf("log-level: %w", err))
	}

	return result.ErrorOrNil()
}

// InitializeDatabase creates and configures the database connection
func (c *Config) InitializeDatabase(ctx context.Context) (*sql.DB, error) {
	dbPath := c.expandPath(c.DBPath)

	// Ensure database directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	OptimizeDatabaseConnection(db)

	if err := ApplyPragmaOptimizations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply performance optimizations: %w", err)
	}

	if err := c.runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// dsn sets the pragmas that must hold on every pooled connection.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
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

func (c *Config) runMigrations(ctx context.Context, db *sql.DB) error {
	migrator := migrations.NewMigrator(db)
	for _, migration := range migrations.All() {
		migrator.AddMigration(migration)
	}
	return migrator.RunMigrations(ctx)
}
