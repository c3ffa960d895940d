package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds the sync node configuration
type Config struct {
	Node      NodeConfig
	Database  DatabaseConfig
	Loader    LoaderConfig
	Pools     map[string]PoolConfig
	Whitelist []string
	HTTP      HTTPConfig
	Log       LogConfig
}

// NodeConfig identifies this node
type NodeConfig struct {
	ID          string
	Group       string
	TablePrefix string // Prefix of the sync metadata tables
}

// DatabaseConfig describes the target database
type DatabaseConfig struct {
	Driver       string // Dialect name: sqlite, postgres, pgx, mysql or sqlserver
	DSN          string
	MaxOpenConns int
}

// LoaderConfig holds the conflict handling switches of the writer
type LoaderConfig struct {
	FallbackToUpdate        bool
	FallbackToInsert        bool
	AllowMissingDelete      bool
	FallbackAnyInsertError  bool
	UseOldDataForUpdate     bool
	DontIncludeKeysInUpdate bool
	IgnoreMissingTables     bool
	MetadataCacheSize       int
	MetadataCacheTTL        time.Duration
}

// PoolConfig limits concurrent sessions of one admission pool
type PoolConfig struct {
	MaxSize            int
	ReservationTimeout time.Duration
}

// HTTPConfig configures the admin endpoint
type HTTPConfig struct {
	Listen string
}

// LogConfig configures logging
type LogConfig struct {
	Level  string
	Format string // json or console
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Node:     NodeConfig{ID: "00000", Group: "default", TablePrefix: "sym"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "tqdbsync.db", MaxOpenConns: 10},
		Loader: LoaderConfig{
			FallbackToUpdate:    true,
			FallbackToInsert:    true,
			AllowMissingDelete:  true,
			UseOldDataForUpdate: true,
			IgnoreMissingTables: true,
			MetadataCacheSize:   1000,
			MetadataCacheTTL:    10 * time.Minute,
		},
		Pools: map[string]PoolConfig{
			"push": {MaxSize: 10, ReservationTimeout: 30 * time.Second},
			"pull": {MaxSize: 10, ReservationTimeout: 30 * time.Second},
		},
		HTTP: HTTPConfig{Listen: ":9090"},
		Log:  LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads configuration from an INI file with environment variable overrides
func Load(path string) (*Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	return parse(cfg)
}

// LoadBytes reads configuration from INI data with environment variable overrides
func LoadBytes(data []byte) (*Config, error) {
	cfg, err := ini.Load(data)
	if err != nil {
		return nil, err
	}
	return parse(cfg)
}

func parse(cfg *ini.File) (*Config, error) {
	config := Default()

	node := cfg.Section("node")
	config.Node.ID = node.Key("id").MustString(config.Node.ID)
	config.Node.Group = node.Key("group").MustString(config.Node.Group)
	config.Node.TablePrefix = node.Key("table_prefix").MustString(config.Node.TablePrefix)

	db := cfg.Section("database")
	config.Database.Driver = db.Key("driver").MustString(config.Database.Driver)
	config.Database.DSN = db.Key("dsn").MustString(config.Database.DSN)
	config.Database.MaxOpenConns = db.Key("max_open_conns").MustInt(config.Database.MaxOpenConns)

	loader := cfg.Section("loader")
	l := &config.Loader
	l.FallbackToUpdate = loader.Key("fallback_update").MustBool(l.FallbackToUpdate)
	l.FallbackToInsert = loader.Key("fallback_insert").MustBool(l.FallbackToInsert)
	l.AllowMissingDelete = loader.Key("allow_missing_delete").MustBool(l.AllowMissingDelete)
	l.FallbackAnyInsertError = loader.Key("fallback_any_insert_error").MustBool(l.FallbackAnyInsertError)
	l.UseOldDataForUpdate = loader.Key("use_old_data").MustBool(l.UseOldDataForUpdate)
	l.DontIncludeKeysInUpdate = loader.Key("dont_include_keys_in_update").MustBool(l.DontIncludeKeysInUpdate)
	l.IgnoreMissingTables = loader.Key("ignore_missing_tables").MustBool(l.IgnoreMissingTables)
	l.MetadataCacheSize = loader.Key("metadata_cache_size").MustInt(l.MetadataCacheSize)
	l.MetadataCacheTTL = loader.Key("metadata_cache_ttl").MustDuration(l.MetadataCacheTTL)

	// Pools are sections named pool.<name>
	for _, sec := range cfg.Sections() {
		name, ok := strings.CutPrefix(sec.Name(), "pool.")
		if !ok || name == "" {
			continue
		}
		def := config.Pools[name]
		if def.MaxSize == 0 {
			def = PoolConfig{MaxSize: 10, ReservationTimeout: 30 * time.Second}
		}
		config.Pools[name] = PoolConfig{
			MaxSize:            sec.Key("max").MustInt(def.MaxSize),
			ReservationTimeout: sec.Key("reservation_timeout").MustDuration(def.ReservationTimeout),
		}
	}

	if nodes := cfg.Section("whitelist").Key("nodes").Strings(","); len(nodes) > 0 {
		config.Whitelist = nodes
	}

	config.HTTP.Listen = cfg.Section("http").Key("listen").MustString(config.HTTP.Listen)
	config.Log.Level = cfg.Section("log").Key("level").MustString(config.Log.Level)
	config.Log.Format = cfg.Section("log").Key("format").MustString(config.Log.Format)

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv applies TQDBSYNC_* environment variable overrides
func (c *Config) applyEnv() error {
	if v := os.Getenv("TQDBSYNC_NODE_ID"); v != "" {
		c.Node.ID = v
	}
	if v := os.Getenv("TQDBSYNC_DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("TQDBSYNC_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("TQDBSYNC_DATABASE_MAX_OPEN_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TQDBSYNC_DATABASE_MAX_OPEN_CONNS: %w", err)
		}
		c.Database.MaxOpenConns = n
	}
	if v := os.Getenv("TQDBSYNC_HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("TQDBSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("TQDBSYNC_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	return nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	if c.Node.ID == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if c.Database.Driver == "" {
		errs = append(errs, errors.New("database.driver is required"))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Database.MaxOpenConns < 0 {
		errs = append(errs, fmt.Errorf("database.max_open_conns must not be negative, got %d", c.Database.MaxOpenConns))
	}
	if c.Loader.MetadataCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("loader.metadata_cache_size must be positive, got %d", c.Loader.MetadataCacheSize))
	}
	if c.Loader.MetadataCacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("loader.metadata_cache_ttl must be positive, got %s", c.Loader.MetadataCacheTTL))
	}
	for name, p := range c.Pools {
		if p.MaxSize <= 0 {
			errs = append(errs, fmt.Errorf("pool.%s.max must be positive, got %d", name, p.MaxSize))
		}
		if p.ReservationTimeout <= 0 {
			errs = append(errs, fmt.Errorf("pool.%s.reservation_timeout must be positive, got %s", name, p.ReservationTimeout))
		}
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
