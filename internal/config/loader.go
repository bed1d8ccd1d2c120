package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rpattn/productdim/internal/db"
	"github.com/rpattn/productdim/internal/domain"
)

// EnvPrefix namespaces environment overrides, e.g. PRODUCTDIM_DATABASE_HOST.
const EnvPrefix = "PRODUCTDIM"

// Config is the full runtime configuration of productdim.
type Config struct {
	Database db.Config
	Paths    Paths
	Landing  Landing
	Pipeline Pipeline
	Log      Log
	Metrics  Metrics
}

// Paths locates the stage directories.
type Paths struct {
	Sample    string
	Raw       string
	Processed string
	Exports   string
}

// Landing selects where ingested files are copied.
type Landing struct {
	Backend string
	Minio   Minio
}

type Minio struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Secure    bool
	Prefix    string
}

type Pipeline struct {
	// AsOf overrides the batch date (YYYY-MM-DD). Empty means today (UTC).
	AsOf             string
	CleanConcurrency int
}

type Log struct {
	Verbose bool
}

type Metrics struct {
	Addr string
}

const (
	LandingFS    = "fs"
	LandingMinio = "minio"
)

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Database: db.DefaultConfig(),
		Paths: Paths{
			Sample:    "data/sample",
			Raw:       "data/raw",
			Processed: "data/processed",
			Exports:   "data/exports",
		},
		Landing: Landing{
			Backend: LandingFS,
			Minio: Minio{
				Endpoint: "localhost:9000",
				Bucket:   "productdim-raw",
				Prefix:   "raw/",
			},
		},
		Pipeline: Pipeline{CleanConcurrency: 4},
	}
}

// Load reads config.yaml from configPath (when present), then applies
// environment overrides. A .env file in configPath is loaded first; it never
// replaces variables already set in the process environment.
func Load(log *slog.Logger, configPath string) (Config, error) {
	if err := godotenv.Load(filepath.Join(configPath, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		log.Debug("no config.yaml found, using defaults and env vars", "path", configPath)
	} else {
		log.Debug("loaded config", "file", v.ConfigFileUsed())
	}

	cfg.Database.Driver = db.Driver(strings.ToLower(v.GetString("database.driver")))
	cfg.Database.Host = v.GetString("database.host")
	cfg.Database.Port = v.GetInt("database.port")
	cfg.Database.User = v.GetString("database.user")
	cfg.Database.Password = v.GetString("database.password")
	cfg.Database.DBName = v.GetString("database.dbname")
	cfg.Database.SSLMode = v.GetString("database.sslmode")
	cfg.Database.SQLitePath = v.GetString("database.sqlite_path")

	cfg.Paths.Sample = v.GetString("paths.sample")
	cfg.Paths.Raw = v.GetString("paths.raw")
	cfg.Paths.Processed = v.GetString("paths.processed")
	cfg.Paths.Exports = v.GetString("paths.exports")

	cfg.Landing.Backend = strings.ToLower(v.GetString("landing.backend"))
	cfg.Landing.Minio.Endpoint = v.GetString("landing.minio.endpoint")
	cfg.Landing.Minio.Bucket = v.GetString("landing.minio.bucket")
	cfg.Landing.Minio.AccessKey = v.GetString("landing.minio.access_key")
	cfg.Landing.Minio.SecretKey = v.GetString("landing.minio.secret_key")
	cfg.Landing.Minio.Secure = v.GetBool("landing.minio.secure")
	cfg.Landing.Minio.Prefix = v.GetString("landing.minio.prefix")

	cfg.Pipeline.AsOf = v.GetString("pipeline.as_of")
	cfg.Pipeline.CleanConcurrency = v.GetInt("pipeline.clean_concurrency")

	cfg.Log.Verbose = v.GetBool("log.verbose")
	cfg.Metrics.Addr = v.GetString("metrics.addr")

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("database.driver", string(cfg.Database.Driver))
	v.SetDefault("database.host", cfg.Database.Host)
	v.SetDefault("database.port", cfg.Database.Port)
	v.SetDefault("database.user", cfg.Database.User)
	v.SetDefault("database.password", cfg.Database.Password)
	v.SetDefault("database.dbname", cfg.Database.DBName)
	v.SetDefault("database.sslmode", cfg.Database.SSLMode)
	v.SetDefault("database.sqlite_path", cfg.Database.SQLitePath)

	v.SetDefault("paths.sample", cfg.Paths.Sample)
	v.SetDefault("paths.raw", cfg.Paths.Raw)
	v.SetDefault("paths.processed", cfg.Paths.Processed)
	v.SetDefault("paths.exports", cfg.Paths.Exports)

	v.SetDefault("landing.backend", cfg.Landing.Backend)
	v.SetDefault("landing.minio.endpoint", cfg.Landing.Minio.Endpoint)
	v.SetDefault("landing.minio.bucket", cfg.Landing.Minio.Bucket)
	v.SetDefault("landing.minio.access_key", cfg.Landing.Minio.AccessKey)
	v.SetDefault("landing.minio.secret_key", cfg.Landing.Minio.SecretKey)
	v.SetDefault("landing.minio.secure", cfg.Landing.Minio.Secure)
	v.SetDefault("landing.minio.prefix", cfg.Landing.Minio.Prefix)

	v.SetDefault("pipeline.as_of", cfg.Pipeline.AsOf)
	v.SetDefault("pipeline.clean_concurrency", cfg.Pipeline.CleanConcurrency)

	v.SetDefault("log.verbose", cfg.Log.Verbose)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
}

// Validate checks the combination of settings before any stage runs.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case db.DriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required for the postgres driver")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("database.port %d is out of range", c.Database.Port)
		}
	case db.DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
		}
	case db.DriverMemory:
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}

	switch c.Landing.Backend {
	case LandingFS:
	case LandingMinio:
		if c.Landing.Minio.Endpoint == "" || c.Landing.Minio.Bucket == "" {
			return fmt.Errorf("landing.minio.endpoint and landing.minio.bucket are required for the minio backend")
		}
	default:
		return fmt.Errorf("unsupported landing.backend %q", c.Landing.Backend)
	}

	if c.Pipeline.CleanConcurrency < 1 {
		return fmt.Errorf("pipeline.clean_concurrency must be at least 1")
	}
	if _, err := c.Pipeline.BatchDate(); err != nil {
		return err
	}
	return nil
}

// BatchDate returns the configured effective date, or nil when the clock decides.
func (p Pipeline) BatchDate() (*domain.Date, error) {
	if strings.TrimSpace(p.AsOf) == "" {
		return nil, nil
	}
	date, err := domain.ParseDate(p.AsOf)
	if err != nil {
		return nil, fmt.Errorf("pipeline.as_of: %w", err)
	}
	return &date, nil
}
