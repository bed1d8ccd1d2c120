package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpattn/productdim/internal/db"
	"github.com/rpattn/productdim/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(discard(), t.TempDir())
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
database:
  driver: postgres
  host: db.internal
  port: 6543
  dbname: warehouse
paths:
  raw: /srv/raw
landing:
  backend: minio
  minio:
    bucket: landing
pipeline:
  as_of: "2024-03-01"
  clean_concurrency: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("PRODUCTDIM_DATABASE_HOST", "db.override")
	t.Setenv("PRODUCTDIM_LOG_VERBOSE", "true")

	cfg, err := Load(discard(), dir)
	require.NoError(t, err)

	require.Equal(t, db.DriverPostgres, cfg.Database.Driver)
	require.Equal(t, "db.override", cfg.Database.Host)
	require.Equal(t, 6543, cfg.Database.Port)
	require.Equal(t, "warehouse", cfg.Database.DBName)
	require.Equal(t, "/srv/raw", cfg.Paths.Raw)
	require.Equal(t, "data/processed", cfg.Paths.Processed)
	require.Equal(t, LandingMinio, cfg.Landing.Backend)
	require.Equal(t, "landing", cfg.Landing.Minio.Bucket)
	require.True(t, cfg.Log.Verbose)
	require.NoError(t, cfg.Validate())

	date, err := cfg.Pipeline.BatchDate()
	require.NoError(t, err)
	require.NotNil(t, date)
	require.Equal(t, domain.MustParseDate("2024-03-01"), *date)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PRODUCTDIM_METRICS_ADDR=:9464\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("PRODUCTDIM_METRICS_ADDR") })

	cfg, err := Load(discard(), dir)
	require.NoError(t, err)
	require.Equal(t, ":9464", cfg.Metrics.Addr)
}

func TestLoad_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("database: [unclosed"), 0o644))

	_, err := Load(discard(), dir)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"sqlite without path", func(c *Config) { c.Database.SQLitePath = "" }},
		{"postgres bad port", func(c *Config) { c.Database.Driver = db.DriverPostgres; c.Database.Port = 0 }},
		{"unknown landing", func(c *Config) { c.Landing.Backend = "ftp" }},
		{"minio without bucket", func(c *Config) { c.Landing.Backend = LandingMinio; c.Landing.Minio.Bucket = "" }},
		{"zero concurrency", func(c *Config) { c.Pipeline.CleanConcurrency = 0 }},
		{"bad as-of", func(c *Config) { c.Pipeline.AsOf = "03/01/2024" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
