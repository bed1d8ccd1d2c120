package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/rpattn/productdim/internal/config"
	"github.com/rpattn/productdim/internal/db"
	"github.com/rpattn/productdim/internal/domain"
	"github.com/rpattn/productdim/internal/ingestion"
	"github.com/rpattn/productdim/internal/logger"
	"github.com/rpattn/productdim/internal/metrics"
	"github.com/rpattn/productdim/internal/repository"
)

// Set at build time with -ldflags "-X github.com/rpattn/productdim/internal/cli.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigDir   string
	Verbose     bool
	AsOf        string
	Driver      string
	MetricsAddr string

	// Clock overrides the wall clock (for testing).
	Clock clockwork.Clock
}

// NewRootCommand creates the root command for the productdim CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "productdim",
		Short:         "Versioned product dimension pipeline",
		Long:          "Lands raw product files, cleans them into Parquet batches and merges them into a type 2 slowly changing dimension.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config", ".", "directory containing config.yaml and .env")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.AsOf, "as-of", "", "effective batch date (YYYY-MM-DD), defaults to today in UTC")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "", "dimension store driver (postgres|sqlite|memory)")
	cmd.PersistentFlags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewProcessCommand(opts))
	cmd.AddCommand(NewMergeCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}

// app is the resolved runtime shared by one command invocation.
type app struct {
	cfg   config.Config
	log   *slog.Logger
	clock clockwork.Clock
}

// setup loads configuration, applies flag overrides and starts the metrics
// server when an address is configured.
func (o *RootOptions) setup(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(logger.New(o.Verbose), o.ConfigDir)
	if err != nil {
		return nil, err
	}

	if o.Verbose {
		cfg.Log.Verbose = true
	}
	if o.AsOf != "" {
		cfg.Pipeline.AsOf = o.AsOf
	}
	if o.Driver != "" {
		cfg.Database.Driver = db.Driver(strings.ToLower(o.Driver))
	}
	if o.MetricsAddr != "" {
		cfg.Metrics.Addr = o.MetricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	clock := o.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a := &app{cfg: cfg, log: logger.New(cfg.Log.Verbose), clock: clock}

	metrics.BuildInfo.WithLabelValues(Version, Commit, Date).Set(1)
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(cmd.Context(), a.log, cfg.Metrics.Addr); err != nil {
				a.log.Error("metrics server stopped", "error", err)
			}
		}()
	}
	return a, nil
}

func (a *app) batchDate() (*domain.Date, error) {
	return a.cfg.Pipeline.BatchDate()
}

func (a *app) stores(ctx context.Context) (repository.Stores, error) {
	return repository.Open(ctx, a.log, a.cfg.Database)
}

func (a *app) landing(ctx context.Context) (ingestion.Landing, error) {
	switch a.cfg.Landing.Backend {
	case config.LandingMinio:
		m := a.cfg.Landing.Minio
		return ingestion.NewMinioLanding(ctx, ingestion.MinioConfig{
			Endpoint:  m.Endpoint,
			Bucket:    m.Bucket,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Secure:    m.Secure,
			Prefix:    m.Prefix,
		})
	default:
		return ingestion.NewFSLanding(a.cfg.Paths.Raw), nil
	}
}

func (a *app) closeStores(stores repository.Stores) {
	if err := stores.Close(); err != nil {
		a.log.Warn("failed to close store", "error", err)
	}
}
