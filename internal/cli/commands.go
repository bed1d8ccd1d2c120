package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpattn/productdim/internal/domain"
	"github.com/rpattn/productdim/internal/export"
	"github.com/rpattn/productdim/internal/ingestion"
	"github.com/rpattn/productdim/internal/pipeline"
)

// NewIngestCommand creates the ingest command.
func NewIngestCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Copy sample files into the landing area",
		Long: `Copy named files from the sample directory into the landing area under a
UTC-timestamped name. Missing files are reported and skipped.

Example:
  productdim ingest products.csv
  productdim ingest products.csv prices.xlsx --verbose`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			landing, err := a.landing(ctx)
			if err != nil {
				return err
			}
			ingester := ingestion.NewIngester(a.log, a.cfg.Paths.Sample, landing, a.clock)

			for _, name := range args {
				location, err := ingester.Ingest(ctx, name)
				if errors.Is(err, domain.ErrMissingInput) {
					a.log.Warn("source file missing, skipping", "file", name)
					continue
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), location)
			}
			return nil
		},
	}
}

// NewProcessCommand creates the process command.
func NewProcessCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Clean landed raw files into Parquet batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			landing, err := a.landing(ctx)
			if err != nil {
				return err
			}
			processor := ingestion.NewProcessor(a.log, landing, a.cfg.Paths.Processed, a.cfg.Pipeline.CleanConcurrency, a.clock)

			summary, err := processor.ProcessAll(ctx)
			if errors.Is(err, domain.ErrMissingInput) {
				a.log.Warn("no raw files to process")
				return nil
			}
			if err != nil {
				return err
			}
			printProcessSummary(cmd.OutOrStdout(), summary)
			if failed := summary.Failed(); failed > 0 {
				return fmt.Errorf("%d of %d files failed to process", failed, len(summary.Files))
			}
			return nil
		},
	}
}

// NewMergeCommand creates the merge command.
func NewMergeCommand(opts *RootOptions) *cobra.Command {
	var replay bool

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge processed batches into the product dimension",
		Long: `Merge every processed batch into the product dimension, one transaction per
batch in file-name order. A failing batch is rolled back and reported; the
remaining batches still run. Batches whose last run committed are skipped
unless --replay is set.

A product may change at most once per batch date. When two batches merged
with the same batch date both change the same product, the second batch
fails with a revision-out-of-order error and the command exits non-zero;
merging it again with a later --as-of date succeeds.

Example:
  productdim merge
  productdim merge --as-of 2024-01-31 --replay`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			asOf, err := a.batchDate()
			if err != nil {
				return err
			}
			stores, err := a.stores(ctx)
			if err != nil {
				return err
			}
			defer a.closeStores(stores)

			driver := pipeline.NewDriver(a.log, stores.Dimension, stores.BatchRuns, a.cfg.Paths.Processed, a.clock)
			driver.Replay = replay

			summary, err := driver.Run(ctx, asOf)
			if errors.Is(err, domain.ErrMissingInput) {
				a.log.Warn("no processed batches to merge")
				return nil
			}
			if err != nil {
				return err
			}
			printMergeSummary(cmd.OutOrStdout(), summary)
			if failed := summary.Failed(); failed > 0 {
				return fmt.Errorf("%d of %d batches failed", failed, len(summary.Batches))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&replay, "replay", false, "merge batches again even if they were already committed")
	return cmd
}

// NewRunCommand creates the run command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	var replay bool

	cmd := &cobra.Command{
		Use:   "run <file>...",
		Short: "Ingest, process and merge in one go",
		Long: `Ingest the named sample files, clean everything landed and merge every
processed batch. Merging follows the rules of the merge command: a product
may change at most once per batch date, so two new batches changing the same
product on one date leave the second batch failed until a later date.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			asOf, err := a.batchDate()
			if err != nil {
				return err
			}
			landing, err := a.landing(ctx)
			if err != nil {
				return err
			}
			stores, err := a.stores(ctx)
			if err != nil {
				return err
			}
			defer a.closeStores(stores)

			driver := pipeline.NewDriver(a.log, stores.Dimension, stores.BatchRuns, a.cfg.Paths.Processed, a.clock)
			driver.Replay = replay
			runner := pipeline.NewRunner(a.log,
				ingestion.NewIngester(a.log, a.cfg.Paths.Sample, landing, a.clock),
				ingestion.NewProcessor(a.log, landing, a.cfg.Paths.Processed, a.cfg.Pipeline.CleanConcurrency, a.clock),
				driver,
			)

			report, err := runner.Run(ctx, args, asOf)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, location := range report.Landed {
				fmt.Fprintf(out, "landed %s\n", location)
			}
			printProcessSummary(out, report.Process)
			printMergeSummary(out, report.Merge)

			if report.Process.Failed() > 0 || report.Merge.Failed() > 0 {
				return fmt.Errorf("run finished with %d failed files and %d failed batches",
					report.Process.Failed(), report.Merge.Failed())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&replay, "replay", false, "merge batches again even if they were already committed")
	return cmd
}

// NewExportCommand creates the export command.
func NewExportCommand(opts *RootOptions) *cobra.Command {
	var format, entityID string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the product dimension to CSV or XLSX",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			stores, err := a.stores(ctx)
			if err != nil {
				return err
			}
			defer a.closeStores(stores)
			if err := stores.Dimension.EnsureSchema(ctx); err != nil {
				return err
			}

			service := export.NewService(a.log, stores.Dimension, a.cfg.Paths.Exports, a.clock)
			result, err := service.Export(ctx, export.Request{Format: parsed, EntityID: entityID})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d rows)\n", result.Path, result.Rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", string(export.FormatCSV), "output format (csv|xlsx)")
	cmd.Flags().StringVar(&entityID, "entity", "", "export a single entity's history")
	return cmd
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <entity_id>",
		Short: "Print every version of one product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			stores, err := a.stores(ctx)
			if err != nil {
				return err
			}
			defer a.closeStores(stores)
			if err := stores.Dimension.EnsureSchema(ctx); err != nil {
				return err
			}

			versions, err := stores.Dimension.ListVersions(ctx, args[0])
			if err != nil {
				return err
			}
			if len(versions) == 0 {
				return fmt.Errorf("%w: entity %s", domain.ErrNotFound, args[0])
			}
			printVersions(cmd.OutOrStdout(), versions)
			return nil
		},
	}
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(opts *RootOptions) *cobra.Command {
	var source string
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded batch merges, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			stores, err := a.stores(ctx)
			if err != nil {
				return err
			}
			defer a.closeStores(stores)
			if err := stores.Dimension.EnsureSchema(ctx); err != nil {
				return err
			}

			runs, err := stores.BatchRuns.List(ctx, source, limit, 0)
			if err != nil {
				return err
			}
			printBatchRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "only runs of this batch file")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the dimension schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			stores, err := a.stores(ctx)
			if err != nil {
				return err
			}
			defer a.closeStores(stores)

			if err := stores.Dimension.EnsureSchema(ctx); err != nil {
				return err
			}
			a.log.Info("schema is up to date", "driver", a.cfg.Database.Driver)
			return nil
		},
	}
}
