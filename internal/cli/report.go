package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rpattn/productdim/internal/domain"
	"github.com/rpattn/productdim/internal/export"
	"github.com/rpattn/productdim/internal/ingestion"
	"github.com/rpattn/productdim/internal/pipeline"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printProcessSummary(w io.Writer, summary ingestion.ProcessSummary) {
	if len(summary.Files) == 0 {
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "SOURCE\tROWS\tOUTPUT\tERROR")
	for _, f := range summary.Files {
		errText := ""
		if f.Err != nil {
			errText = f.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", f.Source, f.Rows, f.Output, errText)
	}
	_ = tw.Flush()
}

func printMergeSummary(w io.Writer, summary pipeline.Summary) {
	if len(summary.Batches) == 0 {
		return
	}
	fmt.Fprintf(w, "run %s as of %s: %d committed, %d failed, %d skipped\n",
		summary.RunID, summary.BatchDate, summary.Committed(), summary.Failed(), summary.Skipped())

	tw := newTable(w)
	fmt.Fprintln(tw, "BATCH\tSTATUS\tROWS\tNEW\tCHANGED\tUNCHANGED\tDUPLICATES\tERROR")
	for _, b := range summary.Batches {
		errText := ""
		if b.Err != nil {
			errText = b.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			b.Source, b.Status, b.Result.Rows, b.Result.Inserted, b.Result.Changed,
			b.Result.Unchanged, b.Result.Duplicates, errText)
	}
	_ = tw.Flush()
}

func printVersions(w io.Writer, versions []domain.VersionRow) {
	tw := newTable(w)
	for i, h := range export.Header {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, h)
	}
	fmt.Fprintln(tw)
	for _, v := range versions {
		for i, cell := range export.FormatRow(v) {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, cell)
		}
		fmt.Fprintln(tw)
	}
	_ = tw.Flush()
}

func printBatchRuns(w io.Writer, runs []domain.BatchRun) {
	tw := newTable(w)
	fmt.Fprintln(tw, "STARTED\tBATCH\tDATE\tSTATUS\tROWS\tNEW\tCHANGED\tUNCHANGED\tENTITY\tERROR")
	for _, run := range runs {
		entity, errText := "", ""
		if run.EntityID != nil {
			entity = *run.EntityID
		}
		if run.ErrorMessage != nil {
			errText = *run.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			run.StartedAt.Format("2006-01-02 15:04:05"), run.Source, run.BatchDate, run.Status,
			run.Rows, run.Inserted, run.Changed, run.Unchanged, entity, errText)
	}
	_ = tw.Flush()
}
