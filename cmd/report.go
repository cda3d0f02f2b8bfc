package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/flashserve/RAGPulse/replay/metrics"
	"github.com/flashserve/RAGPulse/replay/store"
)

var (
	reportSQLite  string  // results database
	reportRunID   string  // run to print; latest when empty
	reportList    bool    // list stored runs instead of printing one
	reportRecords string  // records CSV to re-aggregate
	reportTTFTMax float64 // SLO used when re-aggregating
	reportTPOTMax float64
)

// reportCmd prints saved results: a metrics file, a stored run, or a
// re-aggregation of a records CSV under a different SLO.
var reportCmd = &cobra.Command{
	Use:   "report [metrics-file]",
	Short: "Print a saved replay report",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		switch {
		case len(args) == 1:
			return printMetricsFile(w, args[0])
		case reportRecords != "":
			return reaggregate(w, reportRecords, metrics.SLO{TTFTMax: reportTTFTMax, TPOTMax: reportTPOTMax})
		case reportSQLite != "":
			return printStoredRun(cmd.Context(), w, reportSQLite, reportRunID, reportList)
		default:
			return errors.New("give a metrics file, --records or --sqlite")
		}
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportSQLite, "sqlite", "", "Results database written by replay --sqlite")
	reportCmd.Flags().StringVar(&reportRunID, "run", "", "Run ID to print (default: latest)")
	reportCmd.Flags().BoolVar(&reportList, "list", false, "List stored runs")
	reportCmd.Flags().StringVar(&reportRecords, "records", "", "Records CSV to re-aggregate")
	reportCmd.Flags().Float64Var(&reportTTFTMax, "ttft-max", 2.0, "TTFT SLO in seconds for --records")
	reportCmd.Flags().Float64Var(&reportTPOTMax, "tpot-max", 0.1, "TPOT SLO in seconds for --records")
	rootCmd.AddCommand(reportCmd)
}

func printMetricsFile(w io.Writer, path string) error {
	f, err := metrics.ReadReport(path)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "Run %s started %s\n", f.Run.RunID, f.Run.StartedAt.Format("2006-01-02 15:04:05"))
	f.Report.Print(w)
	return nil
}

func reaggregate(w io.Writer, path string, slo metrics.SLO) error {
	records, err := metrics.LoadRecordsCSV(path)
	if err != nil {
		return err
	}
	report := metrics.Aggregate(records, slo)
	report.Print(w)
	return nil
}

func printStoredRun(ctx context.Context, w io.Writer, path, runID string, list bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := store.Open(path)
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.Runs(ctx)
	if err != nil {
		return err
	}
	if list {
		_, _ = fmt.Fprintf(w, "%-36s  %-19s  %9s  %7s\n", "RUN", "STARTED", "SCHEDULED", "GOODPUT")
		for _, r := range runs {
			_, _ = fmt.Fprintf(w, "%-36s  %-19s  %9d  %7.4f\n", r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Scheduled, r.Goodput)
		}
		return nil
	}
	if runID == "" {
		if len(runs) == 0 {
			return fmt.Errorf("%w: database %s is empty", store.ErrRunNotFound, path)
		}
		runID = runs[0].ID
	}
	report, err := s.Report(ctx, runID)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "Run %s\n", runID)
	report.Print(w)
	return nil
}
