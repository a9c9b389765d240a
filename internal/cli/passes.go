package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var reduceCmd = &cobra.Command{
	Use:   "reduce",
	Short: "Run one lifecycle reduction pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, db, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := eng.Reduce(cmd.Context())
		if err != nil {
			return fmt.Errorf("reduce: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %d: scanned %d, persisted %d, failed %d, events %d (dropped %d)\n",
			stats.RunID, stats.Scanned, stats.Persisted, stats.Failed, stats.Events, stats.DroppedEvents)
		if stats.Watermark != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "watermark: %s\n", stats.Watermark.Format(time.RFC3339))
		}
		return nil
	},
}

var rankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Run one ranking pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, db, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := eng.Rank(cmd.Context())
		if err != nil {
			return fmt.Errorf("rank: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %d: %d deliveries across %d recipients, %d updated, %d suppressed",
			stats.RunID, stats.Deliveries, stats.Recipients, stats.Updated, stats.Suppressed)
		if stats.Skipped > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), ", %d over recipient cap", stats.Skipped)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs [reduce|rank]",
	Short: "List recent reduce and rank runs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		kind := ""
		if len(args) == 1 {
			kind = args[0]
		}
		runs, err := db.RecentRuns(cmd.Context(), kind, runsLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tSTARTED\tSCANNED\tPERSISTED\tFAILED\tNOTE")
		for _, r := range runs {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				r.ID, r.Kind, r.Status, humanize.Time(r.StartedAt), r.Scanned, r.Persisted, r.Failed, r.Note)
		}
		return tw.Flush()
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "maximum number of runs")
}
