package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lazypower/factlog/internal/store"
)

var factCmd = &cobra.Command{
	Use:   "fact",
	Short: "Inspect facts",
}

var factShowCmd = &cobra.Command{
	Use:   "show <fact-id>",
	Short: "Show a fact and its links",
	Args:  cobra.ExactArgs(1),
	RunE:  runFactShow,
}

var factHistoryCmd = &cobra.Command{
	Use:   "history <fact-id>",
	Short: "Show a fact's events and versions",
	Args:  cobra.ExactArgs(1),
	RunE:  runFactHistory,
}

var (
	factListScope string
	factListType  string
	factListState string
	factListLimit int
)

var factListCmd = &cobra.Command{
	Use:   "list",
	Short: "List facts, most recently seen first",
	RunE:  runFactList,
}

func init() {
	factListCmd.Flags().StringVar(&factListScope, "scope", "", "filter by scope id")
	factListCmd.Flags().StringVar(&factListType, "type", "", "filter by type (action, decision, risk)")
	factListCmd.Flags().StringVar(&factListState, "state", "", "filter by lifecycle state")
	factListCmd.Flags().IntVarP(&factListLimit, "limit", "n", 20, "maximum number of facts")

	factCmd.AddCommand(factShowCmd)
	factCmd.AddCommand(factHistoryCmd)
	factCmd.AddCommand(factListCmd)

	deliveriesCmd.Flags().BoolVar(&deliveriesAll, "all", false, "include suppressed deliveries")
	deliveriesCmd.Flags().IntVarP(&deliveriesLimit, "limit", "n", 20, "maximum number of deliveries")
}

func ago(t time.Time) string { return humanize.Time(t) }

func agoPtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return humanize.Time(*t)
}

func loadFact(cmd *cobra.Command, db *store.DB, id string) (*store.Fact, error) {
	f, err := db.GetFact(cmd.Context(), id)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("fact %s: %w", id, store.ErrNotFound)
	}
	return f, nil
}

func runFactShow(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	f, err := loadFact(cmd, db, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "%s\n", f.CanonicalText)
	fmt.Fprintf(out, "  id:          %s\n", f.ID)
	fmt.Fprintf(out, "  state:       %s (%s)\n", f.LifecycleState, f.Status)
	fmt.Fprintf(out, "  confidence:  %.2f\n", f.Confidence)
	if f.OwnerID != "" {
		fmt.Fprintf(out, "  owner:       %s\n", f.OwnerID)
	}
	if len(f.CandidateAssignees) > 0 {
		fmt.Fprintf(out, "  candidates:  %s\n", strings.Join(f.CandidateAssignees, ", "))
	}
	if f.DueAt != nil {
		fmt.Fprintf(out, "  due:         %s (%s)\n", f.DueAt.Format("2006-01-02"), ago(*f.DueAt))
	}
	if f.ScopeID != "" {
		fmt.Fprintf(out, "  scope:       %s\n", f.ScopeID)
	}
	fmt.Fprintf(out, "  first seen:  %s\n", ago(f.FirstSeenAt))
	fmt.Fprintf(out, "  last seen:   %s\n", ago(f.LastSeenAt))
	fmt.Fprintf(out, "  transition:  %s\n", agoPtr(f.LastTransitionAt))
	if f.AutoClosedAt != nil {
		fmt.Fprintf(out, "  closed:      %s\n", agoPtr(f.AutoClosedAt))
	}
	fmt.Fprintf(out, "  evidence:    %s\n", humanize.Comma(int64(len(f.SourceSpans))))

	links, err := db.ListLinks(cmd.Context(), f.ID)
	if err != nil {
		return err
	}
	if len(links) > 0 {
		fmt.Fprintln(out, "\nLinks:")
		for _, l := range links {
			fmt.Fprintf(out, "  %s %s:%s (%.2f)\n", l.Relation, l.ToType, l.ToID, l.Weight)
		}
	}
	return nil
}

func runFactHistory(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	f, err := loadFact(cmd, db, args[0])
	if err != nil {
		return err
	}
	events, err := db.ListEvents(cmd.Context(), f.ID)
	if err != nil {
		return err
	}
	versions, err := db.ListVersions(cmd.Context(), f.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n\nEvents:\n", f.CanonicalText)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, e := range events {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", e.OccurredAt.Format(time.RFC3339), e.Type, e.Source, e.Payload)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nVersions:")
	for _, v := range versions {
		fmt.Fprintf(out, "  v%d  %s  %s\n", v.VersionNo, v.AsOf.Format(time.RFC3339), v.Snapshot)
	}
	return nil
}

func runFactList(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	facts, err := db.ListFacts(cmd.Context(), store.FactFilter{
		ScopeID: factListScope,
		Type:    factListType,
		State:   factListState,
		Limit:   factListLimit,
	})
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No facts found.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tCONF\tLAST SEEN\tFACT")
	for _, f := range facts {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%s\n", f.ID, f.LifecycleState, f.Confidence, ago(f.LastSeenAt), clip(f.CanonicalText, 80))
	}
	return tw.Flush()
}

// --- deliveries command ---

var (
	deliveriesAll   bool
	deliveriesLimit int
)

var deliveriesCmd = &cobra.Command{
	Use:   "deliveries <recipient-id>",
	Short: "Show a recipient's ranked deliveries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ds, err := db.ListRecipientDeliveries(cmd.Context(), args[0], deliveriesAll, deliveriesLimit)
		if err != nil {
			return err
		}
		if len(ds) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No deliveries.")
			return nil
		}
		return printDeliveries(cmd.OutOrStdout(), ds)
	},
}

func printDeliveries(w io.Writer, ds []store.Delivery) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tSCORE\tSTATUS\tTYPE\tCREATED\tTOPIC")
	for _, d := range ds {
		rank, score := "-", "-"
		if d.Rank != nil {
			rank = fmt.Sprint(*d.Rank)
		}
		if d.Score != nil {
			score = fmt.Sprintf("%.4f", *d.Score)
		}
		status := d.Status
		if d.Suppressed {
			status += " (suppressed)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", rank, score, status, d.Type, ago(d.CreatedAt), clip(d.Topic, 60))
	}
	return tw.Flush()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
