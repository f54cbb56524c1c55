package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/knowledge-search/internal/model"
	"github.com/sells-group/knowledge-search/internal/store"
)

var auditsCmd = &cobra.Command{
	Use:   "audits",
	Short: "Inspect query audit records",
	Long:  "Commands for listing, viewing, and summarizing recorded queries.",
}

// -- audits list --

var auditsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent queries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("audits"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		state, _ := cmd.Flags().GetString("state")
		traceID, _ := cmd.Flags().GetString("trace")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		filter := store.AuditFilter{
			State:   model.State(strings.ToLower(state)),
			TraceID: traceID,
			Limit:   limit,
			Offset:  offset,
		}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}

		recs, err := st.ListAudits(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "audits list")
		}

		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No audit records found.")
			return nil
		}

		formatAuditList(cmd.OutOrStdout(), recs)
		return nil
	},
}

// -- audits show --

var auditsShowCmd = &cobra.Command{
	Use:   "show <audit-id>",
	Short: "Show one audit record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("audits"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec, err := st.GetAudit(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "audits show")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

// -- audits summary --

var auditsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize queries by final state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("audits"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		var cutoff time.Time
		if since > 0 {
			cutoff = time.Now().Add(-since)
		}

		sums, err := st.SummarizeAudits(ctx, cutoff)
		if err != nil {
			return eris.Wrap(err, "audits summary")
		}

		formatAuditSummary(cmd.OutOrStdout(), sums)
		return nil
	},
}

func init() {
	auditsListCmd.Flags().String("state", "", "filter by final state (complete, partial, failed)")
	auditsListCmd.Flags().String("trace", "", "filter by trace id")
	auditsListCmd.Flags().Duration("since", 0, "only records newer than this (e.g. 1h, 24h)")
	auditsListCmd.Flags().Int("limit", 50, "max number of records to display")
	auditsListCmd.Flags().Int("offset", 0, "number of records to skip")

	auditsSummaryCmd.Flags().Duration("since", 24*time.Hour, "time window for the summary (e.g. 24h, 168h)")

	auditsCmd.AddCommand(auditsListCmd)
	auditsCmd.AddCommand(auditsShowCmd)
	auditsCmd.AddCommand(auditsSummaryCmd)
	rootCmd.AddCommand(auditsCmd)
}

// formatAuditList writes a tabular list of audit records to w.
func formatAuditList(out io.Writer, recs []model.AuditRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTRACE\tSTATE\tTIER\tPROVIDER\tCLAIMS\tCONFIDENCE\tCOST\tDURATION\tCREATED")
	for _, r := range recs {
		provider := r.Provider
		if provider == "" {
			provider = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%.2f\t$%.4f\t%dms\t%s\n",
			r.ID,
			truncate(r.TraceID, 16),
			r.State,
			r.Tier,
			provider,
			r.Claims-r.Unsupported, r.Claims,
			r.Confidence,
			r.CostUSD,
			r.DurationMs,
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	_ = w.Flush()
}

// formatAuditSummary writes per-state aggregates and a total line to w.
func formatAuditSummary(out io.Writer, sums []store.StateSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATE\tCOUNT\tAVG_DURATION\tAVG_CONFIDENCE\tCOST")
	var (
		total int64
		cost  float64
	)
	for _, s := range sums {
		total += s.Count
		cost += s.TotalCostUSD
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.0fms\t%.2f\t$%.4f\n",
			s.State, s.Count, s.AvgDurationMs, s.AvgConfidence, s.TotalCostUSD)
	}
	_, _ = fmt.Fprintf(w, "TOTAL\t%d\t\t\t$%.4f\n", total, cost)
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
