package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/knowledge-search/internal/monitoring"
)

var (
	statusURL      string
	statusLookback int
	statusNotify   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show query health from the audit store or a running server",
	Long:  "Without --url, summarizes recent queries from the audit store and evaluates alert thresholds. With --url, prints the live health snapshot of a running server.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if statusURL != "" {
			return fetchStatus(ctx, out, statusURL)
		}

		if err := cfg.Validate("status"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		lookback := statusLookback
		if lookback <= 0 {
			lookback = cfg.Monitoring.LookbackWindowHours
		}
		snap, err := monitoring.NewCollector(st).Collect(ctx, lookback)
		if err != nil {
			return err
		}

		alerter := monitoring.NewAlerter(cfg.Monitoring)
		alerts := alerter.Evaluate(snap)
		formatSnapshot(out, snap, alerts)

		if statusNotify && len(alerts) > 0 {
			sent := alerter.SendAlerts(ctx, alerts)
			fmt.Fprintf(out, "alerts sent: %d/%d\n", sent, len(alerts))
		}
		return nil
	},
}

// fetchStatus prints the health snapshot served at base/v1/status.
func fetchStatus(ctx context.Context, out io.Writer, base string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := strings.TrimRight(base, "/") + "/v1/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return eris.Wrap(err, "status: build request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return eris.Wrapf(err, "status: get %s", url)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return eris.Errorf("status: %s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var snap monitoring.HealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return eris.Wrap(err, "status: decode snapshot")
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func formatSnapshot(w io.Writer, snap *monitoring.MetricsSnapshot, alerts []monitoring.Alert) {
	fmt.Fprintf(w, "queries (last %dh): %d  complete: %d  partial: %d  failed: %d\n",
		snap.LookbackHours, snap.QueriesTotal, snap.QueriesComplete, snap.QueriesPartial, snap.QueriesFailed)
	fmt.Fprintf(w, "fail rate: %.1f%%  degraded rate: %.1f%%  avg confidence: %.2f  avg duration: %.0fms  cost: $%.4f\n",
		snap.FailRate*100, snap.DegradedRate*100, snap.AvgConfidence, snap.AvgDurationMs, snap.CostUSD)
	if len(alerts) == 0 {
		fmt.Fprintln(w, "alerts: none")
		return
	}
	fmt.Fprintln(w, "alerts:")
	for _, a := range alerts {
		fmt.Fprintf(w, "  [%s] %s\n", a.Severity, a.Message)
	}
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", "", "base URL of a running server (e.g. http://localhost:8080)")
	statusCmd.Flags().IntVar(&statusLookback, "lookback", 0, "lookback window in hours (default from config)")
	statusCmd.Flags().BoolVar(&statusNotify, "notify", false, "send triggered alerts to the configured webhook")
	rootCmd.AddCommand(statusCmd)
}
