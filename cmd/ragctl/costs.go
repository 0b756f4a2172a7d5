package main

import (
	"github.com/spf13/cobra"

	"github.com/WessleyAI/docchat/engine/costs"
)

func newCostsCmd(c *cli) *cobra.Command {
	var (
		days      int
		threshold float64
		format    string
	)
	tracker := func() (*costs.Tracker, error) { return c.app.Costs(nil) }

	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Report LLM spend",
	}
	cmd.PersistentFlags().IntVarP(&days, "days", "d", 30, "trailing window in UTC days, today included")

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Totals and daily spend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := tracker()
			if err != nil {
				return err
			}
			s, err := t.Summary(cmd.Context(), days)
			if err != nil {
				return err
			}
			if c.asJSON {
				return printJSON(cmd, s)
			}
			cmd.Printf("Last %d days (since %s)\n", s.PeriodDays, s.StartDate)
			cmd.Printf("  requests:    %d\n", s.TotalRequests)
			cmd.Printf("  tokens:      %d\n", s.TotalTokens)
			cmd.Printf("  cost:        $%.6f\n", s.TotalCost)
			cmd.Printf("  avg latency: %.0f ms\n", s.AvgLatencyMS)
			for _, d := range s.Daily {
				cmd.Printf("  %s  %5d req  %8d tok  $%.6f\n", d.Date, d.Requests, d.Tokens, d.Cost)
			}
			return nil
		},
	}

	breakdown := &cobra.Command{
		Use:   "breakdown",
		Short: "Spend per model, highest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := tracker()
			if err != nil {
				return err
			}
			rows, err := t.Breakdown(cmd.Context(), days)
			if err != nil {
				return err
			}
			if c.asJSON {
				return printJSON(cmd, rows)
			}
			if len(rows) == 0 {
				cmd.Println("No cost data recorded in this period.")
				return nil
			}
			for _, r := range rows {
				cmd.Printf("  %-10s %-32s %5d req  %8d tok  $%.6f\n", r.Provider, r.Model, r.Requests, r.Tokens, r.Cost)
			}
			return nil
		},
	}

	efficiency := &cobra.Command{
		Use:   "efficiency",
		Short: "Unit costs and optimization suggestions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := tracker()
			if err != nil {
				return err
			}
			e, err := t.Efficiency(cmd.Context(), days)
			if err != nil {
				return err
			}
			if c.asJSON {
				return printJSON(cmd, e)
			}
			cmd.Printf("  cost/request:   $%.6f\n", e.CostPerRequest)
			cmd.Printf("  cost/token:     $%.8f\n", e.CostPerToken)
			cmd.Printf("  tokens/request: %.1f (median %.1f)\n", e.TokensPerRequest, e.MedianTokensPerRequest)
			for _, s := range e.Suggestions {
				cmd.Printf("  - %s\n", s)
			}
			return nil
		},
	}

	alerts := &cobra.Command{
		Use:   "alerts",
		Short: "Days in the last week above a spend threshold",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := tracker()
			if err != nil {
				return err
			}
			as, err := t.Alerts(cmd.Context(), threshold)
			if err != nil {
				return err
			}
			if c.asJSON {
				return printJSON(cmd, map[string]any{"alerts": as, "threshold": threshold})
			}
			if len(as) == 0 {
				cmd.Printf("No day exceeded $%.2f.\n", threshold)
				return nil
			}
			for _, a := range as {
				cmd.Println("  " + a.Message)
			}
			return nil
		},
	}
	alerts.Flags().Float64Var(&threshold, "threshold", 10, "daily spend threshold in USD")

	export := &cobra.Command{
		Use:   "export",
		Short: "Write cost records as CSV or JSON to stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := costs.ParseFormat(format)
			if err != nil {
				return err
			}
			t, err := tracker()
			if err != nil {
				return err
			}
			return t.Export(cmd.Context(), cmd.OutOrStdout(), f, days)
		},
	}
	export.Flags().StringVarP(&format, "format", "f", "csv", "csv or json")

	realtime := &cobra.Command{
		Use:   "realtime",
		Short: "Today's running spend and projection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := tracker()
			if err != nil {
				return err
			}
			r, err := t.Realtime(cmd.Context())
			if err != nil {
				return err
			}
			if c.asJSON {
				return printJSON(cmd, r)
			}
			cmd.Printf("  today:     $%.6f over %d requests\n", r.TodayCost, r.TodayRequests)
			cmd.Printf("  hourly:    $%.6f\n", r.HourlyRate)
			cmd.Printf("  projected: $%.6f\n", r.ProjectedDailyCost)
			return nil
		},
	}

	cmd.AddCommand(summary, breakdown, efficiency, alerts, export, realtime)
	return cmd
}
