package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"nelie/internal/usage"
)

func newUsageCmd() *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show recorded token usage and cost per step",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sinceTime time.Time
			if since != "" {
				t, err := time.Parse(time.DateOnly, since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				sinceTime = t
			}

			cfg, logger, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			if !cfg.Config.Usage.Enabled {
				return errors.New("usage tracking is disabled (set USAGE_ENABLED=true)")
			}

			ctx := cmd.Context()
			application, err := newApp(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("init app: %w", err)
			}
			defer func() { _ = application.Shutdown(context.Background()) }()

			rows, err := application.UsageReader().SummaryByStep(ctx, sinceTime)
			if err != nil {
				return fmt.Errorf("read usage: %w", err)
			}
			return formatUsageTable(cmd.OutOrStdout(), rows)
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD, default: all time)")
	return cmd
}

func formatUsageTable(out io.Writer, rows []usage.StepSummary) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(out, "No usage recorded.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tCALLS\tESTIMATED\tPROMPT\tCOMPLETION\tTOTAL\tCOST (USD)")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%.6f\n",
			r.Step, r.Calls, r.Estimated, r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.CostUSD)
	}
	total := usage.Total(rows)
	fmt.Fprintf(w, "TOTAL\t%d\t%d\t%d\t%d\t%d\t%.6f\n",
		total.Calls, total.Estimated, total.PromptTokens, total.CompletionTokens, total.TotalTokens, total.CostUSD)
	return w.Flush()
}
