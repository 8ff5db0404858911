package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"nelie/internal/app"
	"nelie/internal/catalog"
)

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the resolved step plan with models and policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			cat, err := app.BuildCatalog(cfg.Config)
			if err != nil {
				return err
			}
			plan, err := app.Plan(cfg.Config)
			if err != nil {
				return err
			}
			if err := cat.ValidatePlan(plan); err != nil {
				return err
			}

			budget := cfg.Config.Budget
			fmt.Fprintf(cmd.OutOrStdout(), "Budget: %d tokens, reserve %d per critical step", budget.TotalTokens, budget.ReservePerCriticalStep)
			if budget.CostCapUSD > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), ", cost cap $%.4f", budget.CostCapUSD)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout())
			return formatPlanTable(cmd.OutOrStdout(), cat.Rows(plan))
		},
	}
}

func formatPlanTable(out io.Writer, rows []catalog.Row) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSTEP\tPRIORITY\tMAX TOKENS\tMODEL\tPROVIDER\tIN $/MTOK\tOUT $/MTOK")
	for i, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%.2f\t%.2f\n",
			i+1, r.Step, r.Priority, r.MaxTokens, r.Model.Name, r.Model.Provider,
			r.Model.InputPricePerMtok, r.Model.OutputPricePerMtok)
	}
	return w.Flush()
}
