// File: cmd/premium.go
package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/quoteflow/internal/observability"
	"github.com/xkilldash9x/quoteflow/internal/premium"
)

func newPremiumCmd(opts *rootOptions) *cobra.Command {
	premiumCmd := &cobra.Command{
		Use:   "premium",
		Short: "Queries the premium reference tables",
	}
	premiumCmd.AddCommand(newPremiumLookupCmd(opts))
	return premiumCmd
}

func newPremiumLookupCmd(opts *rootOptions) *cobra.Command {
	var (
		q        premium.Query
		asJSON   bool
		plansDir string
	)
	lookupCmd := &cobra.Command{
		Use:   "lookup",
		Short: "Prints the premium schedule for a plan, option and entry age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg.Premium()
			if plansDir != "" {
				cfg.PlansDir = plansDir
			}
			tables := premium.NewTables(cfg, observability.GetLogger())

			rows, err := tables.Schedule(cmd.Context(), q)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "YEAR\tAGE\tPREMIUM")
			for _, r := range rows {
				fmt.Fprintf(w, "%d\t%d\t%.2f\n", r.YearNumber, r.Age, r.MedicalPremium)
			}
			return w.Flush()
		},
	}
	lookupCmd.Flags().StringVar(&q.Company, "company", "", "insurer directory under the plans dir")
	lookupCmd.Flags().StringVar(&q.PlanFileName, "plan", "", "plan table file name without .json")
	lookupCmd.Flags().StringVar(&q.PlanOption, "option", "", "plan option key inside the table")
	lookupCmd.Flags().IntVar(&q.Age, "age", 0, "entry age")
	lookupCmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	lookupCmd.Flags().StringVar(&plansDir, "plans-dir", "", "table directory (default premium.plans_dir)")
	_ = lookupCmd.MarkFlagRequired("company")
	_ = lookupCmd.MarkFlagRequired("plan")
	_ = lookupCmd.MarkFlagRequired("option")
	_ = lookupCmd.MarkFlagRequired("age")
	return lookupCmd
}
