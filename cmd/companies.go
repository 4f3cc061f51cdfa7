package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crestview-partners/portfolio-cli/internal/model"
)

var companiesCmd = &cobra.Command{
	Use:   "companies",
	Short: "Inspect and manage portfolio companies",
}

var companiesJSON bool

var companiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List company summaries: ownership, invested, distributed, staleness",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		summaries, err := st.CompanySummaries(ctx)
		if err != nil {
			return eris.Wrap(err, "company summaries")
		}

		if companiesJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summaries)
		}

		for _, s := range summaries {
			ownership := "-"
			if s.LatestOwnership != nil {
				ownership = *s.LatestOwnership + "%"
			}
			staleness := "never reported"
			if s.DaysSinceUpdate != nil {
				staleness = fmt.Sprintf("updated %dd ago", *s.DaysSinceUpdate)
			}
			fmt.Printf("%-24s %-11s own %-9s in %-14s out %-14s %s\n",
				s.CompanyID, s.Status, ownership, s.TotalInvested, s.TotalDistributed, staleness)
		}
		return nil
	},
}

var companiesStatusCmd = &cobra.Command{
	Use:   "status <company-id> <status>",
	Short: "Transition a company's lifecycle status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.UpdateCompanyStatus(ctx, args[0], model.CompanyStatus(args[1])); err != nil {
			return eris.Wrap(err, "update status")
		}
		zap.L().Info("company status updated",
			zap.String("company_id", args[0]),
			zap.String("status", args[1]))
		return nil
	},
}

var pendingLimit int

var companiesPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List envelopes awaiting company resolution",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		pending, err := st.ListPending(ctx, pendingLimit)
		if err != nil {
			return eris.Wrap(err, "list pending")
		}

		if len(pending) == 0 {
			fmt.Println("no pending envelopes")
			return nil
		}
		for _, pe := range pending {
			fmt.Printf("%s  %s  hint: %q\n",
				pe.ID, pe.ReceivedAt.Format("2006-01-02 15:04:05"), pe.Hint)
		}
		return nil
	},
}

var companiesResolveCmd = &cobra.Command{
	Use:   "resolve <pending-id> <company-id>",
	Short: "Bind a pending envelope to a company and replay it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		entry, err := initPipeline(st, true).Replay(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "replay pending envelope")
		}

		fmt.Printf("replayed as %s: %s, %d anomalies\n", entry.ID, entry.Status, len(entry.Anomalies))
		for _, a := range entry.Anomalies {
			fmt.Printf("  [%s] %s: %s\n", a.Severity, a.Kind, a.Detail)
		}
		return nil
	},
}

func init() {
	companiesListCmd.Flags().BoolVar(&companiesJSON, "json", false, "emit JSON")
	companiesPendingCmd.Flags().IntVar(&pendingLimit, "limit", 50, "max entries")
	companiesCmd.AddCommand(companiesListCmd, companiesStatusCmd, companiesPendingCmd, companiesResolveCmd)
	rootCmd.AddCommand(companiesCmd)
}
