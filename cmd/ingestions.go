package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/crestview-partners/portfolio-cli/internal/model"
	"github.com/crestview-partners/portfolio-cli/internal/store"
)

var (
	ingestionsCompany string
	ingestionsStatus  string
	ingestionsLimit   int
	ingestionsOffset  int
	ingestionsJSON    bool
)

var ingestionsCmd = &cobra.Command{
	Use:   "ingestions",
	Short: "List ingestion log entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.ListIngestions(ctx, store.IngestionFilter{
			CompanyID: ingestionsCompany,
			Status:    model.IngestionStatus(ingestionsStatus),
			Limit:     ingestionsLimit,
			Offset:    ingestionsOffset,
		})
		if err != nil {
			return eris.Wrap(err, "list ingestions")
		}

		if ingestionsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}

		for _, e := range entries {
			created, updated := e.Counts.Total()
			company := e.CompanyID
			if company == "" {
				company = "(unresolved)"
			}
			fmt.Printf("%s  %-7s  %-10s %-24s %s  %dc/%du  %d anomalies  %dms\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"), e.Status,
				e.Source.Type, e.Source.ID, company,
				created, updated, len(e.Anomalies), e.DurationMS)
			if e.Error != "" {
				fmt.Printf("    error: %s\n", e.Error)
			}
		}
		return nil
	},
}

func init() {
	ingestionsCmd.Flags().StringVar(&ingestionsCompany, "company", "", "filter by company id")
	ingestionsCmd.Flags().StringVar(&ingestionsStatus, "status", "", "filter by status: success, partial, failed")
	ingestionsCmd.Flags().IntVar(&ingestionsLimit, "limit", 50, "max entries")
	ingestionsCmd.Flags().IntVar(&ingestionsOffset, "offset", 0, "skip entries")
	ingestionsCmd.Flags().BoolVar(&ingestionsJSON, "json", false, "emit JSON")
	rootCmd.AddCommand(ingestionsCmd)
}
