package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/crestview-partners/portfolio-cli/internal/reconcile"
)

var (
	reconcileCompany string
	reconcileFormat  string
	reconcileOut     string
	reconcileStrict  bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run consistency checks over the canonical ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		report, err := reconcile.New(st).Run(ctx, reconcileCompany)
		if err != nil {
			return eris.Wrap(err, "reconcile")
		}

		out := io.Writer(os.Stdout)
		if reconcileOut != "" {
			f, err := os.Create(reconcileOut)
			if err != nil {
				return eris.Wrap(err, "create output file")
			}
			defer f.Close()
			out = f
		}

		switch reconcileFormat {
		case "json":
			err = report.WriteJSON(out)
		case "csv":
			err = report.WriteCSV(out)
		case "text":
			err = report.WriteText(out)
		default:
			return eris.Errorf("unknown format %q (want text, json, or csv)", reconcileFormat)
		}
		if err != nil {
			return eris.Wrap(err, "write report")
		}

		if reconcileStrict && report.HasBlocking() {
			return eris.New("blocking anomalies found")
		}
		return nil
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileCompany, "company", "", "limit checks to one company id")
	reconcileCmd.Flags().StringVar(&reconcileFormat, "format", "text", "output format: text, json, or csv")
	reconcileCmd.Flags().StringVar(&reconcileOut, "out", "", "write to file instead of stdout")
	reconcileCmd.Flags().BoolVar(&reconcileStrict, "strict", false, "exit nonzero when blocking anomalies exist")
	rootCmd.AddCommand(reconcileCmd)
}
