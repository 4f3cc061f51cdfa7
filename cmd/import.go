package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crestview-partners/portfolio-cli/internal/importer"
	"github.com/crestview-partners/portfolio-cli/internal/ingest"
	"github.com/crestview-partners/portfolio-cli/internal/model"
)

var (
	importFile      string
	importMapping   string
	importDryRun    bool
	importFast      bool
	importChunkSize int
	importLimit     int
	importReport    string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import cashflows, ownership, and updates from a CSV or XLSX file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		mapping, err := loadMapping()
		if err != nil {
			return err
		}

		parsed, err := importer.New(mapping).ParseFile(ctx, importFile)
		if err != nil {
			return eris.Wrap(err, "parse import file")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		pipeline := initPipeline(st, cfg.Import.AllowCreate)

		chunkSize := importChunkSize
		if chunkSize == 0 {
			chunkSize = cfg.Import.ChunkSize
		}

		res, err := pipeline.IngestBatch(ctx, parsed.Envelopes, ingest.BatchOptions{
			Source: model.SourceRef{
				Type: model.SourceCSV,
				ID:   filepath.Base(importFile),
				URL:  importFile,
			},
			Assumptions:    parsed.Assumptions,
			ParseAnomalies: parsed.Anomalies,
			ChunkSize:      chunkSize,
			Limit:          importLimit,
			DryRun:         importDryRun,
			Fast:           importFast,
		})
		if err != nil {
			return eris.Wrap(err, "ingest batch")
		}

		if importReport != "" {
			if err := writeImportReport(importReport, res); err != nil {
				return err
			}
		}

		printBatchSummary(res)
		zap.L().Info("import complete",
			zap.String("file", importFile),
			zap.Int("applied", res.Applied),
			zap.Int("pending", res.Pending),
			zap.Int("blocked", res.Blocked),
			zap.Bool("dry_run", res.DryRun),
		)
		return nil
	},
}

func loadMapping() (*importer.Mapping, error) {
	path := importMapping
	if path == "" {
		path = cfg.Import.MappingFile
	}
	if path == "" {
		return nil, nil
	}
	m, err := importer.LoadMappingOverrides(path)
	if err != nil {
		return nil, eris.Wrap(err, "load column mapping")
	}
	return m, nil
}

func writeImportReport(path string, res *ingest.BatchResult) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "create report file")
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return eris.Wrap(err, "write report")
	}
	return nil
}

func printBatchSummary(res *ingest.BatchResult) {
	mode := ""
	if res.DryRun {
		mode = " (dry run)"
	}
	fmt.Printf("%d envelopes%s: %d applied, %d pending, %d blocked, %d failed\n",
		res.Total, mode, res.Applied, res.Pending, res.Blocked, res.Failed)
	created, updated := res.Counts.Total()
	fmt.Printf("records: %d created, %d updated\n", created, updated)
	for _, a := range res.Anomalies {
		fmt.Printf("  [%s] %s %s: %s\n", a.Severity, a.Kind, a.CompanyID, a.Detail)
	}
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path or URL of the CSV/XLSX file (required)")
	importCmd.Flags().StringVar(&importMapping, "mapping", "", "YAML column-mapping overrides")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "resolve and validate without writing")
	importCmd.Flags().BoolVar(&importFast, "fast", false, "bulk upsert path for large clean files (postgres only)")
	importCmd.Flags().IntVar(&importChunkSize, "chunk-size", 0, "envelopes per transaction (default from config)")
	importCmd.Flags().IntVar(&importLimit, "limit", 0, "stop after N envelopes")
	importCmd.Flags().StringVar(&importReport, "report", "", "write the run result as JSON to this path")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
