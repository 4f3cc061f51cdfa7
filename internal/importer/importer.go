package importer

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crestview-partners/portfolio-cli/internal/fetcher"
	"github.com/crestview-partners/portfolio-cli/internal/model"
)

// ExtractorVersion stamps envelope lineage for rows this package
// produced.
const ExtractorVersion = "csv-importer/1.2"

// Per-field base confidence for spreadsheet cells. Each cleaning
// assumption on a field knocks it down a notch, floored well above the
// review threshold so a single guess does not park the row.
const (
	fieldBaseConfidence = 0.9
	assumptionPenalty   = 0.1
	fieldMinConfidence  = 0.5
)

// Importer parses spreadsheet files into extraction envelopes, one per
// data row.
type Importer struct {
	mapping *Mapping
}

// New builds an Importer. A nil mapping uses the defaults.
func New(mapping *Mapping) *Importer {
	if mapping == nil {
		mapping = DefaultMapping()
	}
	return &Importer{mapping: mapping}
}

// Result is everything one file produced: envelopes for the rows that
// parsed, anomalies for the rows that did not, and the file-level
// assumptions that apply to all of them.
type Result struct {
	Envelopes   []*model.Envelope
	Anomalies   []model.Anomaly
	Assumptions []string
	HeaderRow   int
	Encoding    string
	RowsTotal   int
	RowsSkipped int
}

// ParseFile reads and parses a local path or URL. XLSX is detected by
// extension; everything else is treated as delimited text.
func (imp *Importer) ParseFile(ctx context.Context, path string) (*Result, error) {
	var (
		rows     [][]string
		encoding string
		err      error
	)

	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		rows, err = fetcher.ReadXLSX(path, fetcher.XLSXOptions{})
		if err != nil {
			return nil, err
		}
		encoding = "utf-8"
	} else {
		rc, openErr := fetcher.Open(ctx, path)
		if openErr != nil {
			return nil, openErr
		}
		defer rc.Close()

		raw, readErr := io.ReadAll(rc)
		if readErr != nil {
			return nil, eris.Wrapf(readErr, "importer: read %s", path)
		}
		var text string
		text, encoding, err = DecodeText(raw)
		if err != nil {
			return nil, err
		}
		rows, err = fetcher.ReadCSV(strings.NewReader(text), fetcher.CSVOptions{TrimSpace: true})
		if err != nil {
			return nil, err
		}
	}

	res, err := imp.ParseRows(rows, filepath.Base(path), path)
	if err != nil {
		return nil, err
	}
	res.Encoding = encoding
	if encoding != "" && encoding != "utf-8" {
		res.Assumptions = append(res.Assumptions, "file decoded as "+encoding)
	}
	return res, nil
}

// ParseRows maps raw rows onto envelopes. sourceID names the file for
// lineage; sourceURL is optional.
func (imp *Importer) ParseRows(rows [][]string, sourceID, sourceURL string) (*Result, error) {
	headerRow, cols, err := imp.mapping.DiscoverHeader(rows)
	if err != nil {
		return nil, err
	}

	res := &Result{HeaderRow: headerRow}
	if headerRow > 0 {
		res.Assumptions = append(res.Assumptions,
			fmt.Sprintf("skipped %d preamble rows above header", headerRow))
	}

	now := time.Now().UTC()
	for i := headerRow + 1; i < len(rows); i++ {
		if emptyRow(rows[i]) {
			continue
		}
		res.RowsTotal++

		rowNum := i + 1 // 1-based, as an operator sees it in a spreadsheet
		src := model.SourceRef{
			Type: model.SourceCSV,
			ID:   fmt.Sprintf("%s#row%d", sourceID, rowNum),
			URL:  sourceURL,
		}

		env, err := parseRow(rows[i], cols, src, now)
		if err != nil {
			res.RowsSkipped++
			res.Anomalies = append(res.Anomalies, model.Anomaly{
				Kind:     model.ParseAnomaly,
				Severity: model.SeverityAdvisory,
				Detail:   fmt.Sprintf("row %d skipped: %v", rowNum, err),
				Source:   src,
			})
			continue
		}
		res.Envelopes = append(res.Envelopes, env)
	}

	zap.L().Info("parsed import file",
		zap.String("source", sourceID),
		zap.Int("rows", res.RowsTotal),
		zap.Int("envelopes", len(res.Envelopes)),
		zap.Int("skipped", res.RowsSkipped))
	return res, nil
}

// parseRow builds one envelope from one data row. A row may carry a
// cashflow, an ownership position, a company update, or any mix.
func parseRow(row []string, cols map[string]int, src model.SourceRef, now time.Time) (*model.Envelope, error) {
	company := cell(row, cols, FieldCompany)
	if company == "" {
		return nil, eris.New("missing company")
	}

	env := &model.Envelope{
		Source:           src,
		ExtractorVersion: ExtractorVersion,
		CompanyHint:      company,
		FieldConfidence:  map[string]float64{},
		ReceivedAt:       now,
	}

	populated := false
	if cell(row, cols, FieldAmount) != "" {
		if err := parseCashflow(row, cols, env); err != nil {
			return nil, err
		}
		populated = true
	}
	if cell(row, cols, FieldOwnershipPct) != "" {
		if err := parseOwnership(row, cols, env); err != nil {
			return nil, err
		}
		populated = true
	}
	if !populated && cell(row, cols, FieldPeriodEnd) != "" {
		if err := parseUpdate(row, cols, env); err != nil {
			return nil, err
		}
		populated = true
	}
	if !populated {
		return nil, eris.New("no amount, ownership, or period columns populated")
	}
	return env, nil
}

func parseCashflow(row []string, cols map[string]int, env *model.Envelope) error {
	dateRaw := cell(row, cols, FieldDate)
	if dateRaw == "" {
		return eris.New("amount present but date missing")
	}
	date, err := model.ParseDate(dateRaw)
	if err != nil {
		return err
	}

	amount, amountAssumed, err := CleanCurrency(cell(row, cols, FieldAmount))
	if err != nil {
		return err
	}
	kind, kindAssumed := CleanKind(cell(row, cols, FieldKind))

	env.Facts.Cashflows = append(env.Facts.Cashflows, model.Cashflow{
		Date:    date,
		Kind:    kind,
		Amount:  amount,
		WireRef: cell(row, cols, FieldWireRef),
		Notes:   cell(row, cols, FieldNotes),
	})
	env.Assumptions = append(env.Assumptions, amountAssumed...)
	env.Assumptions = append(env.Assumptions, kindAssumed...)
	env.FieldConfidence["cashflow.date"] = fieldBaseConfidence
	env.FieldConfidence["cashflow.amount"] = fieldConfidence(len(amountAssumed))
	env.FieldConfidence["cashflow.kind"] = fieldConfidence(len(kindAssumed))
	return nil
}

func parseOwnership(row []string, cols map[string]int, env *model.Envelope) error {
	asOfRaw := cell(row, cols, FieldAsOfDate)
	if asOfRaw == "" {
		// A dated cashflow row can double as the as-of date.
		asOfRaw = cell(row, cols, FieldDate)
	}
	if asOfRaw == "" {
		return eris.New("ownership present but as-of date missing")
	}
	asOf, err := model.ParseDate(asOfRaw)
	if err != nil {
		return err
	}

	pct, pctAssumed, err := CleanPercent(cell(row, cols, FieldOwnershipPct))
	if err != nil {
		return err
	}

	own := model.Ownership{
		AsOfDate:        asOf,
		SecurityClass:   cell(row, cols, FieldSecurityClass),
		FullyDilutedPct: pct,
	}
	if sharesRaw := cell(row, cols, FieldShares); sharesRaw != "" {
		shares, err := CleanShares(sharesRaw)
		if err != nil {
			return err
		}
		own.Shares = &shares
	}

	env.Facts.Ownerships = append(env.Facts.Ownerships, own)
	env.Assumptions = append(env.Assumptions, pctAssumed...)
	env.FieldConfidence["ownership.fully_diluted_pct"] = fieldConfidence(len(pctAssumed))
	env.FieldConfidence["ownership.as_of_date"] = fieldBaseConfidence
	return nil
}

func parseUpdate(row []string, cols map[string]int, env *model.Envelope) error {
	end, err := model.ParseDate(cell(row, cols, FieldPeriodEnd))
	if err != nil {
		return err
	}
	u := model.Update{
		PeriodEnd: end,
		Narrative: cell(row, cols, FieldNotes),
	}
	if startRaw := cell(row, cols, FieldPeriodStart); startRaw != "" {
		start, err := model.ParseDate(startRaw)
		if err != nil {
			return err
		}
		u.PeriodStart = start
	}

	env.Facts.Updates = append(env.Facts.Updates, u)
	env.FieldConfidence["update.period_end"] = fieldBaseConfidence
	return nil
}

func fieldConfidence(assumptions int) float64 {
	conf := fieldBaseConfidence - assumptionPenalty*float64(assumptions)
	if conf < fieldMinConfidence {
		conf = fieldMinConfidence
	}
	return conf
}

func cell(row []string, cols map[string]int, field string) string {
	idx, ok := cols[field]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func emptyRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
