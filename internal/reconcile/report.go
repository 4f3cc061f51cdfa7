package reconcile

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/crestview-partners/portfolio-cli/internal/model"
)

// Report is the output of one reconciliation run.
type Report struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Scope       string          `json:"scope,omitempty"` // company id, empty for full portfolio
	Anomalies   []model.Anomaly `json:"anomalies"`
}

func (r *Report) add(a model.Anomaly) {
	r.Anomalies = append(r.Anomalies, a)
}

// Sort puts anomalies in stable report order: blocking first, then by
// kind, company and detail.
func (r *Report) Sort() {
	sort.SliceStable(r.Anomalies, func(i, j int) bool {
		return r.Anomalies[i].Less(r.Anomalies[j])
	})
}

// HasBlocking reports whether the run found any blocking anomaly.
func (r *Report) HasBlocking() bool {
	return model.HasBlocking(r.Anomalies)
}

// CountsByKind tallies anomalies for the summary line.
func (r *Report) CountsByKind() map[model.AnomalyKind]int {
	counts := make(map[model.AnomalyKind]int)
	for _, a := range r.Anomalies {
		counts[a.Kind]++
	}
	return counts
}

// WriteJSON renders the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(r), "reconcile: encode report")
}

// WriteCSV renders one row per anomaly for spreadsheet triage.
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"kind", "severity", "company_id", "detail", "source_type", "source_id"}); err != nil {
		return eris.Wrap(err, "reconcile: write csv header")
	}
	for _, a := range r.Anomalies {
		row := []string{
			string(a.Kind), string(a.Severity), a.CompanyID, a.Detail,
			string(a.Source.Type), a.Source.ID,
		}
		if err := cw.Write(row); err != nil {
			return eris.Wrap(err, "reconcile: write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "reconcile: flush csv")
}

// WriteText renders a human summary: counts by kind, then each finding.
func (r *Report) WriteText(w io.Writer) error {
	if len(r.Anomalies) == 0 {
		_, err := fmt.Fprintf(w, "reconcile %s: clean\n", scopeLabel(r.Scope))
		return eris.Wrap(err, "reconcile: write report")
	}

	counts := r.CountsByKind()
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	if _, err := fmt.Fprintf(w, "reconcile %s: %d anomalies\n", scopeLabel(r.Scope), len(r.Anomalies)); err != nil {
		return eris.Wrap(err, "reconcile: write report")
	}
	for _, k := range kinds {
		if _, err := fmt.Fprintf(w, "  %-24s %d\n", k, counts[model.AnomalyKind(k)]); err != nil {
			return eris.Wrap(err, "reconcile: write report")
		}
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return eris.Wrap(err, "reconcile: write report")
	}
	for _, a := range r.Anomalies {
		company := a.CompanyID
		if company == "" {
			company = "-"
		}
		if _, err := fmt.Fprintf(w, "[%s] %s %s: %s\n", a.Severity, a.Kind, company, a.Detail); err != nil {
			return eris.Wrap(err, "reconcile: write report")
		}
	}
	return nil
}
