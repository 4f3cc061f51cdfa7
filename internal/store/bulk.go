package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/crestview-partners/portfolio-cli/internal/db"
	"github.com/crestview-partners/portfolio-cli/internal/model"
)

// bulkGuard enforces the confidence policy inside ON CONFLICT for the
// high-volume import path: manual wins, stored manual is sticky, and
// otherwise only strictly higher confidence overwrites. Equal-confidence
// disagreement is not detected here; the post-import reconcile pass
// surfaces it. That is the throughput trade the --fast flag buys.
func bulkGuard(table string) string {
	return "(EXCLUDED.source_type = 'manual' OR (" +
		table + ".source_type <> 'manual' AND " +
		table + ".extraction_confidence < EXCLUDED.extraction_confidence))"
}

var lineageBulkCols = []string{
	"source_type", "source_id", "source_url", "extractor_version",
	"extraction_confidence", "created_at", "updated_at",
}

// BulkApply is the COPY-based fast path for large spreadsheet imports.
// It handles ownership and cashflow facts only; envelopes carrying other
// fact types belong on the row-by-row path. Companies referenced by the
// chunk are created first so foreign keys hold.
func (s *PostgresStore) BulkApply(ctx context.Context, envs []*model.Envelope) (int64, error) {
	now := time.Now().UTC()

	seen := map[string]bool{}
	var ownershipRows, cashflowRows [][]any
	for _, env := range envs {
		if env.CompanyID == "" {
			return 0, eris.New("postgres: bulk apply: no resolved company")
		}
		if !seen[env.CompanyID] {
			seen[env.CompanyID] = true
			c := companyFromEnvelope(env)
			if _, err := s.pool.Exec(ctx,
				`INSERT INTO portfolio.company (id, legal_name, aka, website, status, `+lineageInsertCols+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				 ON CONFLICT (id) DO NOTHING`,
				c.ID, c.LegalName, c.AKA, c.Website, string(c.Status),
				string(env.Source.Type), env.Source.ID, env.Source.URL,
				env.ExtractorVersion, env.OverallConfidence, now, now); err != nil {
				return 0, eris.Wrapf(err, "postgres: bulk apply: ensure company %s", c.ID)
			}
		}

		lineage := []any{
			string(env.Source.Type), env.Source.ID, env.Source.URL,
			env.ExtractorVersion, env.OverallConfidence, now, now,
		}
		for i := range env.Facts.Ownerships {
			o := &env.Facts.Ownerships[i]
			class := o.SecurityClass
			if class == "" {
				class = "Common"
			}
			row := append([]any{env.CompanyID, o.AsOfDate.Time(), class, o.FullyDilutedPct, o.Shares}, lineage...)
			ownershipRows = append(ownershipRows, row)
		}
		for i := range env.Facts.Cashflows {
			c := &env.Facts.Cashflows[i]
			row := append([]any{env.CompanyID, c.Date.Time(), string(c.Kind), c.Amount, c.WireRef, c.Notes, c.FutureOverride}, lineage...)
			cashflowRows = append(cashflowRows, row)
		}
	}

	var total int64
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "portfolio.ownership",
		Columns:      append([]string{"company_id", "as_of_date", "security_class", "fully_diluted_pct", "shares"}, lineageBulkCols...),
		ConflictKeys: []string{"company_id", "as_of_date", "security_class"},
		Guard:        bulkGuard("ownership"),
	}, ownershipRows)
	if err != nil {
		return total, eris.Wrap(err, "postgres: bulk apply ownership")
	}
	total += n

	n, err = db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "portfolio.cashflow",
		Columns:      append([]string{"company_id", "date", "kind", "amount", "wire_ref", "notes", "future_override"}, lineageBulkCols...),
		ConflictKeys: []string{"company_id", "date", "amount", "wire_ref"},
		Guard:        bulkGuard("cashflow"),
	}, cashflowRows)
	if err != nil {
		return total, eris.Wrap(err, "postgres: bulk apply cashflow")
	}
	total += n
	return total, nil
}
