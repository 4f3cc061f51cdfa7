package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestview-partners/portfolio-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedEnvelope(companyID string, src model.SourceType, conf float64) *model.Envelope {
	return &model.Envelope{
		Source:            model.SourceRef{Type: src, ID: "seed-1"},
		ExtractorVersion:  "test-v1",
		CompanyID:         companyID,
		OverallConfidence: conf,
		ReceivedAt:        time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

// Future-dated so the row can be read back through FutureCashflows.
func seedCashflow(kind model.CashflowKind) model.Cashflow {
	return model.Cashflow{
		Date:    model.NewDate(2031, time.January, 10),
		Kind:    kind,
		Amount:  decimal.RequireFromString("50000.00"),
		WireRef: "W-123",
	}
}

func TestSQLite_ApplyEnvelope_CreatesCanonicalRows(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	shares := decimal.RequireFromString("1000000")
	env := seedEnvelope("acme", model.SourceCSV, 0.75)
	env.Facts.Company = &model.CompanyFacts{
		LegalName: "Acme Robotics, Inc.",
		Website:   "https://acmerobotics.com",
	}
	env.Facts.Cashflows = []model.Cashflow{seedCashflow(model.CashflowInvestment)}
	env.Facts.Ownerships = []model.Ownership{{
		AsOfDate:        model.NewDate(2025, time.March, 31),
		FullyDilutedPct: decimal.RequireFromString("12.5"),
		Shares:          &shares,
	}}
	env.Facts.Updates = []model.Update{{
		PeriodStart: model.NewDate(2025, time.January, 1),
		PeriodEnd:   model.NewDate(2025, time.March, 31),
		Period:      "2025-Q1",
		Metrics:     map[string]string{model.MetricARR: "1200000"},
	}}
	env.Facts.Contacts = []model.Contact{{
		Name:  "Dana Ortiz",
		Email: "Dana@AcmeRobotics.com",
		Role:  "CFO",
	}}

	res, err := st.ApplyEnvelope(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "acme", res.CompanyID)
	assert.Equal(t, 1, res.Counts["company"].Created)
	assert.Equal(t, 1, res.Counts["cashflow"].Created)
	assert.Equal(t, 1, res.Counts["ownership"].Created)
	assert.Equal(t, 1, res.Counts["update"].Created)
	assert.Equal(t, 1, res.Counts["contact"].Created)
	assert.Empty(t, res.Anomalies)

	c, err := st.GetCompany(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme Robotics, Inc.", c.LegalName)
	assert.Equal(t, model.CompanyActive, c.Status)
	assert.Equal(t, model.SourceCSV, c.Lineage.SourceType)
	assert.InDelta(t, 0.75, c.Lineage.Confidence, 0.0001)

	all, err := st.ListCompanies(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestSQLite_ApplyEnvelope_IdempotentReplay(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	env := seedEnvelope("acme", model.SourceCSV, 0.75)
	env.Facts.Cashflows = []model.Cashflow{seedCashflow(model.CashflowInvestment)}
	env.Facts.Ownerships = []model.Ownership{{
		AsOfDate:        model.NewDate(2025, time.March, 31),
		FullyDilutedPct: decimal.RequireFromString("12.5"),
	}}

	_, err := st.ApplyEnvelope(ctx, env)
	require.NoError(t, err)

	replay := seedEnvelope("acme", model.SourceCSV, 0.75)
	replay.Facts.Cashflows = []model.Cashflow{seedCashflow(model.CashflowInvestment)}
	replay.Facts.Ownerships = []model.Ownership{{
		AsOfDate:        model.NewDate(2025, time.March, 31),
		FullyDilutedPct: decimal.RequireFromString("12.5000"),
	}}

	res, err := st.ApplyEnvelope(ctx, replay)
	require.NoError(t, err)
	created, updated := res.Counts.Total()
	assert.Zero(t, created)
	assert.Zero(t, updated)
	assert.Empty(t, res.Anomalies)
}

func TestSQLite_ApplyEnvelope_LowerConfidenceSuppressed(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first := seedEnvelope("acme", model.SourceCSV, 0.75)
	first.Facts.Cashflows = []model.Cashflow{seedCashflow(model.CashflowInvestment)}
	_, err := st.ApplyEnvelope(ctx, first)
	require.NoError(t, err)

	second := seedEnvelope("acme", model.SourceEmail, 0.60)
	second.Facts.Cashflows = []model.Cashflow{seedCashflow(model.CashflowDistribution)}

	res, err := st.ApplyEnvelope(ctx, second)
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, model.ConflictSuppressed, res.Anomalies[0].Kind)
	assert.Equal(t, model.SeverityAdvisory, res.Anomalies[0].Severity)
	created, updated := res.Counts.Total()
	assert.Zero(t, created)
	assert.Zero(t, updated)

	rows, err := st.FutureCashflows(ctx, model.Today(), "acme")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.CashflowInvestment, rows[0].Kind)
}

func TestSQLite_ApplyEnvelope_EqualConfidenceDisagreementBlocks(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first := seedEnvelope("acme", model.SourceCSV, 0.75)
	first.Facts.Cashflows = []model.Cashflow{seedCashflow(model.CashflowInvestment)}
	_, err := st.ApplyEnvelope(ctx, first)
	require.NoError(t, err)

	// The conflicting envelope also carries a brand-new cashflow; the
	// whole envelope must roll back, not just the conflicting row.
	conflicting := seedEnvelope("acme", model.SourceCSV, 0.75)
	fresh := seedCashflow(model.CashflowInvestment)
	fresh.Date = model.NewDate(2031, time.June, 1)
	fresh.WireRef = "W-999"
	conflicting.Facts.Cashflows = []model.Cashflow{
		seedCashflow(model.CashflowDistribution),
		fresh,
	}

	_, err = st.ApplyEnvelope(ctx, conflicting)
	require.ErrorIs(t, err, ErrBlockingConflict)

	rows, err := st.FutureCashflows(ctx, model.Today(), "acme")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.CashflowInvestment, rows[0].Kind)
}

func TestSQLite_ApplyEnvelope_ManualCorrectionOverwritesAndSticks(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first := seedEnvelope("acme", model.SourceCSV, 0.75)
	first.Facts.Cashflows = []model.Cashflow{seedCashflow(model.CashflowInvestment)}
	_, err := st.ApplyEnvelope(ctx, first)
	require.NoError(t, err)

	manual := seedEnvelope("acme", model.SourceManual, 1.0)
	manual.Facts.Cashflows = []model.Cashflow{seedCashflow(model.CashflowDistribution)}

	res, err := st.ApplyEnvelope(ctx, manual)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts["cashflow"].Updated)
	assert.Empty(t, res.Anomalies)

	// A later automated source, even at high confidence, cannot displace
	// the operator's correction.
	later := seedEnvelope("acme", model.SourceEmail, 0.95)
	later.Facts.Cashflows = []model.Cashflow{seedCashflow(model.CashflowDividend)}

	res, err = st.ApplyEnvelope(ctx, later)
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, model.ConflictSuppressed, res.Anomalies[0].Kind)

	rows, err := st.FutureCashflows(ctx, model.Today(), "acme")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.CashflowDistribution, rows[0].Kind)
}

func TestSQLite_ApplyBatch_BlockedEnvelopeDoesNotSinkSiblings(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	good := seedEnvelope("batchco", model.SourceCSV, 0.75)
	good.Facts.Cashflows = []model.Cashflow{seedCashflow(model.CashflowInvestment)}

	blocked := seedEnvelope("batchco", model.SourceCSV, 0.75)
	blocked.Facts.Cashflows = []model.Cashflow{seedCashflow(model.CashflowDistribution)}

	sibling := seedEnvelope("batchco", model.SourceCSV, 0.75)
	other := seedCashflow(model.CashflowDistribution)
	other.Date = model.NewDate(2031, time.February, 20)
	other.WireRef = "W-456"
	sibling.Facts.Cashflows = []model.Cashflow{other}

	results, errs, err := st.ApplyBatch(ctx, []*model.Envelope{good, blocked, sibling})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Len(t, errs, 3)

	assert.NotNil(t, results[0])
	assert.Nil(t, results[1])
	assert.NotNil(t, results[2])
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrBlockingConflict)
	assert.NoError(t, errs[2])

	rows, err := st.FutureCashflows(ctx, model.Today(), "batchco")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, model.CashflowInvestment, rows[0].Kind)
	assert.Equal(t, model.CashflowDistribution, rows[1].Kind)
}

func TestSQLite_PendingQueue_EnqueueListResolve(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	// Resolution targets must exist; create the company first.
	_, err := st.ApplyEnvelope(ctx, seedEnvelope("acme", model.SourceCSV, 0.75))
	require.NoError(t, err)

	older := model.PendingEnvelope{
		ID:         "pe-1",
		Hint:       "Acme Robotics",
		Raw:        []byte(`{"company_hint":"Acme Robotics"}`),
		ReceivedAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	newer := model.PendingEnvelope{
		ID:         "pe-2",
		Hint:       "updates@unknown.example",
		Raw:        []byte(`{"company_hint":"updates@unknown.example"}`),
		ReceivedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.EnqueuePending(ctx, older))
	require.NoError(t, st.EnqueuePending(ctx, newer))

	pending, err := st.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "pe-1", pending[0].ID)
	assert.Equal(t, "pe-2", pending[1].ID)
	assert.Equal(t, older.Raw, pending[0].Raw)

	resolved, err := st.ResolvePending(ctx, "pe-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", resolved.CompanyID)
	assert.False(t, resolved.ResolvedAt.IsZero())
	assert.Equal(t, older.Raw, resolved.Raw)

	pending, err = st.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "pe-2", pending[0].ID)

	_, err = st.ResolvePending(ctx, "pe-1", "acme")
	assert.Error(t, err)
	_, err = st.ResolvePending(ctx, "no-such-id", "acme")
	assert.Error(t, err)
}

func TestSQLite_IngestionLog_AppendAndFilter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	success := model.IngestionLogEntry{
		ID:        "ing-1",
		Source:    model.SourceRef{Type: model.SourceEmail, ID: "msg-001"},
		CompanyID: "acme",
		Counts:    model.RecordCounts{"cashflow": {Created: 1}},
		Confidence: model.ConfidenceSummary{
			Min: 0.8, Avg: 0.85, Max: 0.9,
		},
		Assumptions: []string{"amount parsed from 1.5M"},
		Status:      model.IngestionSuccess,
		DurationMS:  42,
		CreatedAt:   time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	failed := model.IngestionLogEntry{
		ID:     "ing-2",
		Source: model.SourceRef{Type: model.SourceCSV, ID: "wires.csv"},
		Anomalies: []model.Anomaly{{
			Kind:     model.IrreconcilableConflict,
			Severity: model.SeverityBlocking,
			Detail:   "cashflow acme|2031-01-10|50000.00|W-123: incoming vs stored",
		}},
		Status:    model.IngestionFailed,
		Error:     "irreconcilable conflict",
		CreatedAt: time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.AppendIngestion(ctx, success))
	require.NoError(t, st.AppendIngestion(ctx, failed))

	all, err := st.ListIngestions(ctx, IngestionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Newest first.
	assert.Equal(t, "ing-2", all[0].ID)
	assert.Equal(t, "ing-1", all[1].ID)

	byCompany, err := st.ListIngestions(ctx, IngestionFilter{CompanyID: "acme"})
	require.NoError(t, err)
	require.Len(t, byCompany, 1)
	assert.Equal(t, "ing-1", byCompany[0].ID)
	assert.Equal(t, 1, byCompany[0].Counts["cashflow"].Created)
	assert.InDelta(t, 0.85, byCompany[0].Confidence.Avg, 0.0001)
	assert.Equal(t, []string{"amount parsed from 1.5M"}, byCompany[0].Assumptions)

	byStatus, err := st.ListIngestions(ctx, IngestionFilter{Status: model.IngestionFailed})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "ing-2", byStatus[0].ID)
	require.Len(t, byStatus[0].Anomalies, 1)
	assert.Equal(t, model.IrreconcilableConflict, byStatus[0].Anomalies[0].Kind)

	limited, err := st.ListIngestions(ctx, IngestionFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "ing-2", limited[0].ID)
}

func TestSQLite_LatestOwnershipTotals(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	env := seedEnvelope("acme", model.SourceForm, 0.92)
	env.Facts.Ownerships = []model.Ownership{
		{
			AsOfDate:        model.NewDate(2024, time.December, 31),
			FullyDilutedPct: decimal.RequireFromString("60"),
		},
		{
			AsOfDate:        model.NewDate(2025, time.March, 31),
			FullyDilutedPct: decimal.RequireFromString("10"),
		},
		{
			AsOfDate:        model.NewDate(2025, time.March, 31),
			SecurityClass:   "Series A",
			FullyDilutedPct: decimal.RequireFromString("5.5"),
		},
	}
	_, err := st.ApplyEnvelope(ctx, env)
	require.NoError(t, err)

	totals, err := st.LatestOwnershipTotals(ctx, "")
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, "acme", totals[0].CompanyID)
	assert.Equal(t, "2025-03-31", totals[0].AsOfDate.String())
	assert.InDelta(t, 15.5, totals[0].TotalPct.InexactFloat64(), 0.0001)
}

func TestSQLite_NearDuplicateCashflows(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	env := seedEnvelope("acme", model.SourceCSV, 0.75)
	dup := seedCashflow(model.CashflowInvestment)
	dup.WireRef = "W-124"
	lone := seedCashflow(model.CashflowInvestment)
	lone.Date = model.NewDate(2031, time.April, 1)
	lone.WireRef = "W-200"
	env.Facts.Cashflows = []model.Cashflow{
		seedCashflow(model.CashflowInvestment),
		dup,
		lone,
	}
	_, err := st.ApplyEnvelope(ctx, env)
	require.NoError(t, err)

	rows, err := st.NearDuplicateCashflows(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "W-123", rows[0].WireRef)
	assert.Equal(t, "W-124", rows[1].WireRef)
}

func TestSQLite_MisorderedUpdates(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	env := seedEnvelope("acme", model.SourceEmail, 0.8)
	env.Facts.Updates = []model.Update{
		{
			PeriodStart: model.NewDate(2025, time.April, 1),
			PeriodEnd:   model.NewDate(2025, time.January, 31),
			Period:      "2025-Q1",
		},
		{
			PeriodStart: model.NewDate(2025, time.April, 1),
			PeriodEnd:   model.NewDate(2025, time.June, 30),
			Period:      "2025-Q2",
		},
	}
	_, err := st.ApplyEnvelope(ctx, env)
	require.NoError(t, err)

	rows, err := st.MisorderedUpdates(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2025-01-31", rows[0].PeriodEnd.String())
	assert.Equal(t, "2025-04-01", rows[0].PeriodStart.String())
}

func TestSQLite_CompanySummaries(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	env := seedEnvelope("summit", model.SourceCSV, 0.75)
	env.Facts.Company = &model.CompanyFacts{LegalName: "Summit Analytics LLC"}
	env.Facts.Cashflows = []model.Cashflow{
		{
			Date:   model.NewDate(2024, time.January, 15),
			Kind:   model.CashflowInvestment,
			Amount: decimal.RequireFromString("100000"),
		},
		{
			Date:   model.NewDate(2024, time.June, 1),
			Kind:   model.CashflowInvestment,
			Amount: decimal.RequireFromString("50000"),
		},
		{
			Date:   model.NewDate(2025, time.January, 10),
			Kind:   model.CashflowDistribution,
			Amount: decimal.RequireFromString("25000"),
		},
	}
	env.Facts.Ownerships = []model.Ownership{{
		AsOfDate:        model.NewDate(2025, time.March, 31),
		FullyDilutedPct: decimal.RequireFromString("12.5"),
	}}
	env.Facts.Updates = []model.Update{{
		PeriodStart: model.Today().AddDays(-100),
		PeriodEnd:   model.Today().AddDays(-10),
		Period:      "latest",
	}}
	_, err := st.ApplyEnvelope(ctx, env)
	require.NoError(t, err)

	// A company with no reported facts at all.
	_, err = st.ApplyEnvelope(ctx, seedEnvelope("quiet-co", model.SourceCSV, 0.75))
	require.NoError(t, err)

	summaries, err := st.CompanySummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	quiet, summit := summaries[0], summaries[1]
	assert.Equal(t, "quiet-co", quiet.CompanyID)
	assert.Nil(t, quiet.LatestOwnership)
	assert.Nil(t, quiet.DaysSinceUpdate)
	assert.Equal(t, "0.00", quiet.TotalInvested)

	assert.Equal(t, "summit", summit.CompanyID)
	assert.Equal(t, "Summit Analytics LLC", summit.LegalName)
	require.NotNil(t, summit.LatestOwnership)
	assert.Equal(t, "12.50", *summit.LatestOwnership)
	assert.Equal(t, "150000.00", summit.TotalInvested)
	assert.Equal(t, "25000.00", summit.TotalDistributed)
	require.NotNil(t, summit.DaysSinceUpdate)
	assert.Equal(t, 10, *summit.DaysSinceUpdate)
}

func TestSQLite_UpdateCompanyStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.ApplyEnvelope(ctx, seedEnvelope("acme", model.SourceCSV, 0.75))
	require.NoError(t, err)

	require.NoError(t, st.UpdateCompanyStatus(ctx, "acme", model.CompanyExited))
	c, err := st.GetCompany(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, model.CompanyExited, c.Status)

	err = st.UpdateCompanyStatus(ctx, "acme", model.CompanyStatus("liquidated"))
	assert.ErrorContains(t, err, "invalid company status")

	err = st.UpdateCompanyStatus(ctx, "ghost", model.CompanyActive)
	assert.ErrorContains(t, err, "company not found")
}
