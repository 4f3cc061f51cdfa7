package reconcile

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestview-partners/portfolio-cli/internal/model"
	"github.com/crestview-partners/portfolio-cli/internal/store"
)

type fakeReader struct {
	totals    []store.OwnershipTotal
	rounds    []model.Round
	future    []model.Cashflow
	updates   []model.Update
	dupes     []model.Cashflow
	summaries []model.CompanySummary
	pending   []model.PendingEnvelope
}

func (f *fakeReader) LatestOwnershipTotals(context.Context, string) ([]store.OwnershipTotal, error) {
	return f.totals, nil
}
func (f *fakeReader) RoundsWithAllMoney(context.Context, string) ([]model.Round, error) {
	return f.rounds, nil
}
func (f *fakeReader) FutureCashflows(context.Context, model.Date, string) ([]model.Cashflow, error) {
	return f.future, nil
}
func (f *fakeReader) MisorderedUpdates(context.Context, string) ([]model.Update, error) {
	return f.updates, nil
}
func (f *fakeReader) NearDuplicateCashflows(context.Context, string) ([]model.Cashflow, error) {
	return f.dupes, nil
}
func (f *fakeReader) CompanySummaries(context.Context) ([]model.CompanySummary, error) {
	return f.summaries, nil
}
func (f *fakeReader) ListPending(context.Context, int) ([]model.PendingEnvelope, error) {
	return f.pending, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestRun_OwnershipOverflow(t *testing.T) {
	reader := &fakeReader{
		totals: []store.OwnershipTotal{
			{CompanyID: "acme", AsOfDate: model.NewDate(2025, time.January, 31), TotalPct: dec("104.50")},
			{CompanyID: "globex", AsOfDate: model.NewDate(2025, time.January, 31), TotalPct: dec("100.00")},
		},
	}
	report, err := New(reader).Run(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, model.OwnershipOverflow, report.Anomalies[0].Kind)
	assert.Equal(t, "acme", report.Anomalies[0].CompanyID)
	assert.Contains(t, report.Anomalies[0].Detail, "104.50%")
}

func TestRun_ToleranceAbsorbsRoundingDrift(t *testing.T) {
	reader := &fakeReader{
		totals: []store.OwnershipTotal{
			{CompanyID: "acme", TotalPct: dec("100.01")},
		},
		rounds: []model.Round{{
			CompanyID:      "acme",
			CloseDate:      model.NewDate(2024, time.June, 1),
			PreMoney:       decPtr("8000000.00"),
			PostMoney:      decPtr("10000000.50"),
			AmountInvested: decPtr("2000000.00"),
		}},
	}
	report, err := New(reader).Run(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, report.Anomalies)
}

func TestRun_RoundMoneyMismatch(t *testing.T) {
	reader := &fakeReader{
		rounds: []model.Round{{
			CompanyID:      "acme",
			CloseDate:      model.NewDate(2024, time.June, 1),
			PreMoney:       decPtr("8000000.00"),
			PostMoney:      decPtr("9500000.00"),
			AmountInvested: decPtr("2000000.00"),
		}},
	}
	report, err := New(reader).Run(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, model.RoundMoneyMismatch, report.Anomalies[0].Kind)
	assert.Contains(t, report.Anomalies[0].Detail, "short by $500,000.00")
}

func TestRun_RoundMoneyOverfundedIsConsistent(t *testing.T) {
	// The fund's check is a fraction of the round; post-money well above
	// pre-money plus our invested amount is the normal case.
	reader := &fakeReader{
		rounds: []model.Round{{
			CompanyID:      "acme",
			CloseDate:      model.NewDate(2024, time.June, 1),
			PreMoney:       decPtr("1000000.00"),
			PostMoney:      decPtr("2000000.00"),
			AmountInvested: decPtr("500000.00"),
		}},
	}
	report, err := New(reader).Run(context.Background(), "acme")
	require.NoError(t, err)
	assert.Empty(t, report.Anomalies)
}

func TestRun_NearDuplicatesGrouped(t *testing.T) {
	date := model.NewDate(2025, time.January, 10)
	reader := &fakeReader{
		dupes: []model.Cashflow{
			{CompanyID: "acme", Date: date, Amount: dec("50000.00"), WireRef: "W-1"},
			{CompanyID: "acme", Date: date, Amount: dec("50000.00"), WireRef: "W-2"},
			{CompanyID: "acme", Date: date, Amount: dec("50000.00"), WireRef: "W-3"},
		},
	}
	report, err := New(reader).Run(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, model.PossibleDuplicate, report.Anomalies[0].Kind)
	assert.Contains(t, report.Anomalies[0].Detail, "3 cashflows")
}

func TestRun_PortfolioChecksSkippedForSingleCompany(t *testing.T) {
	reader := &fakeReader{
		summaries: []model.CompanySummary{{
			CompanyID:        "acme",
			TotalInvested:    "100000.00",
			TotalDistributed: "5000000.00",
		}},
		pending: []model.PendingEnvelope{{ID: "pe-1", Hint: "unknown sender"}},
	}

	report, err := New(reader).Run(context.Background(), "acme")
	require.NoError(t, err)
	assert.Empty(t, report.Anomalies)

	report, err = New(reader).Run(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, report.Anomalies, 2)
	kinds := report.CountsByKind()
	assert.Equal(t, 1, kinds[model.DistributionOutlier])
	assert.Equal(t, 1, kinds[model.UnresolvedCompany])
}

func TestCheckEnvelope_FutureDateWithOverride(t *testing.T) {
	today := model.NewDate(2025, time.March, 1)
	env := &model.Envelope{
		CompanyID: "acme",
		Source:    model.SourceRef{Type: model.SourceEmail, ID: "msg-1"},
		Facts: model.Facts{Cashflows: []model.Cashflow{
			{Date: model.NewDate(2025, time.June, 1), Kind: model.CashflowInvestment, Amount: dec("1000.00")},
			{Date: model.NewDate(2025, time.June, 1), Kind: model.CashflowOther, Amount: dec("2000.00"), FutureOverride: true},
		}},
	}
	anomalies := CheckEnvelope(env, today)
	require.Len(t, anomalies, 1)
	assert.Equal(t, model.FutureDateAnomaly, anomalies[0].Kind)
	assert.Contains(t, anomalies[0].Detail, "$1,000.00")
}

func TestCheckEnvelope_PeriodOrder(t *testing.T) {
	env := &model.Envelope{
		CompanyID: "acme",
		Facts: model.Facts{Updates: []model.Update{{
			PeriodStart: model.NewDate(2025, time.March, 31),
			PeriodEnd:   model.NewDate(2025, time.January, 1),
		}}},
	}
	anomalies := CheckEnvelope(env, model.Today())
	require.Len(t, anomalies, 1)
	assert.Equal(t, model.PeriodOrderAnomaly, anomalies[0].Kind)
}

func TestReport_Output(t *testing.T) {
	r := &Report{
		GeneratedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Anomalies: []model.Anomaly{
			{Kind: model.OwnershipOverflow, Severity: model.SeverityAdvisory, CompanyID: "acme", Detail: "sums to 104.50%"},
			{Kind: model.IrreconcilableConflict, Severity: model.SeverityBlocking, CompanyID: "globex", Detail: "conflicting ownership"},
		},
	}
	r.Sort()
	assert.Equal(t, model.IrreconcilableConflict, r.Anomalies[0].Kind)
	assert.True(t, r.HasBlocking())

	var text bytes.Buffer
	require.NoError(t, r.WriteText(&text))
	assert.Contains(t, text.String(), "2 anomalies")
	assert.Contains(t, text.String(), "[blocking] IrreconcilableConflict globex")

	var csvOut bytes.Buffer
	require.NoError(t, r.WriteCSV(&csvOut))
	assert.Contains(t, csvOut.String(), "kind,severity,company_id")
	assert.Contains(t, csvOut.String(), "OwnershipOverflow,advisory,acme")

	var jsonOut bytes.Buffer
	require.NoError(t, r.WriteJSON(&jsonOut))
	assert.Contains(t, jsonOut.String(), `"anomalies"`)
}
