package model

import (
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestAnomaly_StableOrdering(t *testing.T) {
	anomalies := []Anomaly{
		{Kind: PossibleDuplicate, Severity: SeverityAdvisory, CompanyID: "zeta"},
		{Kind: IrreconcilableConflict, Severity: SeverityBlocking, CompanyID: "acme"},
		{Kind: OwnershipOverflow, Severity: SeverityAdvisory, CompanyID: "acme"},
		{Kind: OwnershipOverflow, Severity: SeverityAdvisory, CompanyID: "beta"},
	}

	sort.Slice(anomalies, func(i, j int) bool { return anomalies[i].Less(anomalies[j]) })

	assert.Equal(t, IrreconcilableConflict, anomalies[0].Kind)
	assert.Equal(t, OwnershipOverflow, anomalies[1].Kind)
	assert.Equal(t, "acme", anomalies[1].CompanyID)
	assert.Equal(t, "beta", anomalies[2].CompanyID)
	assert.Equal(t, PossibleDuplicate, anomalies[3].Kind)
}

func TestHasBlocking(t *testing.T) {
	assert.False(t, HasBlocking(nil))
	assert.False(t, HasBlocking([]Anomaly{{Severity: SeverityAdvisory}}))
	assert.True(t, HasBlocking([]Anomaly{
		{Severity: SeverityAdvisory},
		{Severity: SeverityBlocking},
	}))
}

func TestSummarizeConfidence(t *testing.T) {
	s := SummarizeConfidence([]float64{0.9, 0.5, 0.7})
	assert.InDelta(t, 0.5, s.Min, 1e-9)
	assert.InDelta(t, 0.7, s.Avg, 1e-9)
	assert.InDelta(t, 0.9, s.Max, 1e-9)

	assert.Equal(t, ConfidenceSummary{}, SummarizeConfidence(nil))
}

func TestRecordCounts_Total(t *testing.T) {
	rc := RecordCounts{
		"cashflow":  {Created: 2, Updated: 1},
		"ownership": {Created: 1},
	}
	created, updated := rc.Total()
	assert.Equal(t, 3, created)
	assert.Equal(t, 1, updated)
}

func TestCashflow_NaturalKey(t *testing.T) {
	cf := Cashflow{
		CompanyID: "acme",
		Date:      NewDate(2025, 1, 10),
		Amount:    decimal.RequireFromString("50000"),
		WireRef:   "W-123",
	}
	assert.Equal(t, "acme|2025-01-10|50000.00|W-123", cf.NaturalKey())
}

func TestMoneyString(t *testing.T) {
	assert.Equal(t, "$1,200,000.00", MoneyString(decimal.RequireFromString("1200000")))
}
