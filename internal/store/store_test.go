package store

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/crestview-partners/portfolio-cli/internal/model"
)

func TestCompanyFromEnvelope_FallsBackToHint(t *testing.T) {
	env := &model.Envelope{CompanyID: "acme", CompanyHint: "Acme Robotics"}
	c := companyFromEnvelope(env)
	assert.Equal(t, "acme", c.ID)
	assert.Equal(t, "Acme Robotics", c.LegalName)
	assert.Equal(t, model.CompanyActive, c.Status)
}

func TestCompanyFromEnvelope_UsesAssertedFacts(t *testing.T) {
	env := &model.Envelope{
		CompanyID: "acme",
		Facts: model.Facts{Company: &model.CompanyFacts{
			LegalName: "Acme Robotics, Inc.",
			Website:   "https://acme.example",
			Status:    model.CompanyExited,
		}},
	}
	c := companyFromEnvelope(env)
	assert.Equal(t, "Acme Robotics, Inc.", c.LegalName)
	assert.Equal(t, model.CompanyExited, c.Status)
}

func TestOwnershipValue_NormalizesPrecision(t *testing.T) {
	a := &model.Ownership{FullyDilutedPct: decimal.RequireFromString("12.5")}
	b := &model.Ownership{FullyDilutedPct: decimal.RequireFromString("12.5000")}
	assert.Equal(t, ownershipValue(a), ownershipValue(b))

	shares := decimal.RequireFromString("1000")
	c := &model.Ownership{FullyDilutedPct: decimal.RequireFromString("12.5"), Shares: &shares}
	assert.NotEqual(t, ownershipValue(a), ownershipValue(c))
}

func TestUpdateValue_MetricOrderIsStable(t *testing.T) {
	u1 := &model.Update{
		PeriodEnd: model.NewDate(2025, 3, 31),
		Metrics:   map[string]string{"arr": "1200000", "burn_rate": "90000", "headcount": "24"},
	}
	u2 := &model.Update{
		PeriodEnd: model.NewDate(2025, 3, 31),
		Metrics:   map[string]string{"headcount": "24", "burn_rate": "90000", "arr": "1200000"},
	}
	assert.Equal(t, updateValue(u1), updateValue(u2))
}

func TestBulkGuard_ManualStaysSticky(t *testing.T) {
	g := bulkGuard("ownership")
	assert.Contains(t, g, "EXCLUDED.source_type = 'manual'")
	assert.Contains(t, g, "ownership.source_type <> 'manual'")
	assert.Contains(t, g, "ownership.extraction_confidence < EXCLUDED.extraction_confidence")
}
