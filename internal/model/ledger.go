package model

import (
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// CashflowKind classifies a money movement.
type CashflowKind string

const (
	CashflowInvestment       CashflowKind = "Investment"
	CashflowDistribution     CashflowKind = "Distribution"
	CashflowDividend         CashflowKind = "Dividend"
	CashflowRoyalty          CashflowKind = "Royalty"
	CashflowExpenseReimburse CashflowKind = "Expense_Reimburse"
	CashflowOther            CashflowKind = "Other"
)

// ValidCashflowKind reports whether k is a known kind.
func ValidCashflowKind(k CashflowKind) bool {
	switch k {
	case CashflowInvestment, CashflowDistribution, CashflowDividend,
		CashflowRoyalty, CashflowExpenseReimburse, CashflowOther:
		return true
	}
	return false
}

// Round is a financing event for a company.
type Round struct {
	ID             int64            `json:"id,omitempty"`
	CompanyID      string           `json:"company_id"`
	Type           string           `json:"type"`
	CloseDate      Date             `json:"close_date"`
	PreMoney       *decimal.Decimal `json:"pre_money,omitempty"`
	PostMoney      *decimal.Decimal `json:"post_money,omitempty"`
	AmountInvested *decimal.Decimal `json:"amount_invested,omitempty"`
	Lineage        Lineage          `json:"lineage"`
}

// Ownership is a point-in-time equity position.
// Natural key: (company, as_of_date, security_class).
type Ownership struct {
	ID              int64            `json:"id,omitempty"`
	CompanyID       string           `json:"company_id"`
	AsOfDate        Date             `json:"as_of_date"`
	SecurityClass   string           `json:"security_class"`
	FullyDilutedPct decimal.Decimal  `json:"fully_diluted_pct"`
	Shares          *decimal.Decimal `json:"shares,omitempty"`
	Lineage         Lineage          `json:"lineage"`
}

// NaturalKey returns the dedup key for an ownership position.
func (o Ownership) NaturalKey() string {
	return strings.Join([]string{o.CompanyID, o.AsOfDate.String(), o.SecurityClass}, "|")
}

// Cashflow is a money movement for a company.
// Natural key: (company, date, amount, wire_ref).
type Cashflow struct {
	ID             int64           `json:"id,omitempty"`
	CompanyID      string          `json:"company_id"`
	Date           Date            `json:"date"`
	Kind           CashflowKind    `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	WireRef        string          `json:"wire_ref,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	FutureOverride bool            `json:"future_override,omitempty"`
	Lineage        Lineage         `json:"lineage"`
}

// NaturalKey returns the dedup key for a cashflow.
func (c Cashflow) NaturalKey() string {
	return strings.Join([]string{c.CompanyID, c.Date.String(), c.Amount.StringFixed(2), c.WireRef}, "|")
}

// Well-known update metric keys. The metric map is open; these are the
// keys adapters are expected to normalize toward.
const (
	MetricARR          = "arr"
	MetricRevenue      = "revenue"
	MetricRunwayMonths = "runway_months"
	MetricHeadcount    = "headcount"
	MetricBurnRate     = "burn_rate"
	MetricCashBalance  = "cash"
	MetricChurnPct     = "churn"
)

// Update is a periodic company report with an open KPI map.
// Soft natural key: (company, period_end).
type Update struct {
	ID          int64             `json:"id,omitempty"`
	CompanyID   string            `json:"company_id"`
	PeriodStart Date              `json:"period_start"`
	PeriodEnd   Date              `json:"period_end"`
	Period      string            `json:"report_period,omitempty"` // e.g. "2025-Q1", "2025-03"
	Metrics     map[string]string `json:"metrics,omitempty"`
	Narrative   string            `json:"narrative,omitempty"`
	Confidence  float64           `json:"confidence"`
	Lineage     Lineage           `json:"lineage"`
}

// Contact is a person at a company. Natural key: (company, email).
type Contact struct {
	ID        int64   `json:"id,omitempty"`
	CompanyID string  `json:"company_id"`
	Name      string  `json:"name"`
	Role      string  `json:"role,omitempty"`
	Email     string  `json:"email"`
	Phone     string  `json:"phone,omitempty"`
	IsPrimary bool    `json:"is_primary,omitempty"`
	Lineage   Lineage `json:"lineage"`
}

// Comm is a logged interaction: an email, a call, or a summarized
// conversation. Comms have no dedup key; every one is kept.
type Comm struct {
	ID         int64             `json:"id,omitempty"`
	CompanyID  string            `json:"company_id,omitempty"`
	Channel    SourceType        `json:"channel"`
	OccurredAt time.Time         `json:"occurred_at"`
	Summary    string            `json:"summary,omitempty"`
	Fields     map[string]string `json:"extracted_fields,omitempty"`
	Lineage    Lineage           `json:"lineage"`
}

// DocumentRef points at an externally stored document. Storage and
// permissioning live outside the engine.
type DocumentRef struct {
	ID         int64   `json:"id,omitempty"`
	CompanyID  string  `json:"company_id"`
	Title      string  `json:"title"`
	DocType    string  `json:"doc_type,omitempty"`
	StorageURL string  `json:"storage_url"`
	Lineage    Lineage `json:"lineage"`
}

// MoneyString renders a 2dp decimal as a formatted USD amount for
// report detail text. Amounts are USD throughout; multi-currency is an
// adapter concern.
func MoneyString(d decimal.Decimal) string {
	return money.New(d.Shift(2).IntPart(), money.USD).Display()
}
