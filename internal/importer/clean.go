package importer

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/crestview-partners/portfolio-cli/internal/model"
)

// magnitudeSuffixes handles shorthand like "1.5M" or "250k". Case is
// ignored.
var magnitudeSuffixes = map[string]int64{
	"k": 1_000,
	"m": 1_000_000,
	"b": 1_000_000_000,
}

// CleanCurrency parses the money formats operators type into
// spreadsheets: "$1,250,000.00", "(50000)" for negatives, "1.5M".
// Assumptions record any interpretation beyond a plain number.
func CleanCurrency(raw string) (decimal.Decimal, []string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, nil, eris.New("importer: empty amount")
	}

	var assumptions []string

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
		assumptions = append(assumptions, "parenthesized amount read as negative")
	}

	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")

	multiplier := int64(1)
	if len(s) > 1 {
		suffix := strings.ToLower(s[len(s)-1:])
		if mult, ok := magnitudeSuffixes[suffix]; ok {
			multiplier = mult
			s = s[:len(s)-1]
			assumptions = append(assumptions, "magnitude suffix "+strings.ToUpper(suffix)+" expanded")
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, nil, eris.Errorf("importer: unparseable amount %q", raw)
	}
	if multiplier != 1 {
		d = d.Mul(decimal.NewFromInt(multiplier))
	}
	if negative {
		d = d.Neg()
	}
	return d, assumptions, nil
}

// CleanPercent parses ownership percentages. A bare fraction in (0, 1]
// is promoted to a percentage: "0.125" means 12.5%, because nobody
// holds an eighth of a percent and writes it that way.
func CleanPercent(raw string) (decimal.Decimal, []string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, nil, eris.New("importer: empty percentage")
	}

	hadSign := strings.HasSuffix(s, "%")
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, nil, eris.Errorf("importer: unparseable percentage %q", raw)
	}

	var assumptions []string
	if !hadSign && d.IsPositive() && d.LessThanOrEqual(decimal.NewFromInt(1)) {
		d = d.Mul(decimal.NewFromInt(100))
		assumptions = append(assumptions, "fractional ownership "+raw+" promoted to percent")
	}
	return d, assumptions, nil
}

// CleanShares parses share counts, tolerating commas and decimal
// notation for whole numbers.
func CleanShares(raw string) (decimal.Decimal, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if s == "" {
		return decimal.Zero, eris.New("importer: empty share count")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, eris.Errorf("importer: unparseable share count %q", raw)
	}
	return d, nil
}

// kindAliases maps the transaction-type spellings seen in imports to
// canonical cashflow kinds.
var kindAliases = map[string]model.CashflowKind{
	"investment":            model.CashflowInvestment,
	"invest":                model.CashflowInvestment,
	"capital call":          model.CashflowInvestment,
	"funding":               model.CashflowInvestment,
	"wire out":              model.CashflowInvestment,
	"distribution":          model.CashflowDistribution,
	"dist":                  model.CashflowDistribution,
	"return of capital":     model.CashflowDistribution,
	"dividend":              model.CashflowDividend,
	"div":                   model.CashflowDividend,
	"royalty":               model.CashflowRoyalty,
	"royalties":             model.CashflowRoyalty,
	"expense reimburse":     model.CashflowExpenseReimburse,
	"expense":               model.CashflowExpenseReimburse,
	"reimbursement":         model.CashflowExpenseReimburse,
	"expense reimbursement": model.CashflowExpenseReimburse,
	"other":                 model.CashflowOther,
}

// CleanKind normalizes a transaction-type cell. Missing kinds default
// to Investment; unrecognized text falls back to Other. Either way the
// guess is recorded as an assumption.
func CleanKind(raw string) (model.CashflowKind, []string) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return model.CashflowInvestment, []string{"missing transaction type assumed Investment"}
	}
	if kind, ok := kindAliases[s]; ok {
		return kind, nil
	}
	return model.CashflowOther, []string{"unrecognized transaction type " + raw + " mapped to Other"}
}
