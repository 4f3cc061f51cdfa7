// Package reconcile runs invariant checks over the canonical ledger and
// produces typed anomaly reports. Checks never mutate data; every
// finding carries enough detail for an operator to act on directly.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/crestview-partners/portfolio-cli/internal/model"
	"github.com/crestview-partners/portfolio-cli/internal/store"
)

// ownershipTolerance absorbs rounding drift in percentage sums before
// an overflow is flagged.
var ownershipTolerance = decimal.RequireFromString("0.01")

// roundMoneyTolerance is the largest pre/post/invested discrepancy that
// still counts as rounding rather than a mismatch.
var roundMoneyTolerance = decimal.RequireFromString("1.00")

// distributionMultiple is the return multiple above which a company's
// distributions are flagged for review.
var distributionMultiple = decimal.NewFromInt(10)

// Reader is the slice of the store the engine needs. companyID narrows
// a check to one company; empty means the whole portfolio.
type Reader interface {
	LatestOwnershipTotals(ctx context.Context, companyID string) ([]store.OwnershipTotal, error)
	RoundsWithAllMoney(ctx context.Context, companyID string) ([]model.Round, error)
	FutureCashflows(ctx context.Context, today model.Date, companyID string) ([]model.Cashflow, error)
	MisorderedUpdates(ctx context.Context, companyID string) ([]model.Update, error)
	NearDuplicateCashflows(ctx context.Context, companyID string) ([]model.Cashflow, error)
	CompanySummaries(ctx context.Context) ([]model.CompanySummary, error)
	ListPending(ctx context.Context, limit int) ([]model.PendingEnvelope, error)
}

// Engine runs the full battery of portfolio checks.
type Engine struct {
	reader Reader
	today  model.Date
}

// New builds an engine pinned to today's date.
func New(reader Reader) *Engine {
	return &Engine{reader: reader, today: model.Today()}
}

// NewAt builds an engine with a fixed reference date, used by tests.
func NewAt(reader Reader, today model.Date) *Engine {
	return &Engine{reader: reader, today: today}
}

// Run executes every check. companyID narrows the scope to one company;
// portfolio-wide checks (distribution outliers, unresolved envelopes)
// only run on full-portfolio scans.
func (e *Engine) Run(ctx context.Context, companyID string) (*Report, error) {
	r := &Report{GeneratedAt: time.Now().UTC(), Scope: companyID}

	if err := e.checkOwnershipTotals(ctx, companyID, r); err != nil {
		return nil, err
	}
	if err := e.checkRoundMoney(ctx, companyID, r); err != nil {
		return nil, err
	}
	if err := e.checkFutureCashflows(ctx, companyID, r); err != nil {
		return nil, err
	}
	if err := e.checkPeriodOrder(ctx, companyID, r); err != nil {
		return nil, err
	}
	if err := e.checkNearDuplicates(ctx, companyID, r); err != nil {
		return nil, err
	}
	if companyID == "" {
		if err := e.checkDistributionOutliers(ctx, r); err != nil {
			return nil, err
		}
		if err := e.checkUnresolved(ctx, r); err != nil {
			return nil, err
		}
	}

	r.Sort()
	zap.L().Info("reconcile run complete",
		zap.String("scope", scopeLabel(companyID)),
		zap.Int("anomalies", len(r.Anomalies)))
	return r, nil
}

func (e *Engine) checkOwnershipTotals(ctx context.Context, companyID string, r *Report) error {
	totals, err := e.reader.LatestOwnershipTotals(ctx, companyID)
	if err != nil {
		return eris.Wrap(err, "reconcile: ownership totals")
	}
	limit := decimal.NewFromInt(100).Add(ownershipTolerance)
	for _, t := range totals {
		if t.TotalPct.GreaterThan(limit) {
			r.add(model.Anomaly{
				Kind:      model.OwnershipOverflow,
				Severity:  model.SeverityAdvisory,
				CompanyID: t.CompanyID,
				Detail: fmt.Sprintf("fully-diluted ownership sums to %s%% at %s",
					t.TotalPct.StringFixed(2), t.AsOfDate),
			})
		}
	}
	return nil
}

func (e *Engine) checkRoundMoney(ctx context.Context, companyID string, r *Report) error {
	rounds, err := e.reader.RoundsWithAllMoney(ctx, companyID)
	if err != nil {
		return eris.Wrap(err, "reconcile: rounds")
	}
	for _, rd := range rounds {
		for _, a := range CheckRoundMoney(&rd) {
			r.add(a)
		}
	}
	return nil
}

func (e *Engine) checkFutureCashflows(ctx context.Context, companyID string, r *Report) error {
	flows, err := e.reader.FutureCashflows(ctx, e.today, companyID)
	if err != nil {
		return eris.Wrap(err, "reconcile: future cashflows")
	}
	for _, cf := range flows {
		r.add(model.Anomaly{
			Kind:      model.FutureDateAnomaly,
			Severity:  model.SeverityAdvisory,
			CompanyID: cf.CompanyID,
			Detail: fmt.Sprintf("%s of %s dated %s is in the future",
				cf.Kind, model.MoneyString(cf.Amount), cf.Date),
		})
	}
	return nil
}

func (e *Engine) checkPeriodOrder(ctx context.Context, companyID string, r *Report) error {
	updates, err := e.reader.MisorderedUpdates(ctx, companyID)
	if err != nil {
		return eris.Wrap(err, "reconcile: misordered updates")
	}
	for _, u := range updates {
		r.add(model.Anomaly{
			Kind:      model.PeriodOrderAnomaly,
			Severity:  model.SeverityAdvisory,
			CompanyID: u.CompanyID,
			Detail: fmt.Sprintf("update period ends %s before it starts %s",
				u.PeriodEnd, u.PeriodStart),
		})
	}
	return nil
}

func (e *Engine) checkNearDuplicates(ctx context.Context, companyID string, r *Report) error {
	flows, err := e.reader.NearDuplicateCashflows(ctx, companyID)
	if err != nil {
		return eris.Wrap(err, "reconcile: near duplicates")
	}
	// Rows arrive ordered by (company, date, amount); one anomaly per group.
	type groupKey struct {
		company, date, amount string
	}
	groups := map[groupKey][]model.Cashflow{}
	var order []groupKey
	for _, cf := range flows {
		k := groupKey{cf.CompanyID, cf.Date.String(), cf.Amount.StringFixed(2)}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], cf)
	}
	for _, k := range order {
		g := groups[k]
		refs := make([]string, len(g))
		for i, cf := range g {
			refs[i] = cf.WireRef
		}
		r.add(model.Anomaly{
			Kind:      model.PossibleDuplicate,
			Severity:  model.SeverityAdvisory,
			CompanyID: k.company,
			Detail: fmt.Sprintf("%d cashflows of %s on %s with wire refs %v",
				len(g), model.MoneyString(g[0].Amount), k.date, refs),
		})
	}
	return nil
}

func (e *Engine) checkDistributionOutliers(ctx context.Context, r *Report) error {
	summaries, err := e.reader.CompanySummaries(ctx)
	if err != nil {
		return eris.Wrap(err, "reconcile: company summaries")
	}
	for _, cs := range summaries {
		invested, err := decimal.NewFromString(cs.TotalInvested)
		if err != nil {
			return eris.Wrapf(err, "reconcile: parse invested for %s", cs.CompanyID)
		}
		distributed, err := decimal.NewFromString(cs.TotalDistributed)
		if err != nil {
			return eris.Wrapf(err, "reconcile: parse distributed for %s", cs.CompanyID)
		}
		if invested.IsPositive() && distributed.GreaterThan(invested.Mul(distributionMultiple)) {
			r.add(model.Anomaly{
				Kind:      model.DistributionOutlier,
				Severity:  model.SeverityAdvisory,
				CompanyID: cs.CompanyID,
				Detail: fmt.Sprintf("distributions %s exceed %sx of invested %s",
					model.MoneyString(distributed), distributionMultiple, model.MoneyString(invested)),
			})
		}
	}
	return nil
}

func (e *Engine) checkUnresolved(ctx context.Context, r *Report) error {
	pending, err := e.reader.ListPending(ctx, 0)
	if err != nil {
		return eris.Wrap(err, "reconcile: list pending")
	}
	for _, pe := range pending {
		r.add(model.Anomaly{
			Kind:     model.UnresolvedCompany,
			Severity: model.SeverityAdvisory,
			Detail:   fmt.Sprintf("envelope %s awaiting company resolution (hint: %q)", pe.ID, pe.Hint),
		})
	}
	return nil
}

// CheckEnvelope validates an envelope's facts before they land. These
// are the checks that need no database state; they run on the ingest
// path so anomalies reach the log entry of the run that introduced them.
func CheckEnvelope(env *model.Envelope, today model.Date) []model.Anomaly {
	var out []model.Anomaly
	for i := range env.Facts.Rounds {
		for _, a := range CheckRoundMoney(&env.Facts.Rounds[i]) {
			a.CompanyID = env.CompanyID
			a.Source = env.Source
			out = append(out, a)
		}
	}
	for _, cf := range env.Facts.Cashflows {
		if cf.Date.After(today) && !(cf.Kind == model.CashflowOther && cf.FutureOverride) {
			out = append(out, model.Anomaly{
				Kind:      model.FutureDateAnomaly,
				Severity:  model.SeverityAdvisory,
				CompanyID: env.CompanyID,
				Detail: fmt.Sprintf("%s of %s dated %s is in the future",
					cf.Kind, model.MoneyString(cf.Amount), cf.Date),
				Source: env.Source,
			})
		}
	}
	for _, u := range env.Facts.Updates {
		if !u.PeriodStart.IsZero() && u.PeriodEnd.Before(u.PeriodStart) {
			out = append(out, model.Anomaly{
				Kind:      model.PeriodOrderAnomaly,
				Severity:  model.SeverityAdvisory,
				CompanyID: env.CompanyID,
				Detail: fmt.Sprintf("update period ends %s before it starts %s",
					u.PeriodEnd, u.PeriodStart),
				Source: env.Source,
			})
		}
	}
	return out
}

// CheckRoundMoney flags a round whose post-money falls short of
// pre-money plus amount invested, beyond rounding tolerance. A higher
// post-money is consistent: amount_invested is this fund's share, not
// the whole round.
func CheckRoundMoney(r *model.Round) []model.Anomaly {
	if r.PreMoney == nil || r.PostMoney == nil || r.AmountInvested == nil {
		return nil
	}
	floor := r.PreMoney.Add(*r.AmountInvested)
	if r.PostMoney.GreaterThanOrEqual(floor.Sub(roundMoneyTolerance)) {
		return nil
	}
	return []model.Anomaly{{
		Kind:      model.RoundMoneyMismatch,
		Severity:  model.SeverityAdvisory,
		CompanyID: r.CompanyID,
		Detail: fmt.Sprintf("round closing %s: post-money %s is below pre-money %s + invested %s (short by %s)",
			r.CloseDate, model.MoneyString(*r.PostMoney), model.MoneyString(*r.PreMoney),
			model.MoneyString(*r.AmountInvested), model.MoneyString(floor.Sub(*r.PostMoney))),
	}}
}

func scopeLabel(companyID string) string {
	if companyID == "" {
		return "all"
	}
	return companyID
}
