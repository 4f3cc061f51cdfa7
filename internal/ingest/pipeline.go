package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crestview-partners/portfolio-cli/internal/model"
	"github.com/crestview-partners/portfolio-cli/internal/reconcile"
	"github.com/crestview-partners/portfolio-cli/internal/resilience"
	"github.com/crestview-partners/portfolio-cli/internal/scorer"
	"github.com/crestview-partners/portfolio-cli/internal/store"
)

// Options configures a Pipeline.
type Options struct {
	// AllowCreate lets unresolved envelopes mint a new company from
	// their hint instead of parking in the pending queue. Batch imports
	// enable it; webhook channels do not.
	AllowCreate bool

	// Retry governs the lookups that run before any transaction opens.
	Retry resilience.Policy
}

// Pipeline runs envelopes through resolution, scoring, pre-write
// checks, the transactional apply, and the ingestion log.
type Pipeline struct {
	store store.Store
	opts  Options
}

// New builds a Pipeline over a store.
func New(st store.Store, opts Options) *Pipeline {
	if opts.Retry.Attempts == 0 {
		opts.Retry = resilience.DefaultPolicy()
	}
	return &Pipeline{store: st, opts: opts}
}

// Ingest processes one envelope end to end and returns the log entry
// that was appended. The error mirrors the entry's failure, so callers
// can branch on it without re-reading the entry; an unresolved company
// is not an error.
func (p *Pipeline) Ingest(ctx context.Context, env *model.Envelope) (*model.IngestionLogEntry, error) {
	resolver, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return p.ingest(ctx, resolver, env)
}

// snapshot loads the company index, retrying transient failures before
// any transaction opens.
func (p *Pipeline) snapshot(ctx context.Context) (*Resolver, error) {
	companies, err := resilience.DoVal(ctx, p.opts.Retry, "list companies",
		func(ctx context.Context) ([]model.Company, error) {
			return p.store.ListCompanies(ctx)
		})
	if err != nil {
		return nil, eris.Wrap(err, "ingest: load company snapshot")
	}
	return NewResolver(companies), nil
}

func (p *Pipeline) ingest(ctx context.Context, resolver *Resolver, env *model.Envelope) (*model.IngestionLogEntry, error) {
	start := time.Now()
	entry := &model.IngestionLogEntry{
		ID:     uuid.NewString(),
		Source: env.Source,
	}

	scorer.Score(env)

	resolved := resolver.Resolve(env)
	if !resolved && p.opts.AllowCreate {
		_, resolved = resolver.Create(env)
	}

	anomalies := reconcile.CheckEnvelope(env, model.Today())
	if scorer.LowConfidence(env) {
		anomalies = append(anomalies, model.Anomaly{
			Kind:      model.LowConfidence,
			Severity:  model.SeverityAdvisory,
			CompanyID: env.CompanyID,
			Detail:    fmt.Sprintf("confidence %.2f below review threshold %.2f", env.OverallConfidence, scorer.ReviewThreshold),
			Source:    env.Source,
		})
	}

	var applyErr error
	if !resolved {
		applyErr = p.park(ctx, env, entry, anomalies)
	} else {
		applyErr = p.apply(ctx, env, entry, anomalies)
	}

	entry.Confidence = model.SummarizeConfidence(scorer.FactConfidences(env))
	entry.Assumptions = env.Assumptions
	entry.DurationMS = time.Since(start).Milliseconds()
	entry.CreatedAt = time.Now().UTC()

	if err := p.appendLog(ctx, *entry); err != nil {
		return entry, err
	}
	return entry, applyErr
}

// park queues an unresolved envelope for operator triage. Parking is a
// partial outcome, not a failure: nothing was lost, nothing committed.
func (p *Pipeline) park(ctx context.Context, env *model.Envelope, entry *model.IngestionLogEntry, anomalies []model.Anomaly) error {
	raw, err := json.Marshal(env)
	if err != nil {
		entry.Status = model.IngestionFailed
		entry.Error = err.Error()
		return eris.Wrap(err, "ingest: encode pending envelope")
	}

	pe := model.PendingEnvelope{
		ID:         uuid.NewString(),
		Hint:       env.CompanyHint,
		Raw:        raw,
		ReceivedAt: time.Now().UTC(),
	}
	if err := p.store.EnqueuePending(ctx, pe); err != nil {
		entry.Status = model.IngestionFailed
		entry.Error = err.Error()
		return err
	}

	entry.Status = model.IngestionPartial
	entry.Anomalies = append(anomalies, model.Anomaly{
		Kind:     model.UnresolvedCompany,
		Severity: model.SeverityAdvisory,
		Detail:   fmt.Sprintf("no company matched hint %q; queued as %s", env.CompanyHint, pe.ID),
		Source:   env.Source,
	})
	zap.L().Info("envelope parked pending company resolution",
		zap.String("pending_id", pe.ID),
		zap.String("hint", env.CompanyHint))
	return nil
}

func (p *Pipeline) apply(ctx context.Context, env *model.Envelope, entry *model.IngestionLogEntry, anomalies []model.Anomaly) error {
	entry.CompanyID = env.CompanyID

	res, err := p.store.ApplyEnvelope(ctx, env)
	if err != nil {
		entry.Status = model.IngestionFailed
		entry.Error = err.Error()
		if errors.Is(err, store.ErrBlockingConflict) {
			entry.Anomalies = append(anomalies, model.Anomaly{
				Kind:      model.IrreconcilableConflict,
				Severity:  model.SeverityBlocking,
				CompanyID: env.CompanyID,
				Detail:    err.Error(),
				Source:    env.Source,
			})
		} else {
			entry.Anomalies = anomalies
		}
		return err
	}

	entry.Counts = res.Counts
	entry.Anomalies = append(anomalies, res.Anomalies...)

	// Post-commit validation, scoped to the company the envelope
	// touched: the run that introduced an inconsistency is the run
	// whose log entry carries the finding.
	report, err := reconcile.New(p.store).Run(ctx, env.CompanyID)
	if err != nil {
		zap.L().Warn("post-commit validation failed",
			zap.String("company_id", env.CompanyID), zap.Error(err))
	} else {
		entry.Anomalies = mergeAnomalies(entry.Anomalies, report.Anomalies)
	}

	if len(entry.Anomalies) > 0 {
		entry.Status = model.IngestionPartial
	} else {
		entry.Status = model.IngestionSuccess
	}
	return nil
}

// mergeAnomalies appends findings not already recorded. The pre-write
// envelope checks and the post-commit scan overlap on future dates and
// period ordering; the entry carries each finding once.
func mergeAnomalies(have, found []model.Anomaly) []model.Anomaly {
	seen := make(map[string]struct{}, len(have))
	key := func(a model.Anomaly) string {
		return string(a.Kind) + "|" + a.CompanyID + "|" + a.Detail
	}
	for _, a := range have {
		seen[key(a)] = struct{}{}
	}
	for _, a := range found {
		if _, dup := seen[key(a)]; dup {
			continue
		}
		seen[key(a)] = struct{}{}
		have = append(have, a)
	}
	return have
}

// appendLog writes the audit record. A failure here is surfaced to the
// caller: an unlogged ingestion is worse than a retried one, since the
// apply itself is idempotent.
func (p *Pipeline) appendLog(ctx context.Context, entry model.IngestionLogEntry) error {
	err := resilience.Do(ctx, p.opts.Retry, "append ingestion log",
		func(ctx context.Context) error {
			return p.store.AppendIngestion(ctx, entry)
		})
	return eris.Wrap(err, "ingest: append ingestion log")
}

// Replay binds a queued envelope to a company and runs it through the
// normal ingestion path.
func (p *Pipeline) Replay(ctx context.Context, pendingID, companyID string) (*model.IngestionLogEntry, error) {
	pe, err := p.store.ResolvePending(ctx, pendingID, companyID)
	if err != nil {
		return nil, err
	}

	var env model.Envelope
	if err := json.Unmarshal(pe.Raw, &env); err != nil {
		return nil, eris.Wrapf(err, "ingest: decode pending envelope %s", pendingID)
	}
	env.CompanyID = companyID

	resolver, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	// The operator's binding is authoritative even for a brand-new id.
	resolver.index(model.Company{ID: companyID})

	zap.L().Info("replaying pending envelope",
		zap.String("pending_id", pendingID),
		zap.String("company_id", companyID))
	return p.ingest(ctx, resolver, &env)
}
