package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crestview-partners/portfolio-cli/internal/model"
	"github.com/crestview-partners/portfolio-cli/internal/reconcile"
	"github.com/crestview-partners/portfolio-cli/internal/scorer"
	"github.com/crestview-partners/portfolio-cli/internal/store"
)

const defaultChunkSize = 100

// bulkApplier is the fast path some backends offer for large clean
// imports. Only the Postgres store implements it.
type bulkApplier interface {
	BulkApply(ctx context.Context, envs []*model.Envelope) (int64, error)
}

// BatchOptions configures one batch run.
type BatchOptions struct {
	// Source identifies the file for the run's single log entry.
	Source model.SourceRef

	// Assumptions are file-level interpretations (encoding, preamble)
	// carried into the log entry.
	Assumptions []string

	// ParseAnomalies are importer findings for rows that never became
	// envelopes; they ride along into the run's log entry.
	ParseAnomalies []model.Anomaly

	// ChunkSize bounds each transaction. Default 100.
	ChunkSize int

	// Limit stops after this many envelopes when positive.
	Limit int

	// DryRun resolves, scores, and checks without writing anything.
	DryRun bool

	// Fast routes through the backend's bulk upsert when available.
	// Equal-confidence disagreements are not detected on this path; a
	// reconcile run afterwards covers them.
	Fast bool
}

// BatchResult summarizes one batch run.
type BatchResult struct {
	Total     int                `json:"total"`
	Applied   int                `json:"applied"`
	Pending   int                `json:"pending"`
	Blocked   int                `json:"blocked"`
	Failed    int                `json:"failed"`
	Counts    model.RecordCounts `json:"records"`
	Anomalies []model.Anomaly    `json:"anomalies,omitempty"`
	DryRun    bool               `json:"dry_run,omitempty"`
}

// IngestBatch runs a slice of envelopes through the pipeline in
// chunked transactions and appends one log entry for the whole run.
// Cancellation between chunks leaves earlier chunks committed.
func (p *Pipeline) IngestBatch(ctx context.Context, envs []*model.Envelope, opts BatchOptions) (*BatchResult, error) {
	start := time.Now()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Limit > 0 && len(envs) > opts.Limit {
		envs = envs[:opts.Limit]
	}

	resolver, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{
		Total:     len(envs),
		Counts:    model.RecordCounts{},
		Anomalies: opts.ParseAnomalies,
		DryRun:    opts.DryRun,
	}
	today := model.Today()
	ready := make([]*model.Envelope, 0, len(envs))
	for _, env := range envs {
		scorer.Score(env)

		resolved := resolver.Resolve(env)
		if !resolved && p.opts.AllowCreate {
			_, resolved = resolver.Create(env)
		}
		if !resolved {
			res.Pending++
			res.Anomalies = append(res.Anomalies, model.Anomaly{
				Kind:     model.UnresolvedCompany,
				Severity: model.SeverityAdvisory,
				Detail:   fmt.Sprintf("no company matched hint %q", env.CompanyHint),
				Source:   env.Source,
			})
			if !opts.DryRun {
				if err := p.parkForBatch(ctx, env); err != nil {
					return res, err
				}
			}
			continue
		}

		res.Anomalies = append(res.Anomalies, reconcile.CheckEnvelope(env, today)...)
		ready = append(ready, env)
	}

	if opts.DryRun {
		res.Applied = len(ready)
		return res, nil
	}

	if opts.Fast {
		err = p.bulkApply(ctx, ready, res)
	} else {
		err = p.chunkedApply(ctx, ready, opts.ChunkSize, res)
	}
	if err != nil {
		return res, err
	}

	entry := model.IngestionLogEntry{
		ID:          uuid.NewString(),
		Source:      opts.Source,
		Counts:      res.Counts,
		Anomalies:   res.Anomalies,
		Assumptions: opts.Assumptions,
		Status:      batchStatus(res),
		DurationMS:  time.Since(start).Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := p.appendLog(ctx, entry); err != nil {
		return res, err
	}

	zap.L().Info("batch ingest finished",
		zap.String("source_id", opts.Source.ID),
		zap.Int("total", res.Total),
		zap.Int("applied", res.Applied),
		zap.Int("pending", res.Pending),
		zap.Int("blocked", res.Blocked))
	return res, nil
}

func (p *Pipeline) parkForBatch(ctx context.Context, env *model.Envelope) error {
	entry := &model.IngestionLogEntry{}
	// park writes its own queue row; the batch entry carries the anomaly.
	if err := p.park(ctx, env, entry, nil); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) chunkedApply(ctx context.Context, envs []*model.Envelope, chunkSize int, res *BatchResult) error {
	for offset := 0; offset < len(envs); offset += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := offset + chunkSize
		if end > len(envs) {
			end = len(envs)
		}
		chunk := envs[offset:end]

		results, errs, err := p.store.ApplyBatch(ctx, chunk)
		if err != nil {
			return err
		}
		for i, env := range chunk {
			switch {
			case errs[i] == nil:
				res.Applied++
				mergeCounts(res.Counts, results[i].Counts)
				res.Anomalies = append(res.Anomalies, results[i].Anomalies...)
			case errors.Is(errs[i], store.ErrBlockingConflict):
				res.Blocked++
				res.Anomalies = append(res.Anomalies, model.Anomaly{
					Kind:      model.IrreconcilableConflict,
					Severity:  model.SeverityBlocking,
					CompanyID: env.CompanyID,
					Detail:    errs[i].Error(),
					Source:    env.Source,
				})
			default:
				res.Failed++
				res.Anomalies = append(res.Anomalies, model.Anomaly{
					Kind:      model.ParseAnomaly,
					Severity:  model.SeverityAdvisory,
					CompanyID: env.CompanyID,
					Detail:    fmt.Sprintf("envelope rejected: %v", errs[i]),
					Source:    env.Source,
				})
			}
		}
	}
	return nil
}

func (p *Pipeline) bulkApply(ctx context.Context, envs []*model.Envelope, res *BatchResult) error {
	bulk, ok := p.store.(bulkApplier)
	if !ok {
		return store.ErrUnsupported
	}
	rows, err := bulk.BulkApply(ctx, envs)
	if err != nil {
		return err
	}
	res.Applied = len(envs)
	res.Counts["bulk"] = model.EntityCounts{Created: int(rows)}
	return nil
}

func mergeCounts(dst, src model.RecordCounts) {
	for entity, c := range src {
		agg := dst[entity]
		agg.Created += c.Created
		agg.Updated += c.Updated
		dst[entity] = agg
	}
}

func batchStatus(res *BatchResult) model.IngestionStatus {
	switch {
	case res.Blocked > 0 || res.Failed > 0:
		return model.IngestionFailed
	case res.Pending > 0 || len(res.Anomalies) > 0:
		return model.IngestionPartial
	default:
		return model.IngestionSuccess
	}
}
