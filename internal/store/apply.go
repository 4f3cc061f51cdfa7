package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/crestview-partners/portfolio-cli/internal/model"
	"github.com/crestview-partners/portfolio-cli/internal/scorer"
)

// ApplyEnvelope maps one envelope's facts onto canonical rows inside a
// single transaction. Natural-key collisions go through the confidence
// policy row by row; a Block outcome rolls the whole envelope back.
func (s *PostgresStore) ApplyEnvelope(ctx context.Context, env *model.Envelope) (*ApplyResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: apply envelope: begin tx")
	}
	defer tx.Rollback(ctx)

	res, err := applyEnvelopeTx(ctx, tx, env)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: apply envelope: commit tx")
	}
	return res, nil
}

// ApplyBatch applies a chunk of envelopes under one transaction. Each
// envelope runs inside a savepoint, so a blocked envelope rolls back
// alone and its siblings still commit with the chunk. The returned
// slices are index-aligned with envs.
func (s *PostgresStore) ApplyBatch(ctx context.Context, envs []*model.Envelope) ([]*ApplyResult, []error, error) {
	results := make([]*ApplyResult, len(envs))
	errs := make([]error, len(envs))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, eris.Wrap(err, "postgres: apply batch: begin tx")
	}
	defer tx.Rollback(ctx)

	for i, env := range envs {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return nil, nil, eris.Wrap(err, "postgres: apply batch: savepoint")
		}
		res, applyErr := applyEnvelopeTx(ctx, sp, env)
		if applyErr != nil {
			_ = sp.Rollback(ctx)
			errs[i] = applyErr
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			return nil, nil, eris.Wrap(err, "postgres: apply batch: release savepoint")
		}
		results[i] = res
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, eris.Wrap(err, "postgres: apply batch: commit tx")
	}
	return results, errs, nil
}

// applyState is the per-envelope state shared by both backends' entity
// writers: the envelope, the write clock and the accumulating result.
type applyState struct {
	env *model.Envelope
	now time.Time
	res *ApplyResult
}

// applier threads the per-envelope state through the pgx entity writers.
type applier struct {
	applyState
	tx pgx.Tx
}

func applyEnvelopeTx(ctx context.Context, tx pgx.Tx, env *model.Envelope) (*ApplyResult, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}

	a := &applier{
		applyState: newApplyState(env),
		tx:         tx,
	}

	if err := a.ensureCompany(ctx); err != nil {
		return nil, err
	}
	for i := range env.Facts.Rounds {
		if err := a.insertRound(ctx, &env.Facts.Rounds[i]); err != nil {
			return nil, err
		}
	}
	for i := range env.Facts.Ownerships {
		if err := a.upsertOwnership(ctx, &env.Facts.Ownerships[i]); err != nil {
			return nil, err
		}
	}
	for i := range env.Facts.Cashflows {
		if err := a.upsertCashflow(ctx, &env.Facts.Cashflows[i]); err != nil {
			return nil, err
		}
	}
	for i := range env.Facts.Updates {
		if err := a.upsertUpdate(ctx, &env.Facts.Updates[i]); err != nil {
			return nil, err
		}
	}
	for i := range env.Facts.Contacts {
		if err := a.upsertContact(ctx, &env.Facts.Contacts[i]); err != nil {
			return nil, err
		}
	}
	for i := range env.Facts.Comms {
		if err := a.insertComm(ctx, &env.Facts.Comms[i]); err != nil {
			return nil, err
		}
	}
	for i := range env.Facts.Documents {
		if err := a.upsertDocument(ctx, &env.Facts.Documents[i]); err != nil {
			return nil, err
		}
	}
	return a.res, nil
}

func newApplyState(env *model.Envelope) applyState {
	return applyState{
		env: env,
		now: time.Now().UTC(),
		res: &ApplyResult{CompanyID: env.CompanyID, Counts: model.RecordCounts{}},
	}
}

// validateEnvelope is the shared gate both backends run before writing.
func validateEnvelope(env *model.Envelope) error {
	if env.CompanyID == "" {
		return eris.New("store: apply envelope: no resolved company")
	}
	if !model.ValidSourceType(env.Source.Type) {
		return eris.Errorf("store: apply envelope: unknown source type %q", env.Source.Type)
	}
	return nil
}

func (a *applyState) incoming(value string, confidence float64) scorer.Incoming {
	if confidence <= 0 {
		confidence = a.env.OverallConfidence
	}
	return scorer.Incoming{
		Confidence: confidence,
		SourceType: a.env.Source.Type,
		Value:      value,
	}
}

// lineageArgs is the provenance tail appended to every insert.
func (a *applyState) lineageArgs(confidence float64) []any {
	if confidence <= 0 {
		confidence = a.env.OverallConfidence
	}
	return []any{
		string(a.env.Source.Type), a.env.Source.ID, a.env.Source.URL,
		a.env.ExtractorVersion, confidence, a.now, a.now,
	}
}

const lineageInsertCols = `source_type, source_id, source_url, extractor_version, extraction_confidence, created_at, updated_at`

// resolve runs the conflict policy and translates the outcome. It
// returns (write, err): write=false means the stored row stays, with
// either a suppressed-conflict anomaly or a silent idempotent no-op.
func (a *applyState) resolve(entity, key string, existing scorer.Existing, incoming scorer.Incoming) (bool, error) {
	switch scorer.ResolveConflict(existing, incoming) {
	case scorer.Apply:
		if incoming.Value == existing.Value && incoming.Confidence == existing.Confidence &&
			incoming.SourceType == existing.SourceType {
			// Exact replay of the stored fact; nothing to do.
			return false, nil
		}
		return true, nil
	case scorer.Reject:
		a.res.Anomalies = append(a.res.Anomalies, model.Anomaly{
			Kind:      model.ConflictSuppressed,
			Severity:  model.SeverityAdvisory,
			CompanyID: a.env.CompanyID,
			Detail: fmt.Sprintf("%s %s: stored value kept (confidence %.2f from %s beats incoming %.2f)",
				entity, key, existing.Confidence, existing.SourceType, incoming.Confidence),
			Source: a.env.Source,
		})
		zap.L().Debug("conflict suppressed",
			zap.String("entity", entity),
			zap.String("key", key),
			zap.Float64("existing_confidence", existing.Confidence),
			zap.Float64("incoming_confidence", incoming.Confidence))
		return false, nil
	default:
		return false, eris.Wrapf(ErrBlockingConflict,
			"%s %s: incoming %q vs stored %q at confidence %.2f",
			entity, key, incoming.Value, existing.Value, existing.Confidence)
	}
}

func (a *applier) ensureCompany(ctx context.Context) error {
	env := a.env
	var (
		legalName, aka, website string
		status                  model.CompanyStatus
		conf                    float64
		srcType                 model.SourceType
	)
	err := a.tx.QueryRow(ctx,
		`SELECT legal_name, aka, website, status, extraction_confidence, source_type
		 FROM portfolio.company WHERE id = $1 FOR UPDATE`, env.CompanyID,
	).Scan(&legalName, &aka, &website, &status, &conf, &srcType)

	if err == pgx.ErrNoRows {
		c := companyFromEnvelope(env)
		args := append([]any{c.ID, c.LegalName, c.AKA, c.Website, string(c.Status)},
			a.lineageArgs(env.OverallConfidence)...)
		if _, err := a.tx.Exec(ctx,
			`INSERT INTO portfolio.company (id, legal_name, aka, website, status, `+lineageInsertCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, args...); err != nil {
			return eris.Wrapf(err, "postgres: insert company %s", c.ID)
		}
		a.count("company", true)
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: lock company %s", env.CompanyID)
	}

	cf := env.Facts.Company
	if cf == nil {
		return nil
	}

	// Merge asserted attributes over the stored row; empty incoming
	// fields never clear stored values.
	merged := model.CompanyFacts{LegalName: legalName, AKA: aka, Website: website, Status: status}
	if cf.LegalName != "" {
		merged.LegalName = cf.LegalName
	}
	if cf.AKA != "" {
		merged.AKA = cf.AKA
	}
	if cf.Website != "" {
		merged.Website = cf.Website
	}
	if cf.Status != "" {
		if !model.ValidCompanyStatus(cf.Status) {
			return eris.Errorf("postgres: invalid company status %q", cf.Status)
		}
		merged.Status = cf.Status
	}

	existingVal := companyFactsValue(model.CompanyFacts{LegalName: legalName, AKA: aka, Website: website, Status: status})
	mergedVal := companyFactsValue(merged)
	if mergedVal == existingVal {
		return nil
	}

	write, err := a.resolve("company", env.CompanyID,
		scorer.Existing{Confidence: conf, SourceType: srcType, Value: existingVal},
		a.incoming(mergedVal, 0))
	if err != nil || !write {
		return err
	}

	args := append([]any{merged.LegalName, merged.AKA, merged.Website, string(merged.Status)},
		a.lineageArgs(env.OverallConfidence)[:5]...)
	args = append(args, a.now, env.CompanyID)
	if _, err := a.tx.Exec(ctx,
		`UPDATE portfolio.company
		 SET legal_name = $1, aka = $2, website = $3, status = $4,
		     source_type = $5, source_id = $6, source_url = $7,
		     extractor_version = $8, extraction_confidence = $9, updated_at = $10
		 WHERE id = $11`, args...); err != nil {
		return eris.Wrapf(err, "postgres: update company %s", env.CompanyID)
	}
	a.count("company", false)
	return nil
}

// Rounds have no natural key; every asserted round is kept. Duplicate
// suspicion is a reconciliation concern, not a storage one.
func (a *applier) insertRound(ctx context.Context, r *model.Round) error {
	args := append([]any{a.env.CompanyID, r.Type, r.CloseDate, r.PreMoney, r.PostMoney, r.AmountInvested},
		a.lineageArgs(0)...)
	_, err := a.tx.Exec(ctx,
		`INSERT INTO portfolio.round (company_id, type, close_date, pre_money, post_money, amount_invested, `+lineageInsertCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert round for %s", a.env.CompanyID)
	}
	a.count("round", true)
	return nil
}

func (a *applier) upsertOwnership(ctx context.Context, o *model.Ownership) error {
	o.CompanyID = a.env.CompanyID
	if o.SecurityClass == "" {
		o.SecurityClass = "Common"
	}
	key := o.NaturalKey()
	value := ownershipValue(o)

	var (
		storedPct    decimal.Decimal
		storedShares decimal.NullDecimal
		conf         float64
		srcType      model.SourceType
	)
	err := a.tx.QueryRow(ctx,
		`SELECT fully_diluted_pct, shares, extraction_confidence, source_type
		 FROM portfolio.ownership
		 WHERE company_id = $1 AND as_of_date = $2 AND security_class = $3 FOR UPDATE`,
		o.CompanyID, o.AsOfDate, o.SecurityClass,
	).Scan(&storedPct, &storedShares, &conf, &srcType)

	if err == pgx.ErrNoRows {
		args := append([]any{o.CompanyID, o.AsOfDate, o.SecurityClass, o.FullyDilutedPct, o.Shares},
			a.lineageArgs(0)...)
		if _, err := a.tx.Exec(ctx,
			`INSERT INTO portfolio.ownership (company_id, as_of_date, security_class, fully_diluted_pct, shares, `+lineageInsertCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, args...); err != nil {
			return eris.Wrapf(err, "postgres: insert ownership %s", key)
		}
		a.count("ownership", true)
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: lock ownership %s", key)
	}

	stored := ownershipValue(&model.Ownership{
		FullyDilutedPct: storedPct,
		Shares:          nullDecimalPtr(storedShares),
	})
	write, err := a.resolve("ownership", key,
		scorer.Existing{Confidence: conf, SourceType: srcType, Value: stored},
		a.incoming(value, 0))
	if err != nil || !write {
		return err
	}

	args := append([]any{o.FullyDilutedPct, o.Shares}, a.lineageArgs(0)[:5]...)
	args = append(args, a.now, o.CompanyID, o.AsOfDate, o.SecurityClass)
	if _, err := a.tx.Exec(ctx,
		`UPDATE portfolio.ownership
		 SET fully_diluted_pct = $1, shares = $2,
		     source_type = $3, source_id = $4, source_url = $5,
		     extractor_version = $6, extraction_confidence = $7, updated_at = $8
		 WHERE company_id = $9 AND as_of_date = $10 AND security_class = $11`, args...); err != nil {
		return eris.Wrapf(err, "postgres: update ownership %s", key)
	}
	a.count("ownership", false)
	return nil
}

func (a *applier) upsertCashflow(ctx context.Context, c *model.Cashflow) error {
	c.CompanyID = a.env.CompanyID
	if !model.ValidCashflowKind(c.Kind) {
		return eris.Errorf("postgres: invalid cashflow kind %q", c.Kind)
	}
	key := c.NaturalKey()
	value := cashflowValue(c)

	var (
		storedCf model.Cashflow
		conf     float64
		srcType  model.SourceType
	)
	err := a.tx.QueryRow(ctx,
		`SELECT kind, notes, future_override, extraction_confidence, source_type
		 FROM portfolio.cashflow
		 WHERE company_id = $1 AND date = $2 AND amount = $3 AND wire_ref = $4 FOR UPDATE`,
		c.CompanyID, c.Date, c.Amount, c.WireRef,
	).Scan(&storedCf.Kind, &storedCf.Notes, &storedCf.FutureOverride, &conf, &srcType)

	if err == pgx.ErrNoRows {
		args := append([]any{c.CompanyID, c.Date, string(c.Kind), c.Amount, c.WireRef, c.Notes, c.FutureOverride},
			a.lineageArgs(0)...)
		if _, err := a.tx.Exec(ctx,
			`INSERT INTO portfolio.cashflow (company_id, date, kind, amount, wire_ref, notes, future_override, `+lineageInsertCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`, args...); err != nil {
			return eris.Wrapf(err, "postgres: insert cashflow %s", key)
		}
		a.count("cashflow", true)
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: lock cashflow %s", key)
	}

	write, err := a.resolve("cashflow", key,
		scorer.Existing{Confidence: conf, SourceType: srcType, Value: cashflowValue(&storedCf)},
		a.incoming(value, 0))
	if err != nil || !write {
		return err
	}

	args := append([]any{string(c.Kind), c.Notes, c.FutureOverride}, a.lineageArgs(0)[:5]...)
	args = append(args, a.now, c.CompanyID, c.Date, c.Amount, c.WireRef)
	if _, err := a.tx.Exec(ctx,
		`UPDATE portfolio.cashflow
		 SET kind = $1, notes = $2, future_override = $3,
		     source_type = $4, source_id = $5, source_url = $6,
		     extractor_version = $7, extraction_confidence = $8, updated_at = $9
		 WHERE company_id = $10 AND date = $11 AND amount = $12 AND wire_ref = $13`, args...); err != nil {
		return eris.Wrapf(err, "postgres: update cashflow %s", key)
	}
	a.count("cashflow", false)
	return nil
}

func (a *applier) upsertUpdate(ctx context.Context, u *model.Update) error {
	u.CompanyID = a.env.CompanyID
	key := u.CompanyID + "|" + u.PeriodEnd.String()
	value := updateValue(u)

	metrics, err := json.Marshal(orEmptyMap(u.Metrics))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal update metrics")
	}

	var (
		storedUpd     model.Update
		storedMetrics []byte
		conf          float64
		srcType       model.SourceType
	)
	err = a.tx.QueryRow(ctx,
		`SELECT period_start, report_period, metrics, narrative, extraction_confidence, source_type
		 FROM portfolio.company_update
		 WHERE company_id = $1 AND period_end = $2 FOR UPDATE`,
		u.CompanyID, u.PeriodEnd,
	).Scan(&storedUpd.PeriodStart, &storedUpd.Period, &storedMetrics, &storedUpd.Narrative, &conf, &srcType)

	if err == pgx.ErrNoRows {
		args := append([]any{u.CompanyID, u.PeriodStart, u.PeriodEnd, u.Period, metrics, u.Narrative, u.Confidence},
			a.lineageArgs(u.Confidence)...)
		if _, err := a.tx.Exec(ctx,
			`INSERT INTO portfolio.company_update (company_id, period_start, period_end, report_period, metrics, narrative, confidence, `+lineageInsertCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`, args...); err != nil {
			return eris.Wrapf(err, "postgres: insert update %s", key)
		}
		a.count("update", true)
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: lock update %s", key)
	}

	if err := json.Unmarshal(storedMetrics, &storedUpd.Metrics); err != nil {
		return eris.Wrapf(err, "postgres: unmarshal stored metrics %s", key)
	}
	write, err := a.resolve("update", key,
		scorer.Existing{Confidence: conf, SourceType: srcType, Value: updateValue(&storedUpd)},
		a.incoming(value, u.Confidence))
	if err != nil || !write {
		return err
	}

	args := append([]any{u.PeriodStart, u.Period, metrics, u.Narrative, u.Confidence},
		a.lineageArgs(u.Confidence)[:5]...)
	args = append(args, a.now, u.CompanyID, u.PeriodEnd)
	if _, err := a.tx.Exec(ctx,
		`UPDATE portfolio.company_update
		 SET period_start = $1, report_period = $2, metrics = $3, narrative = $4, confidence = $5,
		     source_type = $6, source_id = $7, source_url = $8,
		     extractor_version = $9, extraction_confidence = $10, updated_at = $11
		 WHERE company_id = $12 AND period_end = $13`, args...); err != nil {
		return eris.Wrapf(err, "postgres: update update %s", key)
	}
	a.count("update", false)
	return nil
}

func (a *applier) upsertContact(ctx context.Context, c *model.Contact) error {
	c.CompanyID = a.env.CompanyID
	if c.Email == "" {
		return eris.New("postgres: contact without email")
	}
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	key := c.CompanyID + "|" + c.Email
	value := contactValue(c)

	var (
		storedCt model.Contact
		conf     float64
		srcType  model.SourceType
	)
	err := a.tx.QueryRow(ctx,
		`SELECT name, role, phone, is_primary, extraction_confidence, source_type
		 FROM portfolio.contact
		 WHERE company_id = $1 AND email = $2 FOR UPDATE`,
		c.CompanyID, c.Email,
	).Scan(&storedCt.Name, &storedCt.Role, &storedCt.Phone, &storedCt.IsPrimary, &conf, &srcType)

	if err == pgx.ErrNoRows {
		args := append([]any{c.CompanyID, c.Name, c.Role, c.Email, c.Phone, c.IsPrimary},
			a.lineageArgs(0)...)
		if _, err := a.tx.Exec(ctx,
			`INSERT INTO portfolio.contact (company_id, name, role, email, phone, is_primary, `+lineageInsertCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, args...); err != nil {
			return eris.Wrapf(err, "postgres: insert contact %s", key)
		}
		a.count("contact", true)
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: lock contact %s", key)
	}

	write, err := a.resolve("contact", key,
		scorer.Existing{Confidence: conf, SourceType: srcType, Value: contactValue(&storedCt)},
		a.incoming(value, 0))
	if err != nil || !write {
		return err
	}

	args := append([]any{c.Name, c.Role, c.Phone, c.IsPrimary}, a.lineageArgs(0)[:5]...)
	args = append(args, a.now, c.CompanyID, c.Email)
	if _, err := a.tx.Exec(ctx,
		`UPDATE portfolio.contact
		 SET name = $1, role = $2, phone = $3, is_primary = $4,
		     source_type = $5, source_id = $6, source_url = $7,
		     extractor_version = $8, extraction_confidence = $9, updated_at = $10
		 WHERE company_id = $11 AND email = $12`, args...); err != nil {
		return eris.Wrapf(err, "postgres: update contact %s", key)
	}
	a.count("contact", false)
	return nil
}

// Comms are append-only; every interaction is kept.
func (a *applier) insertComm(ctx context.Context, c *model.Comm) error {
	c.CompanyID = a.env.CompanyID
	fields, err := json.Marshal(orEmptyMap(c.Fields))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal comm fields")
	}
	channel := c.Channel
	if channel == "" {
		channel = a.env.Source.Type
	}
	occurredAt := c.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = a.env.ReceivedAt
	}
	args := append([]any{c.CompanyID, string(channel), occurredAt, c.Summary, fields},
		a.lineageArgs(0)...)
	if _, err := a.tx.Exec(ctx,
		`INSERT INTO portfolio.comm (company_id, channel, occurred_at, summary, fields, `+lineageInsertCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, args...); err != nil {
		return eris.Wrapf(err, "postgres: insert comm for %s", c.CompanyID)
	}
	a.count("comm", true)
	return nil
}

func (a *applier) upsertDocument(ctx context.Context, d *model.DocumentRef) error {
	d.CompanyID = a.env.CompanyID
	if d.StorageURL == "" {
		return eris.New("postgres: document without storage url")
	}
	key := d.CompanyID + "|" + d.StorageURL

	var (
		storedTitle, storedType string
		conf                    float64
		srcType                 model.SourceType
	)
	err := a.tx.QueryRow(ctx,
		`SELECT title, doc_type, extraction_confidence, source_type
		 FROM portfolio.document_ref
		 WHERE company_id = $1 AND storage_url = $2 FOR UPDATE`,
		d.CompanyID, d.StorageURL,
	).Scan(&storedTitle, &storedType, &conf, &srcType)

	if err == pgx.ErrNoRows {
		args := append([]any{d.CompanyID, d.Title, d.DocType, d.StorageURL}, a.lineageArgs(0)...)
		if _, err := a.tx.Exec(ctx,
			`INSERT INTO portfolio.document_ref (company_id, title, doc_type, storage_url, `+lineageInsertCols+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, args...); err != nil {
			return eris.Wrapf(err, "postgres: insert document %s", key)
		}
		a.count("document", true)
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: lock document %s", key)
	}

	write, err := a.resolve("document", key,
		scorer.Existing{Confidence: conf, SourceType: srcType, Value: storedTitle + "|" + storedType},
		a.incoming(d.Title+"|"+d.DocType, 0))
	if err != nil || !write {
		return err
	}

	args := append([]any{d.Title, d.DocType}, a.lineageArgs(0)[:5]...)
	args = append(args, a.now, d.CompanyID, d.StorageURL)
	if _, err := a.tx.Exec(ctx,
		`UPDATE portfolio.document_ref
		 SET title = $1, doc_type = $2,
		     source_type = $3, source_id = $4, source_url = $5,
		     extractor_version = $6, extraction_confidence = $7, updated_at = $8
		 WHERE company_id = $9 AND storage_url = $10`, args...); err != nil {
		return eris.Wrapf(err, "postgres: update document %s", key)
	}
	a.count("document", false)
	return nil
}

func (a *applyState) count(entity string, created bool) {
	c := a.res.Counts[entity]
	if created {
		c.Created++
	} else {
		c.Updated++
	}
	a.res.Counts[entity] = c
}

func companyFromEnvelope(env *model.Envelope) model.Company {
	c := model.Company{ID: env.CompanyID, Status: model.CompanyActive}
	if cf := env.Facts.Company; cf != nil {
		c.LegalName = cf.LegalName
		c.AKA = cf.AKA
		c.Website = cf.Website
		if cf.Status != "" && model.ValidCompanyStatus(cf.Status) {
			c.Status = cf.Status
		}
	}
	if c.LegalName == "" {
		if env.CompanyHint != "" {
			c.LegalName = env.CompanyHint
		} else {
			c.LegalName = env.CompanyID
		}
	}
	return c
}

// Value strings feed the equal-confidence comparison in the conflict
// policy. They must be deterministic, which is why map keys are sorted.

func companyFactsValue(cf model.CompanyFacts) string {
	return strings.Join([]string{cf.LegalName, cf.AKA, cf.Website, string(cf.Status)}, "|")
}

func ownershipValue(o *model.Ownership) string {
	shares := ""
	if o.Shares != nil {
		shares = o.Shares.StringFixed(4)
	}
	return o.FullyDilutedPct.StringFixed(4) + "|" + shares
}

func cashflowValue(c *model.Cashflow) string {
	return fmt.Sprintf("%s|%s|%t", c.Kind, c.Notes, c.FutureOverride)
}

func updateValue(u *model.Update) string {
	keys := make([]string, 0, len(u.Metrics))
	for k := range u.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(u.PeriodStart.String())
	b.WriteString("|")
	b.WriteString(u.Period)
	b.WriteString("|{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q: %q", k, u.Metrics[k])
	}
	b.WriteString("}|")
	b.WriteString(u.Narrative)
	return b.String()
}

func contactValue(c *model.Contact) string {
	return fmt.Sprintf("%s|%s|%s|%t", c.Name, c.Role, c.Phone, c.IsPrimary)
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
