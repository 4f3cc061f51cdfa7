package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/crestview-partners/portfolio-cli/internal/db"
	"github.com/crestview-partners/portfolio-cli/internal/model"
)

// PostgresStore implements Store using pgxpool. It is the system of
// record for the portfolio ledger.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Tests hand in pgxmock here.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the underlying pool for the bulk import fast path.
func (s *PostgresStore) Pool() db.Pool { return s.pool }

// lineageCols is the provenance block every canonical table carries.
// Keeping it one constant keeps the tables from drifting apart.
const lineageCols = `
	source_type           TEXT NOT NULL,
	source_id             TEXT NOT NULL,
	source_url            TEXT NOT NULL DEFAULT '',
	extractor_version     TEXT NOT NULL DEFAULT '',
	extraction_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()`

var postgresMigration = `
CREATE SCHEMA IF NOT EXISTS portfolio;

CREATE TABLE IF NOT EXISTS portfolio.company (
	id         TEXT PRIMARY KEY,
	legal_name TEXT NOT NULL,
	aka        TEXT NOT NULL DEFAULT '',
	website    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'active',` + lineageCols + `
);

CREATE TABLE IF NOT EXISTS portfolio.round (
	id              BIGSERIAL PRIMARY KEY,
	company_id      TEXT NOT NULL REFERENCES portfolio.company(id),
	type            TEXT NOT NULL DEFAULT '',
	close_date      DATE NOT NULL,
	pre_money       NUMERIC(18,2),
	post_money      NUMERIC(18,2),
	amount_invested NUMERIC(18,2),` + lineageCols + `
);

CREATE TABLE IF NOT EXISTS portfolio.ownership (
	id                BIGSERIAL PRIMARY KEY,
	company_id        TEXT NOT NULL REFERENCES portfolio.company(id),
	as_of_date        DATE NOT NULL,
	security_class    TEXT NOT NULL DEFAULT 'Common',
	fully_diluted_pct NUMERIC(7,4) NOT NULL,
	shares            NUMERIC(20,4),` + lineageCols + `,
	UNIQUE (company_id, as_of_date, security_class)
);

CREATE TABLE IF NOT EXISTS portfolio.cashflow (
	id              BIGSERIAL PRIMARY KEY,
	company_id      TEXT NOT NULL REFERENCES portfolio.company(id),
	date            DATE NOT NULL,
	kind            TEXT NOT NULL,
	amount          NUMERIC(18,2) NOT NULL,
	wire_ref        TEXT NOT NULL DEFAULT '',
	notes           TEXT NOT NULL DEFAULT '',
	future_override BOOLEAN NOT NULL DEFAULT false,` + lineageCols + `,
	UNIQUE (company_id, date, amount, wire_ref)
);

CREATE TABLE IF NOT EXISTS portfolio.company_update (
	id            BIGSERIAL PRIMARY KEY,
	company_id    TEXT NOT NULL REFERENCES portfolio.company(id),
	period_start  DATE NOT NULL,
	period_end    DATE NOT NULL,
	report_period TEXT NOT NULL DEFAULT '',
	metrics       JSONB NOT NULL DEFAULT '{}',
	narrative     TEXT NOT NULL DEFAULT '',
	confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,` + lineageCols + `,
	UNIQUE (company_id, period_end)
);

CREATE TABLE IF NOT EXISTS portfolio.contact (
	id         BIGSERIAL PRIMARY KEY,
	company_id TEXT NOT NULL REFERENCES portfolio.company(id),
	name       TEXT NOT NULL,
	role       TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL,
	phone      TEXT NOT NULL DEFAULT '',
	is_primary BOOLEAN NOT NULL DEFAULT false,` + lineageCols + `,
	UNIQUE (company_id, email)
);

CREATE TABLE IF NOT EXISTS portfolio.comm (
	id          BIGSERIAL PRIMARY KEY,
	company_id  TEXT REFERENCES portfolio.company(id),
	channel     TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	summary     TEXT NOT NULL DEFAULT '',
	fields      JSONB NOT NULL DEFAULT '{}',` + lineageCols + `
);

CREATE TABLE IF NOT EXISTS portfolio.document_ref (
	id          BIGSERIAL PRIMARY KEY,
	company_id  TEXT NOT NULL REFERENCES portfolio.company(id),
	title       TEXT NOT NULL,
	doc_type    TEXT NOT NULL DEFAULT '',
	storage_url TEXT NOT NULL,` + lineageCols + `,
	UNIQUE (company_id, storage_url)
);

CREATE TABLE IF NOT EXISTS portfolio.pending_envelopes (
	id          TEXT PRIMARY KEY,
	hint        TEXT NOT NULL DEFAULT '',
	raw         JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at TIMESTAMPTZ,
	company_id  TEXT REFERENCES portfolio.company(id)
);

CREATE TABLE IF NOT EXISTS portfolio.ingestion_log (
	id          TEXT PRIMARY KEY,
	source_type TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	source_url  TEXT NOT NULL DEFAULT '',
	company_id  TEXT,
	records     JSONB NOT NULL DEFAULT '{}',
	confidence  JSONB NOT NULL DEFAULT '{}',
	anomalies   JSONB NOT NULL DEFAULT '[]',
	assumptions JSONB NOT NULL DEFAULT '[]',
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ownership_company ON portfolio.ownership(company_id, as_of_date DESC);
CREATE INDEX IF NOT EXISTS idx_cashflow_company_date ON portfolio.cashflow(company_id, date);
CREATE INDEX IF NOT EXISTS idx_update_company_period ON portfolio.company_update(company_id, period_end DESC);
CREATE INDEX IF NOT EXISTS idx_inglog_company ON portfolio.ingestion_log(company_id);
CREATE INDEX IF NOT EXISTS idx_inglog_created ON portfolio.ingestion_log(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_pending_unresolved ON portfolio.pending_envelopes(received_at) WHERE resolved_at IS NULL;

CREATE OR REPLACE VIEW portfolio.company_summary AS
SELECT c.id AS company_id,
       c.legal_name,
       c.status,
       own.total_pct        AS latest_ownership_pct,
       COALESCE(inv.total, 0)  AS total_invested,
       COALESCE(dist.total, 0) AS total_distributed,
       upd.last_period_end
FROM portfolio.company c
LEFT JOIN LATERAL (
	SELECT SUM(o.fully_diluted_pct) AS total_pct
	FROM portfolio.ownership o
	WHERE o.company_id = c.id
	  AND o.as_of_date = (SELECT MAX(as_of_date) FROM portfolio.ownership WHERE company_id = c.id)
) own ON true
LEFT JOIN LATERAL (
	SELECT SUM(amount) AS total FROM portfolio.cashflow
	WHERE company_id = c.id AND kind = 'Investment'
) inv ON true
LEFT JOIN LATERAL (
	SELECT SUM(amount) AS total FROM portfolio.cashflow
	WHERE company_id = c.id AND kind IN ('Distribution', 'Dividend', 'Royalty')
) dist ON true
LEFT JOIN LATERAL (
	SELECT MAX(period_end) AS last_period_end FROM portfolio.company_update
	WHERE company_id = c.id
) upd ON true;
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const companyCols = `id, legal_name, aka, website, status,
	source_type, source_id, source_url, extractor_version, extraction_confidence,
	created_at, updated_at`

func scanCompany(row pgx.Row) (*model.Company, error) {
	var c model.Company
	err := row.Scan(&c.ID, &c.LegalName, &c.AKA, &c.Website, &c.Status,
		&c.Lineage.SourceType, &c.Lineage.SourceID, &c.Lineage.SourceURL,
		&c.Lineage.ExtractorVersion, &c.Lineage.Confidence,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Lineage.CreatedAt = c.CreatedAt
	c.Lineage.UpdatedAt = c.UpdatedAt
	return &c, nil
}

func (s *PostgresStore) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	c, err := scanCompany(s.pool.QueryRow(ctx,
		`SELECT `+companyCols+` FROM portfolio.company WHERE id = $1`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get company %s", id)
	}
	return c, nil
}

func (s *PostgresStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+companyCols+` FROM portfolio.company ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list companies")
	}
	defer rows.Close()

	var out []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list companies")
}

func (s *PostgresStore) UpdateCompanyStatus(ctx context.Context, id string, status model.CompanyStatus) error {
	if !model.ValidCompanyStatus(status) {
		return eris.Errorf("postgres: invalid company status %q", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE portfolio.company SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update company status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("company not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) EnqueuePending(ctx context.Context, pe model.PendingEnvelope) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portfolio.pending_envelopes (id, hint, raw, received_at) VALUES ($1, $2, $3, $4)`,
		pe.ID, pe.Hint, pe.Raw, pe.ReceivedAt)
	return eris.Wrapf(err, "postgres: enqueue pending %s", pe.ID)
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]model.PendingEnvelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, hint, raw, received_at FROM portfolio.pending_envelopes
		 WHERE resolved_at IS NULL ORDER BY received_at LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending")
	}
	defer rows.Close()

	var out []model.PendingEnvelope
	for rows.Next() {
		var pe model.PendingEnvelope
		if err := rows.Scan(&pe.ID, &pe.Hint, &pe.Raw, &pe.ReceivedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending")
		}
		out = append(out, pe)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list pending")
}

// ResolvePending binds a company to a queued envelope and returns it for
// replay. Resolving an already-resolved envelope is an error; replay
// must not double-apply.
func (s *PostgresStore) ResolvePending(ctx context.Context, id, companyID string) (*model.PendingEnvelope, error) {
	var pe model.PendingEnvelope
	err := s.pool.QueryRow(ctx,
		`UPDATE portfolio.pending_envelopes
		 SET resolved_at = now(), company_id = $2
		 WHERE id = $1 AND resolved_at IS NULL
		 RETURNING id, hint, raw, received_at, resolved_at, company_id`,
		id, companyID,
	).Scan(&pe.ID, &pe.Hint, &pe.Raw, &pe.ReceivedAt, &pe.ResolvedAt, &pe.CompanyID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: resolve pending %s", id)
	}
	return &pe, nil
}

func (s *PostgresStore) AppendIngestion(ctx context.Context, entry model.IngestionLogEntry) error {
	records, err := json.Marshal(entry.Counts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal record counts")
	}
	confidence, err := json.Marshal(entry.Confidence)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal confidence summary")
	}
	anomalies, err := json.Marshal(orEmptyAnomalies(entry.Anomalies))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal anomalies")
	}
	assumptions, err := json.Marshal(orEmptyStrings(entry.Assumptions))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal assumptions")
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var companyID *string
	if entry.CompanyID != "" {
		companyID = &entry.CompanyID
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO portfolio.ingestion_log
		 (id, source_type, source_id, source_url, company_id, records, confidence, anomalies, assumptions, status, error, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.ID, string(entry.Source.Type), entry.Source.ID, entry.Source.URL, companyID,
		records, confidence, anomalies, assumptions,
		string(entry.Status), entry.Error, entry.DurationMS, createdAt)
	return eris.Wrapf(err, "postgres: append ingestion %s", entry.ID)
}

func (s *PostgresStore) ListIngestions(ctx context.Context, filter IngestionFilter) ([]model.IngestionLogEntry, error) {
	query := `SELECT id, source_type, source_id, source_url, company_id, records, confidence, anomalies, assumptions, status, error, duration_ms, created_at
	          FROM portfolio.ingestion_log WHERE true`
	args := []any{}
	argIdx := 1

	if filter.CompanyID != "" {
		query += fmt.Sprintf(` AND company_id = $%d`, argIdx)
		args = append(args, filter.CompanyID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ingestions")
	}
	defer rows.Close()

	var out []model.IngestionLogEntry
	for rows.Next() {
		var e model.IngestionLogEntry
		var companyID *string
		var records, confidence, anomalies, assumptions []byte
		if err := rows.Scan(&e.ID, &e.Source.Type, &e.Source.ID, &e.Source.URL, &companyID,
			&records, &confidence, &anomalies, &assumptions,
			&e.Status, &e.Error, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ingestion")
		}
		if companyID != nil {
			e.CompanyID = *companyID
		}
		if err := json.Unmarshal(records, &e.Counts); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal record counts")
		}
		if err := json.Unmarshal(confidence, &e.Confidence); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal confidence summary")
		}
		if err := json.Unmarshal(anomalies, &e.Anomalies); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal anomalies")
		}
		if err := json.Unmarshal(assumptions, &e.Assumptions); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal assumptions")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list ingestions")
}

func (s *PostgresStore) LatestOwnershipTotals(ctx context.Context, companyID string) ([]OwnershipTotal, error) {
	query := `SELECT o.company_id, o.as_of_date, SUM(o.fully_diluted_pct)
	          FROM portfolio.ownership o
	          JOIN (SELECT company_id, MAX(as_of_date) AS max_as_of
	                FROM portfolio.ownership GROUP BY company_id) latest
	            ON o.company_id = latest.company_id AND o.as_of_date = latest.max_as_of`
	args := []any{}
	if companyID != "" {
		query += ` WHERE o.company_id = $1`
		args = append(args, companyID)
	}
	query += ` GROUP BY o.company_id, o.as_of_date ORDER BY o.company_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest ownership totals")
	}
	defer rows.Close()

	var out []OwnershipTotal
	for rows.Next() {
		var t OwnershipTotal
		if err := rows.Scan(&t.CompanyID, &t.AsOfDate, &t.TotalPct); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ownership total")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: latest ownership totals")
}

func (s *PostgresStore) RoundsWithAllMoney(ctx context.Context, companyID string) ([]model.Round, error) {
	query := `SELECT id, company_id, type, close_date, pre_money, post_money, amount_invested
	          FROM portfolio.round
	          WHERE pre_money IS NOT NULL AND post_money IS NOT NULL AND amount_invested IS NOT NULL`
	args := []any{}
	if companyID != "" {
		query += ` AND company_id = $1`
		args = append(args, companyID)
	}
	query += ` ORDER BY company_id, close_date`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: rounds with money")
	}
	defer rows.Close()

	var out []model.Round
	for rows.Next() {
		var r model.Round
		var pre, post, amt decimal.NullDecimal
		if err := rows.Scan(&r.ID, &r.CompanyID, &r.Type, &r.CloseDate, &pre, &post, &amt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan round")
		}
		r.PreMoney = nullDecimalPtr(pre)
		r.PostMoney = nullDecimalPtr(post)
		r.AmountInvested = nullDecimalPtr(amt)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: rounds with money")
}

func (s *PostgresStore) FutureCashflows(ctx context.Context, today model.Date, companyID string) ([]model.Cashflow, error) {
	query := `SELECT id, company_id, date, kind, amount, wire_ref, notes, future_override
	          FROM portfolio.cashflow
	          WHERE date > $1 AND NOT (kind = 'Other' AND future_override)`
	args := []any{today}
	if companyID != "" {
		query += ` AND company_id = $2`
		args = append(args, companyID)
	}
	query += ` ORDER BY company_id, date`
	return s.queryCashflows(ctx, query, args, "future cashflows")
}

// NearDuplicateCashflows returns cashflows that share company, date and
// amount with at least one other row. The natural key keeps them
// distinct (different wire refs), but the coincidence is worth an
// operator's eye.
func (s *PostgresStore) NearDuplicateCashflows(ctx context.Context, companyID string) ([]model.Cashflow, error) {
	query := `SELECT c.id, c.company_id, c.date, c.kind, c.amount, c.wire_ref, c.notes, c.future_override
	          FROM portfolio.cashflow c
	          JOIN (SELECT company_id, date, amount FROM portfolio.cashflow
	                GROUP BY company_id, date, amount
	                HAVING COUNT(*) > 1) dup
	            ON c.company_id = dup.company_id AND c.date = dup.date AND c.amount = dup.amount`
	args := []any{}
	if companyID != "" {
		query += ` WHERE c.company_id = $1`
		args = append(args, companyID)
	}
	query += ` ORDER BY c.company_id, c.date, c.amount, c.wire_ref`
	return s.queryCashflows(ctx, query, args, "near-duplicate cashflows")
}

func (s *PostgresStore) queryCashflows(ctx context.Context, query string, args []any, op string) ([]model.Cashflow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var out []model.Cashflow
	for rows.Next() {
		var c model.Cashflow
		if err := rows.Scan(&c.ID, &c.CompanyID, &c.Date, &c.Kind, &c.Amount,
			&c.WireRef, &c.Notes, &c.FutureOverride); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cashflow")
		}
		out = append(out, c)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s", op)
}

func (s *PostgresStore) MisorderedUpdates(ctx context.Context, companyID string) ([]model.Update, error) {
	query := `SELECT id, company_id, period_start, period_end, report_period, narrative, confidence
	          FROM portfolio.company_update WHERE period_end < period_start`
	args := []any{}
	if companyID != "" {
		query += ` AND company_id = $1`
		args = append(args, companyID)
	}
	query += ` ORDER BY company_id, period_end`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: misordered updates")
	}
	defer rows.Close()

	var out []model.Update
	for rows.Next() {
		var u model.Update
		if err := rows.Scan(&u.ID, &u.CompanyID, &u.PeriodStart, &u.PeriodEnd,
			&u.Period, &u.Narrative, &u.Confidence); err != nil {
			return nil, eris.Wrap(err, "postgres: scan update")
		}
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "postgres: misordered updates")
}

func (s *PostgresStore) CompanySummaries(ctx context.Context) ([]model.CompanySummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT company_id, legal_name, status, latest_ownership_pct,
		        total_invested, total_distributed, last_period_end
		 FROM portfolio.company_summary ORDER BY company_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: company summaries")
	}
	defer rows.Close()

	today := model.Today()
	var out []model.CompanySummary
	for rows.Next() {
		var cs model.CompanySummary
		var pct decimal.NullDecimal
		var invested, distributed decimal.Decimal
		var lastPeriodEnd model.Date
		if err := rows.Scan(&cs.CompanyID, &cs.LegalName, &cs.Status, &pct,
			&invested, &distributed, &lastPeriodEnd); err != nil {
			return nil, eris.Wrap(err, "postgres: scan company summary")
		}
		if pct.Valid {
			v := pct.Decimal.StringFixed(2)
			cs.LatestOwnership = &v
		}
		cs.TotalInvested = invested.StringFixed(2)
		cs.TotalDistributed = distributed.StringFixed(2)
		if !lastPeriodEnd.IsZero() {
			days := today.DaysSince(lastPeriodEnd)
			cs.DaysSinceUpdate = &days
		}
		out = append(out, cs)
	}
	return out, eris.Wrap(rows.Err(), "postgres: company summaries")
}

func nullDecimalPtr(nd decimal.NullDecimal) *decimal.Decimal {
	if !nd.Valid {
		return nil
	}
	d := nd.Decimal
	return &d
}

func orEmptyAnomalies(a []model.Anomaly) []model.Anomaly {
	if a == nil {
		return []model.Anomaly{}
	}
	return a
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
