package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/crestview-partners/portfolio-cli/internal/model"
	"github.com/crestview-partners/portfolio-cli/internal/scorer"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// and offline work; Postgres stays the system of record. Dates are
// stored as ISO-8601 text and money as fixed-precision decimal text, so
// lexical ordering matches chronological and numeric ordering.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteLineageCols = `
	source_type           TEXT NOT NULL,
	source_id             TEXT NOT NULL,
	source_url            TEXT NOT NULL DEFAULT '',
	extractor_version     TEXT NOT NULL DEFAULT '',
	extraction_confidence REAL NOT NULL DEFAULT 0,
	created_at            DATETIME NOT NULL,
	updated_at            DATETIME NOT NULL`

var sqliteMigration = `
CREATE TABLE IF NOT EXISTS company (
	id         TEXT PRIMARY KEY,
	legal_name TEXT NOT NULL,
	aka        TEXT NOT NULL DEFAULT '',
	website    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'active',` + sqliteLineageCols + `
);

CREATE TABLE IF NOT EXISTS round (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	company_id      TEXT NOT NULL REFERENCES company(id),
	type            TEXT NOT NULL DEFAULT '',
	close_date      TEXT NOT NULL,
	pre_money       TEXT,
	post_money      TEXT,
	amount_invested TEXT,` + sqliteLineageCols + `
);

CREATE TABLE IF NOT EXISTS ownership (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	company_id        TEXT NOT NULL REFERENCES company(id),
	as_of_date        TEXT NOT NULL,
	security_class    TEXT NOT NULL DEFAULT 'Common',
	fully_diluted_pct TEXT NOT NULL,
	shares            TEXT,` + sqliteLineageCols + `,
	UNIQUE (company_id, as_of_date, security_class)
);

CREATE TABLE IF NOT EXISTS cashflow (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	company_id      TEXT NOT NULL REFERENCES company(id),
	date            TEXT NOT NULL,
	kind            TEXT NOT NULL,
	amount          TEXT NOT NULL,
	wire_ref        TEXT NOT NULL DEFAULT '',
	notes           TEXT NOT NULL DEFAULT '',
	future_override INTEGER NOT NULL DEFAULT 0,` + sqliteLineageCols + `,
	UNIQUE (company_id, date, amount, wire_ref)
);

CREATE TABLE IF NOT EXISTS company_update (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	company_id    TEXT NOT NULL REFERENCES company(id),
	period_start  TEXT NOT NULL,
	period_end    TEXT NOT NULL,
	report_period TEXT NOT NULL DEFAULT '',
	metrics       TEXT NOT NULL DEFAULT '{}',
	narrative     TEXT NOT NULL DEFAULT '',
	confidence    REAL NOT NULL DEFAULT 0,` + sqliteLineageCols + `,
	UNIQUE (company_id, period_end)
);

CREATE TABLE IF NOT EXISTS contact (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	company_id TEXT NOT NULL REFERENCES company(id),
	name       TEXT NOT NULL,
	role       TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL,
	phone      TEXT NOT NULL DEFAULT '',
	is_primary INTEGER NOT NULL DEFAULT 0,` + sqliteLineageCols + `,
	UNIQUE (company_id, email)
);

CREATE TABLE IF NOT EXISTS comm (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	company_id  TEXT REFERENCES company(id),
	channel     TEXT NOT NULL,
	occurred_at DATETIME NOT NULL,
	summary     TEXT NOT NULL DEFAULT '',
	fields      TEXT NOT NULL DEFAULT '{}',` + sqliteLineageCols + `
);

CREATE TABLE IF NOT EXISTS document_ref (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	company_id  TEXT NOT NULL REFERENCES company(id),
	title       TEXT NOT NULL,
	doc_type    TEXT NOT NULL DEFAULT '',
	storage_url TEXT NOT NULL,` + sqliteLineageCols + `,
	UNIQUE (company_id, storage_url)
);

CREATE TABLE IF NOT EXISTS pending_envelopes (
	id          TEXT PRIMARY KEY,
	hint        TEXT NOT NULL DEFAULT '',
	raw         TEXT NOT NULL,
	received_at DATETIME NOT NULL,
	resolved_at DATETIME,
	company_id  TEXT REFERENCES company(id)
);

CREATE TABLE IF NOT EXISTS ingestion_log (
	id          TEXT PRIMARY KEY,
	source_type TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	source_url  TEXT NOT NULL DEFAULT '',
	company_id  TEXT,
	records     TEXT NOT NULL DEFAULT '{}',
	confidence  TEXT NOT NULL DEFAULT '{}',
	anomalies   TEXT NOT NULL DEFAULT '[]',
	assumptions TEXT NOT NULL DEFAULT '[]',
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ownership_company ON ownership(company_id, as_of_date);
CREATE INDEX IF NOT EXISTS idx_cashflow_company_date ON cashflow(company_id, date);
CREATE INDEX IF NOT EXISTS idx_inglog_company ON ingestion_log(company_id);
CREATE INDEX IF NOT EXISTS idx_inglog_created ON ingestion_log(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	var c model.Company
	err := s.db.QueryRowContext(ctx,
		`SELECT id, legal_name, aka, website, status,
		        source_type, source_id, source_url, extractor_version, extraction_confidence,
		        created_at, updated_at
		 FROM company WHERE id = ?`, id,
	).Scan(&c.ID, &c.LegalName, &c.AKA, &c.Website, &c.Status,
		&c.Lineage.SourceType, &c.Lineage.SourceID, &c.Lineage.SourceURL,
		&c.Lineage.ExtractorVersion, &c.Lineage.Confidence,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get company %s", id)
	}
	c.Lineage.CreatedAt = c.CreatedAt
	c.Lineage.UpdatedAt = c.UpdatedAt
	return &c, nil
}

func (s *SQLiteStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, legal_name, aka, website, status,
		        source_type, source_id, source_url, extractor_version, extraction_confidence,
		        created_at, updated_at
		 FROM company ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list companies")
	}
	defer rows.Close()

	var out []model.Company
	for rows.Next() {
		var c model.Company
		if err := rows.Scan(&c.ID, &c.LegalName, &c.AKA, &c.Website, &c.Status,
			&c.Lineage.SourceType, &c.Lineage.SourceID, &c.Lineage.SourceURL,
			&c.Lineage.ExtractorVersion, &c.Lineage.Confidence,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list companies")
}

func (s *SQLiteStore) UpdateCompanyStatus(ctx context.Context, id string, status model.CompanyStatus) error {
	if !model.ValidCompanyStatus(status) {
		return eris.Errorf("sqlite: invalid company status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE company SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update company status %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("company not found: %s", id)
	}
	return nil
}

// sqliteApplier mirrors the pgx applier over database/sql.
type sqliteApplier struct {
	applyState
	tx *sql.Tx
}

func (s *SQLiteStore) ApplyEnvelope(ctx context.Context, env *model.Envelope) (*ApplyResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: apply envelope: begin tx")
	}
	defer tx.Rollback()

	res, err := sqliteApplyTx(ctx, tx, env)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: apply envelope: commit tx")
	}
	return res, nil
}

func (s *SQLiteStore) ApplyBatch(ctx context.Context, envs []*model.Envelope) ([]*ApplyResult, []error, error) {
	results := make([]*ApplyResult, len(envs))
	errs := make([]error, len(envs))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, eris.Wrap(err, "sqlite: apply batch: begin tx")
	}
	defer tx.Rollback()

	for i, env := range envs {
		sp := fmt.Sprintf("env_%d", i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			return nil, nil, eris.Wrap(err, "sqlite: apply batch: savepoint")
		}
		res, applyErr := sqliteApplyTx(ctx, tx, env)
		if applyErr != nil {
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO "+sp); err != nil {
				return nil, nil, eris.Wrap(err, "sqlite: apply batch: rollback savepoint")
			}
			errs[i] = applyErr
			continue
		}
		if _, err := tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
			return nil, nil, eris.Wrap(err, "sqlite: apply batch: release savepoint")
		}
		results[i] = res
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, eris.Wrap(err, "sqlite: apply batch: commit tx")
	}
	return results, errs, nil
}

func sqliteApplyTx(ctx context.Context, tx *sql.Tx, env *model.Envelope) (*ApplyResult, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}

	a := &sqliteApplier{
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

func (a *sqliteApplier) ensureCompany(ctx context.Context) error {
	env := a.env
	var (
		legalName, aka, website string
		status                  model.CompanyStatus
		conf                    float64
		srcType                 model.SourceType
	)
	err := a.tx.QueryRowContext(ctx,
		`SELECT legal_name, aka, website, status, extraction_confidence, source_type
		 FROM company WHERE id = ?`, env.CompanyID,
	).Scan(&legalName, &aka, &website, &status, &conf, &srcType)

	if err == sql.ErrNoRows {
		c := companyFromEnvelope(env)
		args := append([]any{c.ID, c.LegalName, c.AKA, c.Website, string(c.Status)},
			a.lineageArgs(env.OverallConfidence)...)
		if _, err := a.tx.ExecContext(ctx,
			`INSERT INTO company (id, legal_name, aka, website, status,
			 source_type, source_id, source_url, extractor_version, extraction_confidence, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			return eris.Wrapf(err, "sqlite: insert company %s", c.ID)
		}
		a.count("company", true)
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: get company %s", env.CompanyID)
	}

	cf := env.Facts.Company
	if cf == nil {
		return nil
	}

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
			return eris.Errorf("sqlite: invalid company status %q", cf.Status)
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
	if _, err := a.tx.ExecContext(ctx,
		`UPDATE company SET legal_name = ?, aka = ?, website = ?, status = ?,
		 source_type = ?, source_id = ?, source_url = ?, extractor_version = ?, extraction_confidence = ?, updated_at = ?
		 WHERE id = ?`, args...); err != nil {
		return eris.Wrapf(err, "sqlite: update company %s", env.CompanyID)
	}
	a.count("company", false)
	return nil
}

func (a *sqliteApplier) insertRound(ctx context.Context, r *model.Round) error {
	args := append([]any{a.env.CompanyID, r.Type, r.CloseDate.String(),
		decimalText(r.PreMoney), decimalText(r.PostMoney), decimalText(r.AmountInvested)},
		a.lineageArgs(0)...)
	_, err := a.tx.ExecContext(ctx,
		`INSERT INTO round (company_id, type, close_date, pre_money, post_money, amount_invested,
		 source_type, source_id, source_url, extractor_version, extraction_confidence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert round for %s", a.env.CompanyID)
	}
	a.count("round", true)
	return nil
}

func (a *sqliteApplier) upsertOwnership(ctx context.Context, o *model.Ownership) error {
	o.CompanyID = a.env.CompanyID
	if o.SecurityClass == "" {
		o.SecurityClass = "Common"
	}
	key := o.NaturalKey()
	value := ownershipValue(o)

	var (
		storedPct    string
		storedShares sql.NullString
		conf         float64
		srcType      model.SourceType
	)
	err := a.tx.QueryRowContext(ctx,
		`SELECT fully_diluted_pct, shares, extraction_confidence, source_type
		 FROM ownership WHERE company_id = ? AND as_of_date = ? AND security_class = ?`,
		o.CompanyID, o.AsOfDate.String(), o.SecurityClass,
	).Scan(&storedPct, &storedShares, &conf, &srcType)

	if err == sql.ErrNoRows {
		args := append([]any{o.CompanyID, o.AsOfDate.String(), o.SecurityClass,
			o.FullyDilutedPct.StringFixed(4), decimalText(o.Shares)},
			a.lineageArgs(0)...)
		if _, err := a.tx.ExecContext(ctx,
			`INSERT INTO ownership (company_id, as_of_date, security_class, fully_diluted_pct, shares,
			 source_type, source_id, source_url, extractor_version, extraction_confidence, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			return eris.Wrapf(err, "sqlite: insert ownership %s", key)
		}
		a.count("ownership", true)
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: get ownership %s", key)
	}

	stored := storedPct + "|" + storedShares.String
	write, err := a.resolve("ownership", key,
		scorer.Existing{Confidence: conf, SourceType: srcType, Value: stored},
		a.incoming(value, 0))
	if err != nil || !write {
		return err
	}

	args := append([]any{o.FullyDilutedPct.StringFixed(4), decimalText(o.Shares)}, a.lineageArgs(0)[:5]...)
	args = append(args, a.now, o.CompanyID, o.AsOfDate.String(), o.SecurityClass)
	if _, err := a.tx.ExecContext(ctx,
		`UPDATE ownership SET fully_diluted_pct = ?, shares = ?,
		 source_type = ?, source_id = ?, source_url = ?, extractor_version = ?, extraction_confidence = ?, updated_at = ?
		 WHERE company_id = ? AND as_of_date = ? AND security_class = ?`, args...); err != nil {
		return eris.Wrapf(err, "sqlite: update ownership %s", key)
	}
	a.count("ownership", false)
	return nil
}

func (a *sqliteApplier) upsertCashflow(ctx context.Context, c *model.Cashflow) error {
	c.CompanyID = a.env.CompanyID
	if !model.ValidCashflowKind(c.Kind) {
		return eris.Errorf("sqlite: invalid cashflow kind %q", c.Kind)
	}
	key := c.NaturalKey()
	value := cashflowValue(c)

	var (
		storedCf model.Cashflow
		conf     float64
		srcType  model.SourceType
	)
	err := a.tx.QueryRowContext(ctx,
		`SELECT kind, notes, future_override, extraction_confidence, source_type
		 FROM cashflow WHERE company_id = ? AND date = ? AND amount = ? AND wire_ref = ?`,
		c.CompanyID, c.Date.String(), c.Amount.StringFixed(2), c.WireRef,
	).Scan(&storedCf.Kind, &storedCf.Notes, &storedCf.FutureOverride, &conf, &srcType)

	if err == sql.ErrNoRows {
		args := append([]any{c.CompanyID, c.Date.String(), string(c.Kind),
			c.Amount.StringFixed(2), c.WireRef, c.Notes, c.FutureOverride},
			a.lineageArgs(0)...)
		if _, err := a.tx.ExecContext(ctx,
			`INSERT INTO cashflow (company_id, date, kind, amount, wire_ref, notes, future_override,
			 source_type, source_id, source_url, extractor_version, extraction_confidence, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			return eris.Wrapf(err, "sqlite: insert cashflow %s", key)
		}
		a.count("cashflow", true)
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: get cashflow %s", key)
	}

	write, err := a.resolve("cashflow", key,
		scorer.Existing{Confidence: conf, SourceType: srcType, Value: cashflowValue(&storedCf)},
		a.incoming(value, 0))
	if err != nil || !write {
		return err
	}

	args := append([]any{string(c.Kind), c.Notes, c.FutureOverride}, a.lineageArgs(0)[:5]...)
	args = append(args, a.now, c.CompanyID, c.Date.String(), c.Amount.StringFixed(2), c.WireRef)
	if _, err := a.tx.ExecContext(ctx,
		`UPDATE cashflow SET kind = ?, notes = ?, future_override = ?,
		 source_type = ?, source_id = ?, source_url = ?, extractor_version = ?, extraction_confidence = ?, updated_at = ?
		 WHERE company_id = ? AND date = ? AND amount = ? AND wire_ref = ?`, args...); err != nil {
		return eris.Wrapf(err, "sqlite: update cashflow %s", key)
	}
	a.count("cashflow", false)
	return nil
}

func (a *sqliteApplier) upsertUpdate(ctx context.Context, u *model.Update) error {
	u.CompanyID = a.env.CompanyID
	key := u.CompanyID + "|" + u.PeriodEnd.String()
	value := updateValue(u)

	metrics, err := json.Marshal(orEmptyMap(u.Metrics))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal update metrics")
	}

	var (
		storedUpd     model.Update
		storedMetrics []byte
		conf          float64
		srcType       model.SourceType
	)
	err = a.tx.QueryRowContext(ctx,
		`SELECT period_start, report_period, metrics, narrative, extraction_confidence, source_type
		 FROM company_update WHERE company_id = ? AND period_end = ?`,
		u.CompanyID, u.PeriodEnd.String(),
	).Scan(&storedUpd.PeriodStart, &storedUpd.Period, &storedMetrics, &storedUpd.Narrative, &conf, &srcType)

	if err == sql.ErrNoRows {
		args := append([]any{u.CompanyID, u.PeriodStart.String(), u.PeriodEnd.String(),
			u.Period, string(metrics), u.Narrative, u.Confidence},
			a.lineageArgs(u.Confidence)...)
		if _, err := a.tx.ExecContext(ctx,
			`INSERT INTO company_update (company_id, period_start, period_end, report_period, metrics, narrative, confidence,
			 source_type, source_id, source_url, extractor_version, extraction_confidence, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			return eris.Wrapf(err, "sqlite: insert update %s", key)
		}
		a.count("update", true)
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: get update %s", key)
	}

	if err := json.Unmarshal(storedMetrics, &storedUpd.Metrics); err != nil {
		return eris.Wrapf(err, "sqlite: unmarshal stored metrics %s", key)
	}
	write, err := a.resolve("update", key,
		scorer.Existing{Confidence: conf, SourceType: srcType, Value: updateValue(&storedUpd)},
		a.incoming(value, u.Confidence))
	if err != nil || !write {
		return err
	}

	args := append([]any{u.PeriodStart.String(), u.Period, string(metrics), u.Narrative, u.Confidence},
		a.lineageArgs(u.Confidence)[:5]...)
	args = append(args, a.now, u.CompanyID, u.PeriodEnd.String())
	if _, err := a.tx.ExecContext(ctx,
		`UPDATE company_update SET period_start = ?, report_period = ?, metrics = ?, narrative = ?, confidence = ?,
		 source_type = ?, source_id = ?, source_url = ?, extractor_version = ?, extraction_confidence = ?, updated_at = ?
		 WHERE company_id = ? AND period_end = ?`, args...); err != nil {
		return eris.Wrapf(err, "sqlite: update update %s", key)
	}
	a.count("update", false)
	return nil
}

func (a *sqliteApplier) upsertContact(ctx context.Context, c *model.Contact) error {
	c.CompanyID = a.env.CompanyID
	if c.Email == "" {
		return eris.New("sqlite: contact without email")
	}
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	key := c.CompanyID + "|" + c.Email
	value := contactValue(c)

	var (
		storedCt model.Contact
		conf     float64
		srcType  model.SourceType
	)
	err := a.tx.QueryRowContext(ctx,
		`SELECT name, role, phone, is_primary, extraction_confidence, source_type
		 FROM contact WHERE company_id = ? AND email = ?`,
		c.CompanyID, c.Email,
	).Scan(&storedCt.Name, &storedCt.Role, &storedCt.Phone, &storedCt.IsPrimary, &conf, &srcType)

	if err == sql.ErrNoRows {
		args := append([]any{c.CompanyID, c.Name, c.Role, c.Email, c.Phone, c.IsPrimary},
			a.lineageArgs(0)...)
		if _, err := a.tx.ExecContext(ctx,
			`INSERT INTO contact (company_id, name, role, email, phone, is_primary,
			 source_type, source_id, source_url, extractor_version, extraction_confidence, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			return eris.Wrapf(err, "sqlite: insert contact %s", key)
		}
		a.count("contact", true)
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: get contact %s", key)
	}

	write, err := a.resolve("contact", key,
		scorer.Existing{Confidence: conf, SourceType: srcType, Value: contactValue(&storedCt)},
		a.incoming(value, 0))
	if err != nil || !write {
		return err
	}

	args := append([]any{c.Name, c.Role, c.Phone, c.IsPrimary}, a.lineageArgs(0)[:5]...)
	args = append(args, a.now, c.CompanyID, c.Email)
	if _, err := a.tx.ExecContext(ctx,
		`UPDATE contact SET name = ?, role = ?, phone = ?, is_primary = ?,
		 source_type = ?, source_id = ?, source_url = ?, extractor_version = ?, extraction_confidence = ?, updated_at = ?
		 WHERE company_id = ? AND email = ?`, args...); err != nil {
		return eris.Wrapf(err, "sqlite: update contact %s", key)
	}
	a.count("contact", false)
	return nil
}

func (a *sqliteApplier) insertComm(ctx context.Context, c *model.Comm) error {
	c.CompanyID = a.env.CompanyID
	fields, err := json.Marshal(orEmptyMap(c.Fields))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal comm fields")
	}
	channel := c.Channel
	if channel == "" {
		channel = a.env.Source.Type
	}
	occurredAt := c.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = a.env.ReceivedAt
	}
	args := append([]any{c.CompanyID, string(channel), occurredAt, c.Summary, string(fields)},
		a.lineageArgs(0)...)
	if _, err := a.tx.ExecContext(ctx,
		`INSERT INTO comm (company_id, channel, occurred_at, summary, fields,
		 source_type, source_id, source_url, extractor_version, extraction_confidence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
		return eris.Wrapf(err, "sqlite: insert comm for %s", c.CompanyID)
	}
	a.count("comm", true)
	return nil
}

func (a *sqliteApplier) upsertDocument(ctx context.Context, d *model.DocumentRef) error {
	d.CompanyID = a.env.CompanyID
	if d.StorageURL == "" {
		return eris.New("sqlite: document without storage url")
	}
	key := d.CompanyID + "|" + d.StorageURL

	var (
		storedTitle, storedType string
		conf                    float64
		srcType                 model.SourceType
	)
	err := a.tx.QueryRowContext(ctx,
		`SELECT title, doc_type, extraction_confidence, source_type
		 FROM document_ref WHERE company_id = ? AND storage_url = ?`,
		d.CompanyID, d.StorageURL,
	).Scan(&storedTitle, &storedType, &conf, &srcType)

	if err == sql.ErrNoRows {
		args := append([]any{d.CompanyID, d.Title, d.DocType, d.StorageURL}, a.lineageArgs(0)...)
		if _, err := a.tx.ExecContext(ctx,
			`INSERT INTO document_ref (company_id, title, doc_type, storage_url,
			 source_type, source_id, source_url, extractor_version, extraction_confidence, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			return eris.Wrapf(err, "sqlite: insert document %s", key)
		}
		a.count("document", true)
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: get document %s", key)
	}

	write, err := a.resolve("document", key,
		scorer.Existing{Confidence: conf, SourceType: srcType, Value: storedTitle + "|" + storedType},
		a.incoming(d.Title+"|"+d.DocType, 0))
	if err != nil || !write {
		return err
	}

	args := append([]any{d.Title, d.DocType}, a.lineageArgs(0)[:5]...)
	args = append(args, a.now, d.CompanyID, d.StorageURL)
	if _, err := a.tx.ExecContext(ctx,
		`UPDATE document_ref SET title = ?, doc_type = ?,
		 source_type = ?, source_id = ?, source_url = ?, extractor_version = ?, extraction_confidence = ?, updated_at = ?
		 WHERE company_id = ? AND storage_url = ?`, args...); err != nil {
		return eris.Wrapf(err, "sqlite: update document %s", key)
	}
	a.count("document", false)
	return nil
}

func (s *SQLiteStore) EnqueuePending(ctx context.Context, pe model.PendingEnvelope) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_envelopes (id, hint, raw, received_at) VALUES (?, ?, ?, ?)`,
		pe.ID, pe.Hint, string(pe.Raw), pe.ReceivedAt)
	return eris.Wrapf(err, "sqlite: enqueue pending %s", pe.ID)
}

func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]model.PendingEnvelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hint, raw, received_at FROM pending_envelopes
		 WHERE resolved_at IS NULL ORDER BY received_at LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending")
	}
	defer rows.Close()

	var out []model.PendingEnvelope
	for rows.Next() {
		var pe model.PendingEnvelope
		var raw string
		if err := rows.Scan(&pe.ID, &pe.Hint, &raw, &pe.ReceivedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending")
		}
		pe.Raw = []byte(raw)
		out = append(out, pe)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list pending")
}

func (s *SQLiteStore) ResolvePending(ctx context.Context, id, companyID string) (*model.PendingEnvelope, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_envelopes SET resolved_at = ?, company_id = ?
		 WHERE id = ? AND resolved_at IS NULL`, now, companyID, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: resolve pending %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return nil, eris.Errorf("pending envelope not found or already resolved: %s", id)
	}

	var pe model.PendingEnvelope
	var raw string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, hint, raw, received_at, resolved_at, company_id
		 FROM pending_envelopes WHERE id = ?`, id,
	).Scan(&pe.ID, &pe.Hint, &raw, &pe.ReceivedAt, &pe.ResolvedAt, &pe.CompanyID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read pending %s", id)
	}
	pe.Raw = []byte(raw)
	return &pe, nil
}

func (s *SQLiteStore) AppendIngestion(ctx context.Context, entry model.IngestionLogEntry) error {
	records, err := json.Marshal(entry.Counts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record counts")
	}
	confidence, err := json.Marshal(entry.Confidence)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal confidence summary")
	}
	anomalies, err := json.Marshal(orEmptyAnomalies(entry.Anomalies))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal anomalies")
	}
	assumptions, err := json.Marshal(orEmptyStrings(entry.Assumptions))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal assumptions")
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingestion_log
		 (id, source_type, source_id, source_url, company_id, records, confidence, anomalies, assumptions, status, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Source.Type), entry.Source.ID, entry.Source.URL,
		nullString(entry.CompanyID), string(records), string(confidence),
		string(anomalies), string(assumptions),
		string(entry.Status), entry.Error, entry.DurationMS, createdAt)
	return eris.Wrapf(err, "sqlite: append ingestion %s", entry.ID)
}

func (s *SQLiteStore) ListIngestions(ctx context.Context, filter IngestionFilter) ([]model.IngestionLogEntry, error) {
	query := `SELECT id, source_type, source_id, source_url, company_id, records, confidence, anomalies, assumptions, status, error, duration_ms, created_at
	          FROM ingestion_log WHERE 1=1`
	args := []any{}
	if filter.CompanyID != "" {
		query += ` AND company_id = ?`
		args = append(args, filter.CompanyID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ingestions")
	}
	defer rows.Close()

	var out []model.IngestionLogEntry
	for rows.Next() {
		var e model.IngestionLogEntry
		var companyID sql.NullString
		var records, confidence, anomalies, assumptions string
		if err := rows.Scan(&e.ID, &e.Source.Type, &e.Source.ID, &e.Source.URL, &companyID,
			&records, &confidence, &anomalies, &assumptions,
			&e.Status, &e.Error, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ingestion")
		}
		e.CompanyID = companyID.String
		if err := json.Unmarshal([]byte(records), &e.Counts); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal record counts")
		}
		if err := json.Unmarshal([]byte(confidence), &e.Confidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal confidence summary")
		}
		if err := json.Unmarshal([]byte(anomalies), &e.Anomalies); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal anomalies")
		}
		if err := json.Unmarshal([]byte(assumptions), &e.Assumptions); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal assumptions")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list ingestions")
}

func (s *SQLiteStore) LatestOwnershipTotals(ctx context.Context, companyID string) ([]OwnershipTotal, error) {
	query := `SELECT o.company_id, o.as_of_date, SUM(CAST(o.fully_diluted_pct AS REAL))
	          FROM ownership o
	          JOIN (SELECT company_id, MAX(as_of_date) AS max_as_of
	                FROM ownership GROUP BY company_id) latest
	            ON o.company_id = latest.company_id AND o.as_of_date = latest.max_as_of`
	args := []any{}
	if companyID != "" {
		query += ` WHERE o.company_id = ?`
		args = append(args, companyID)
	}
	query += ` GROUP BY o.company_id, o.as_of_date ORDER BY o.company_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest ownership totals")
	}
	defer rows.Close()

	var out []OwnershipTotal
	for rows.Next() {
		var t OwnershipTotal
		var total float64
		if err := rows.Scan(&t.CompanyID, &t.AsOfDate, &total); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ownership total")
		}
		t.TotalPct = decimal.NewFromFloat(total)
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: latest ownership totals")
}

func (s *SQLiteStore) RoundsWithAllMoney(ctx context.Context, companyID string) ([]model.Round, error) {
	query := `SELECT id, company_id, type, close_date, pre_money, post_money, amount_invested
	          FROM round
	          WHERE pre_money IS NOT NULL AND post_money IS NOT NULL AND amount_invested IS NOT NULL`
	args := []any{}
	if companyID != "" {
		query += ` AND company_id = ?`
		args = append(args, companyID)
	}
	query += ` ORDER BY company_id, close_date`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rounds with money")
	}
	defer rows.Close()

	var out []model.Round
	for rows.Next() {
		var r model.Round
		var pre, post, amt sql.NullString
		if err := rows.Scan(&r.ID, &r.CompanyID, &r.Type, &r.CloseDate, &pre, &post, &amt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan round")
		}
		if r.PreMoney, err = parseDecimalPtr(pre); err != nil {
			return nil, err
		}
		if r.PostMoney, err = parseDecimalPtr(post); err != nil {
			return nil, err
		}
		if r.AmountInvested, err = parseDecimalPtr(amt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: rounds with money")
}

func (s *SQLiteStore) FutureCashflows(ctx context.Context, today model.Date, companyID string) ([]model.Cashflow, error) {
	query := `SELECT id, company_id, date, kind, amount, wire_ref, notes, future_override
	          FROM cashflow
	          WHERE date > ? AND NOT (kind = 'Other' AND future_override)`
	args := []any{today.String()}
	if companyID != "" {
		query += ` AND company_id = ?`
		args = append(args, companyID)
	}
	query += ` ORDER BY company_id, date`
	return s.queryCashflows(ctx, query, args, "future cashflows")
}

func (s *SQLiteStore) NearDuplicateCashflows(ctx context.Context, companyID string) ([]model.Cashflow, error) {
	query := `SELECT c.id, c.company_id, c.date, c.kind, c.amount, c.wire_ref, c.notes, c.future_override
	          FROM cashflow c
	          JOIN (SELECT company_id, date, amount FROM cashflow
	                GROUP BY company_id, date, amount
	                HAVING COUNT(*) > 1) dup
	            ON c.company_id = dup.company_id AND c.date = dup.date AND c.amount = dup.amount`
	args := []any{}
	if companyID != "" {
		query += ` WHERE c.company_id = ?`
		args = append(args, companyID)
	}
	query += ` ORDER BY c.company_id, c.date, c.amount, c.wire_ref`
	return s.queryCashflows(ctx, query, args, "near-duplicate cashflows")
}

func (s *SQLiteStore) queryCashflows(ctx context.Context, query string, args []any, op string) ([]model.Cashflow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close()

	var out []model.Cashflow
	for rows.Next() {
		var c model.Cashflow
		if err := rows.Scan(&c.ID, &c.CompanyID, &c.Date, &c.Kind, &c.Amount,
			&c.WireRef, &c.Notes, &c.FutureOverride); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cashflow")
		}
		out = append(out, c)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: %s", op)
}

func (s *SQLiteStore) MisorderedUpdates(ctx context.Context, companyID string) ([]model.Update, error) {
	query := `SELECT id, company_id, period_start, period_end, report_period, narrative, confidence
	          FROM company_update WHERE period_end < period_start`
	args := []any{}
	if companyID != "" {
		query += ` AND company_id = ?`
		args = append(args, companyID)
	}
	query += ` ORDER BY company_id, period_end`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: misordered updates")
	}
	defer rows.Close()

	var out []model.Update
	for rows.Next() {
		var u model.Update
		if err := rows.Scan(&u.ID, &u.CompanyID, &u.PeriodStart, &u.PeriodEnd,
			&u.Period, &u.Narrative, &u.Confidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan update")
		}
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: misordered updates")
}

func (s *SQLiteStore) CompanySummaries(ctx context.Context) ([]model.CompanySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.legal_name, c.status,
		       (SELECT SUM(CAST(fully_diluted_pct AS REAL)) FROM ownership o
		        WHERE o.company_id = c.id
		          AND o.as_of_date = (SELECT MAX(as_of_date) FROM ownership WHERE company_id = c.id)),
		       COALESCE((SELECT SUM(CAST(amount AS REAL)) FROM cashflow
		                 WHERE company_id = c.id AND kind = 'Investment'), 0),
		       COALESCE((SELECT SUM(CAST(amount AS REAL)) FROM cashflow
		                 WHERE company_id = c.id AND kind IN ('Distribution', 'Dividend', 'Royalty')), 0),
		       (SELECT MAX(period_end) FROM company_update WHERE company_id = c.id)
		FROM company c ORDER BY c.id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: company summaries")
	}
	defer rows.Close()

	today := model.Today()
	var out []model.CompanySummary
	for rows.Next() {
		var cs model.CompanySummary
		var pct sql.NullFloat64
		var invested, distributed float64
		var lastPeriodEnd model.Date
		if err := rows.Scan(&cs.CompanyID, &cs.LegalName, &cs.Status, &pct,
			&invested, &distributed, &lastPeriodEnd); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company summary")
		}
		if pct.Valid {
			v := decimal.NewFromFloat(pct.Float64).StringFixed(2)
			cs.LatestOwnership = &v
		}
		cs.TotalInvested = decimal.NewFromFloat(invested).StringFixed(2)
		cs.TotalDistributed = decimal.NewFromFloat(distributed).StringFixed(2)
		if !lastPeriodEnd.IsZero() {
			days := today.DaysSince(lastPeriodEnd)
			cs.DaysSinceUpdate = &days
		}
		out = append(out, cs)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: company summaries")
}

func decimalText(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.StringFixed(4)
}

func parseDecimalPtr(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse decimal %q", ns.String)
	}
	return &d, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
