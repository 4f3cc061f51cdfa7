package store

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/crestview-partners/portfolio-cli/internal/model"
)

// ErrBlockingConflict is returned when an envelope carries a value that
// disagrees with a stored value at identical confidence. The envelope's
// transaction is rolled back and the attempt logged as failed.
var ErrBlockingConflict = eris.New("store: irreconcilable conflict at equal confidence")

// ErrUnsupported is returned by backends that do not implement an
// operation (the SQLite backend has no bulk fast path).
var ErrUnsupported = eris.New("store: operation not supported by this backend")

// ApplyResult reports what one envelope did to the canonical store.
type ApplyResult struct {
	CompanyID string
	Counts    model.RecordCounts
	// Anomalies discovered during the write itself: suppressed
	// lower-confidence conflicts and true-duplicate no-ops.
	Anomalies []model.Anomaly
}

// OwnershipTotal is the summed fully-diluted percentage across security
// classes for one company at its latest as-of date.
type OwnershipTotal struct {
	CompanyID string
	AsOfDate  model.Date
	TotalPct  decimal.Decimal
}

// IngestionFilter narrows ingestion-log listings.
type IngestionFilter struct {
	CompanyID string
	Status    model.IngestionStatus
	Limit     int
	Offset    int
}

// Store is the persistence interface for the ingestion engine. The
// Postgres implementation is the system of record; the SQLite
// implementation backs local and offline work.
type Store interface {
	// Companies. Companies are created on first reference and never
	// deleted; UpdateCompanyStatus is the only mutation besides lineage.
	GetCompany(ctx context.Context, id string) (*model.Company, error)
	ListCompanies(ctx context.Context) ([]model.Company, error)
	UpdateCompanyStatus(ctx context.Context, id string, status model.CompanyStatus) error

	// ApplyEnvelope maps envelope facts onto canonical rows inside one
	// transaction: every derived row commits, or none does. Conflicts
	// resolve by the confidence policy; an irreconcilable conflict
	// returns ErrBlockingConflict with nothing applied.
	ApplyEnvelope(ctx context.Context, env *model.Envelope) (*ApplyResult, error)

	// ApplyBatch applies a chunk of envelopes in a single transaction,
	// isolating each envelope in a savepoint so one blocked envelope
	// does not discard its siblings.
	ApplyBatch(ctx context.Context, envs []*model.Envelope) ([]*ApplyResult, []error, error)

	// Pending queue for envelopes whose company could not be resolved.
	EnqueuePending(ctx context.Context, pe model.PendingEnvelope) error
	ListPending(ctx context.Context, limit int) ([]model.PendingEnvelope, error)
	ResolvePending(ctx context.Context, id, companyID string) (*model.PendingEnvelope, error)

	// Ingestion log: append-only, write-once.
	AppendIngestion(ctx context.Context, entry model.IngestionLogEntry) error
	ListIngestions(ctx context.Context, filter IngestionFilter) ([]model.IngestionLogEntry, error)

	// Reconciliation reads.
	LatestOwnershipTotals(ctx context.Context, companyID string) ([]OwnershipTotal, error)
	RoundsWithAllMoney(ctx context.Context, companyID string) ([]model.Round, error)
	FutureCashflows(ctx context.Context, today model.Date, companyID string) ([]model.Cashflow, error)
	MisorderedUpdates(ctx context.Context, companyID string) ([]model.Update, error)
	NearDuplicateCashflows(ctx context.Context, companyID string) ([]model.Cashflow, error)

	// Derived read view.
	CompanySummaries(ctx context.Context) ([]model.CompanySummary, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
