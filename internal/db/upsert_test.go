package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "portfolio.cashflow",
		Columns:      []string{"company_id", "amount"},
		ConflictKeys: []string{"company_id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "portfolio.cashflow",
		ConflictKeys: []string{"company_id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "portfolio.cashflow",
		Columns: []string{"company_id", "amount"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_WithGuard(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_portfolio_ownership"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_portfolio_ownership"},
		[]string{"company_id", "as_of_date", "security_class", "fully_diluted_pct", "extraction_confidence"}).
		WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "portfolio"."ownership" .* ON CONFLICT .* DO UPDATE SET .* WHERE ownership.extraction_confidence <= EXCLUDED.extraction_confidence`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "portfolio.ownership",
		Columns:      []string{"company_id", "as_of_date", "security_class", "fully_diluted_pct", "extraction_confidence"},
		ConflictKeys: []string{"company_id", "as_of_date", "security_class"},
		Guard:        "ownership.extraction_confidence <= EXCLUDED.extraction_confidence",
	}, [][]any{{"acme", "2025-01-01", "Common", "42.50", 0.9}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"portfolio.cashflow", `"portfolio"."cashflow"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
