package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sicko7947/stepflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "postgres")), mock
}

var outcomeRowColumns = []string{
	"reference", "workflow_type", "instance_id", "submitted_fields", "files_count",
	"status", "supplement_of", "created_at", "updated_at",
}

func TestPostgresStore_Append(t *testing.T) {
	s, mock := newMockPostgres(t)
	created := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	o := testOutcome("#SF-2026-00001", "fraud_report", created, map[string]any{"suspectEmail": "a@b.c"})
	o.FilesCount = 2

	mock.ExpectExec("INSERT INTO outcomes").
		WithArgs(o.ReferenceID, "fraud_report", o.InstanceID, []byte(`{"suspectEmail":"a@b.c"}`), 2, "pending", nil, created, created).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Append(context.Background(), o))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendDuplicate(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec("INSERT INTO outcomes").
		WillReturnError(&pq.Error{Code: pqUniqueViolation, Message: "duplicate key value"})

	err := s.Append(context.Background(), testOutcome("r", "fraud_report", time.Now(), nil))
	assert.ErrorIs(t, err, stepflow.ErrDuplicateReference)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	s, mock := newMockPostgres(t)
	created := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM outcomes WHERE reference = $1")).
		WithArgs("#SF-2026-00002").
		WillReturnRows(sqlmock.NewRows(outcomeRowColumns).
			AddRow("#SF-2026-00002", "fraud_report", "inst", []byte(`{"suspectPhone":"0612345678"}`), 1, "in_review", "#SF-2026-00001", created, created))

	got, err := s.Get(context.Background(), "#SF-2026-00002")
	require.NoError(t, err)
	assert.Equal(t, stepflow.OutcomeStatusInReview, got.Status)
	assert.Equal(t, "#SF-2026-00001", got.SupplementOf)
	assert.Equal(t, "0612345678", got.FieldString("suspectPhone"))
	assert.Equal(t, 1, got.FilesCount)

	mock.ExpectQuery("FROM outcomes WHERE reference").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(outcomeRowColumns))
	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, stepflow.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List(t *testing.T) {
	s, mock := newMockPostgres(t)
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	created := since.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE workflow_type = $1 AND created_at >= $2 ORDER BY created_at DESC, reference DESC LIMIT $3")).
		WithArgs("fraud_report", since, 5).
		WillReturnRows(sqlmock.NewRows(outcomeRowColumns).
			AddRow("b", "fraud_report", "i2", []byte(`{}`), 0, "pending", nil, created.Add(time.Minute), created).
			AddRow("a", "fraud_report", "i1", []byte(`{}`), 0, "pending", nil, created, created))

	refs := collect(t, s.List(context.Background(), stepflow.OutcomeFilter{WorkflowType: "fraud_report", Since: since, Limit: 5}))
	assert.Equal(t, []string{"b", "a"}, refs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListQuery(t *testing.T) {
	q, args := listQuery(stepflow.OutcomeFilter{})
	assert.NotContains(t, q, "WHERE")
	assert.Empty(t, args)

	q, args = listQuery(stepflow.OutcomeFilter{Status: stepflow.OutcomeStatusResolved})
	assert.Contains(t, q, "WHERE status = $1")
	assert.Equal(t, []any{"resolved"}, args)
}

func TestPostgresStore_UpdateStatus(t *testing.T) {
	s, mock := newMockPostgres(t)
	fixed := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	mock.ExpectExec("UPDATE outcomes SET status").
		WithArgs("resolved", fixed, "a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outcomes SET status").
		WithArgs("resolved", fixed, "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	require.NoError(t, s.UpdateStatus(ctx, "a", stepflow.OutcomeStatusResolved))
	assert.ErrorIs(t, s.UpdateStatus(ctx, "missing", stepflow.OutcomeStatusResolved), stepflow.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS outcomes").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
