package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sicko7947/stepflow"
)

// PostgresSchema creates the outcomes table and its listing indexes
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS outcomes (
	reference        TEXT PRIMARY KEY,
	workflow_type    TEXT NOT NULL,
	instance_id      TEXT NOT NULL,
	submitted_fields JSONB NOT NULL,
	files_count      INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	supplement_of    TEXT REFERENCES outcomes(reference),
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS outcomes_created_idx ON outcomes (created_at DESC);
CREATE INDEX IF NOT EXISTS outcomes_type_created_idx ON outcomes (workflow_type, created_at DESC);
`

const pqUniqueViolation = "23505"

const outcomeColumns = `reference, workflow_type, instance_id, submitted_fields, files_count, status, supplement_of, created_at, updated_at`

type outcomeRow struct {
	Reference       string         `db:"reference"`
	WorkflowType    string         `db:"workflow_type"`
	InstanceID      string         `db:"instance_id"`
	SubmittedFields []byte         `db:"submitted_fields"`
	FilesCount      int            `db:"files_count"`
	Status          string         `db:"status"`
	SupplementOf    sql.NullString `db:"supplement_of"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *outcomeRow) toOutcome() (*stepflow.Outcome, error) {
	o := &stepflow.Outcome{
		ReferenceID:  r.Reference,
		WorkflowType: stepflow.WorkflowType(r.WorkflowType),
		InstanceID:   r.InstanceID,
		FilesCount:   r.FilesCount,
		Status:       stepflow.OutcomeStatus(r.Status),
		SupplementOf: r.SupplementOf.String,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if err := json.Unmarshal(r.SubmittedFields, &o.SubmittedFields); err != nil {
		return nil, fmt.Errorf("failed to decode submitted fields of %s: %w", r.Reference, err)
	}
	return o, nil
}

// PostgresStore implements stepflow.OutcomeStore on PostgreSQL
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPostgresStore creates a store over an open connection pool
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate applies PostgresSchema
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("failed to migrate outcomes schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, outcome *stepflow.Outcome) error {
	fields, err := json.Marshal(outcome.SubmittedFields)
	if err != nil {
		return fmt.Errorf("failed to encode submitted fields: %w", err)
	}

	var supplementOf sql.NullString
	if outcome.SupplementOf != "" {
		supplementOf = sql.NullString{String: outcome.SupplementOf, Valid: true}
	}

	query := `INSERT INTO outcomes (` + outcomeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.db.ExecContext(ctx, query,
		outcome.ReferenceID,
		string(outcome.WorkflowType),
		outcome.InstanceID,
		fields,
		outcome.FilesCount,
		string(outcome.Status),
		supplementOf,
		outcome.CreatedAt,
		outcome.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("outcome %s: %w", outcome.ReferenceID, stepflow.ErrDuplicateReference)
		}
		return fmt.Errorf("failed to append outcome: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, reference string) (*stepflow.Outcome, error) {
	var row outcomeRow
	query := `SELECT ` + outcomeColumns + ` FROM outcomes WHERE reference = $1`
	if err := s.db.GetContext(ctx, &row, query, reference); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("outcome %s: %w", reference, stepflow.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get outcome: %w", err)
	}
	return row.toOutcome()
}

func (s *PostgresStore) List(ctx context.Context, filter stepflow.OutcomeFilter) iter.Seq2[*stepflow.Outcome, error] {
	return func(yield func(*stepflow.Outcome, error) bool) {
		query, args := listQuery(filter)
		rows, err := s.db.QueryxContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("failed to list outcomes: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row outcomeRow
			if err := rows.StructScan(&row); err != nil {
				yield(nil, fmt.Errorf("failed to scan outcome: %w", err))
				return
			}
			o, err := row.toOutcome()
			if !yield(o, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("failed to list outcomes: %w", err))
		}
	}
}

func listQuery(filter stepflow.OutcomeFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.WorkflowType != "" {
		args = append(args, string(filter.WorkflowType))
		where = append(where, fmt.Sprintf("workflow_type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + outcomeColumns + ` FROM outcomes`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, reference DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, reference string, status stepflow.OutcomeStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("unknown outcome status %q", status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE outcomes SET status = $1, updated_at = $2 WHERE reference = $3`,
		string(status), s.now(), reference)
	if err != nil {
		return fmt.Errorf("failed to update outcome status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update outcome status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("outcome %s: %w", reference, stepflow.ErrNotFound)
	}
	return nil
}

var _ stepflow.OutcomeStore = (*PostgresStore)(nil)
