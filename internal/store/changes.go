package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"collabhub/api/internal/ledger"
	"collabhub/api/internal/rbac"
)

// SQLStore persists the change ledger and project capabilities in Postgres
// or SQLite.
type SQLStore struct {
	db                   *sql.DB
	dialect              dialect
	allowMultiplePending bool
}

var (
	_ ledger.Store  = (*SQLStore)(nil)
	_ rbac.Resolver = (*SQLStore)(nil)
)

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func NewPostgresStore(db *sql.DB, allowMultiplePending bool) *SQLStore {
	return &SQLStore{db: db, dialect: dialectPostgres, allowMultiplePending: allowMultiplePending}
}

func NewSQLiteStore(db *sql.DB, allowMultiplePending bool) *SQLStore {
	return &SQLStore{db: db, dialect: dialectSQLite, allowMultiplePending: allowMultiplePending}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// IsPostgres reports whether full-text search can run in the database.
func (s *SQLStore) IsPostgres() bool {
	return s.dialect == dialectPostgres
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

const changeColumns = `id, project_id, branch_name, file_path, new_path, change_type, proposed_content, diff,
		author_id, author_name, created_at, status, reviewer_id, reviewer_name, reviewed_at, review_comment`

func (s *SQLStore) InsertChange(ctx context.Context, record ledger.ChangeRecord) error {
	var pendingPath any
	if !s.allowMultiplePending {
		pendingPath = record.FilePath
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO change_records (id, project_id, branch_name, file_path, new_path, change_type, proposed_content, diff,
			author_id, author_name, created_at, status, pending_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending', $12)
	`), record.ID, record.ProjectID, record.BranchName, record.FilePath, record.NewPath, string(record.ChangeType),
		record.ProposedContent, record.Diff, record.AuthorID, record.AuthorName, record.CreatedAt.UTC(), pendingPath)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return rbac.ErrProjectNotFound
		}
		return fmt.Errorf("insert change: %w", err)
	}
	return nil
}

func (s *SQLStore) GetChange(ctx context.Context, changeID string) (ledger.ChangeRecord, error) {
	return s.getChange(ctx, s.db, changeID)
}

func (s *SQLStore) getChange(ctx context.Context, q queryRower, changeID string) (ledger.ChangeRecord, error) {
	row := q.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+changeColumns+` FROM change_records WHERE id=$1`), changeID)
	record, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ChangeRecord{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.ChangeRecord{}, fmt.Errorf("get change: %w", err)
	}
	return record, nil
}

func (s *SQLStore) ListChanges(ctx context.Context, filter ledger.Filter) ([]ledger.ChangeRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT `+changeColumns+`
		FROM change_records
		WHERE ($1 = '' OR project_id = $1)
		  AND ($2 = '' OR branch_name = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC, seq DESC
		LIMIT $4
	`), filter.ProjectID, filter.Branch, string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	items := make([]ledger.ChangeRecord, 0)
	for rows.Next() {
		record, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return items, nil
}

// TransitionChange claims the record with a conditional update inside a
// transaction. Concurrent callers block on the row (Postgres) or the single
// connection (SQLite); whoever comes second matches no pending row. apply runs
// before commit, so a failed storage write rolls the decision back.
func (s *SQLStore) TransitionChange(ctx context.Context, transition ledger.Transition, apply ledger.ApplyFunc) (ledger.ChangeRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.ChangeRecord{}, fmt.Errorf("begin transition tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx, s.dialect.rebind(`
		UPDATE change_records
		SET status=$2, reviewer_id=$3, reviewer_name=$4, reviewed_at=$5, review_comment=$6, pending_path=NULL
		WHERE id=$1 AND status='pending'
	`), transition.ID, string(transition.Status), transition.ReviewerID, transition.ReviewerName,
		transition.At.UTC(), nullableString(transition.Comment))
	if err != nil {
		return ledger.ChangeRecord{}, fmt.Errorf("transition change: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return ledger.ChangeRecord{}, fmt.Errorf("transition change rows: %w", err)
	}
	if affected == 0 {
		var status string
		err := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT status FROM change_records WHERE id=$1`), transition.ID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ChangeRecord{}, ledger.ErrNotFound
		}
		if err != nil {
			return ledger.ChangeRecord{}, fmt.Errorf("read change status: %w", err)
		}
		return ledger.ChangeRecord{}, ledger.ErrInvalidState
	}

	record, err := s.getChange(ctx, tx, transition.ID)
	if err != nil {
		return ledger.ChangeRecord{}, err
	}
	if apply != nil {
		if err := apply(ctx, record); err != nil {
			return ledger.ChangeRecord{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ledger.ChangeRecord{}, fmt.Errorf("commit transition: %w", err)
	}
	committed = true
	return record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (ledger.ChangeRecord, error) {
	var (
		record        ledger.ChangeRecord
		changeType    string
		status        string
		reviewerID    sql.NullString
		reviewerName  sql.NullString
		reviewedAt    sql.NullTime
		reviewComment sql.NullString
	)
	if err := row.Scan(
		&record.ID,
		&record.ProjectID,
		&record.BranchName,
		&record.FilePath,
		&record.NewPath,
		&changeType,
		&record.ProposedContent,
		&record.Diff,
		&record.AuthorID,
		&record.AuthorName,
		&record.CreatedAt,
		&status,
		&reviewerID,
		&reviewerName,
		&reviewedAt,
		&reviewComment,
	); err != nil {
		return ledger.ChangeRecord{}, err
	}
	record.ChangeType = ledger.ChangeType(changeType)
	record.Status = ledger.Status(status)
	record.CreatedAt = record.CreatedAt.UTC()
	if reviewerID.Valid {
		record.ReviewerID = &reviewerID.String
	}
	if reviewerName.Valid {
		record.ReviewerName = &reviewerName.String
	}
	if reviewedAt.Valid {
		at := reviewedAt.Time.UTC()
		record.ReviewedAt = &at
	}
	if reviewComment.Valid {
		record.ReviewComment = &reviewComment.String
	}
	return record, nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
