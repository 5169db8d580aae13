package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/models"
)

// Every statement below carries the (tenant_id, user_id) predicate; there is
// no statement that reads or writes rows without it.
const (
	queryList = `
	SELECT tenant_id, user_id, collection, entity_id, data, updated_at
	FROM records WHERE tenant_id = ? AND user_id = ? AND collection = ?
	ORDER BY updated_at, entity_id`

	queryGet = `
	SELECT tenant_id, user_id, collection, entity_id, data, updated_at
	FROM records WHERE tenant_id = ? AND user_id = ? AND collection = ? AND entity_id = ?`

	queryUpsert = `
	INSERT INTO records (tenant_id, user_id, collection, entity_id, data, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (tenant_id, user_id, collection, entity_id)
	DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`

	queryDelete = `
	DELETE FROM records WHERE tenant_id = ? AND user_id = ? AND collection = ? AND entity_id = ?`
)

// Repository stores scoped LocalRecords in SQLite.
type Repository struct {
	db    *sql.DB
	owned *DB

	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// OpenRepository opens the database at path and returns a Repository that
// closes it on Close.
func OpenRepository(path string) (*Repository, error) {
	conn, err := Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrLocalStore, "open", err)
	}
	r := NewRepository(conn.DB)
	r.owned = conn
	return r, nil
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored one first, close our duplicate.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Init applies the embedded schema migrations.
func (r *Repository) Init(ctx context.Context) error {
	if err := NewMigrator(r.db, Migrations()).Up(ctx); err != nil {
		return errors.Wrap(errors.ErrLocalStore, "migrate", err)
	}
	return nil
}

// List returns every record of a collection within scope.
func (r *Repository) List(ctx context.Context, scope models.Scope, collection string) ([]models.LocalRecord, error) {
	stmt, err := r.PrepareStmt(ctx, queryList)
	if err != nil {
		return nil, errors.Wrap(errors.ErrLocalStore, "list", err)
	}

	rows, err := stmt.QueryContext(ctx, scope.TenantID, scope.UserID, collection)
	if err != nil {
		return nil, errors.Wrap(errors.ErrLocalStore, "list", err)
	}
	defer rows.Close()

	var records []models.LocalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrLocalStore, "list", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrLocalStore, "list", err)
	}
	return records, nil
}

// Get returns one record within scope, or an ErrNotFound AppError.
func (r *Repository) Get(ctx context.Context, scope models.Scope, collection, id string) (*models.LocalRecord, error) {
	stmt, err := r.PrepareStmt(ctx, queryGet)
	if err != nil {
		return nil, errors.Wrap(errors.ErrLocalStore, "get", err)
	}

	rec, err := scanRecord(stmt.QueryRowContext(ctx, scope.TenantID, scope.UserID, collection, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("%s/%s not found", collection, id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrLocalStore, "get", err)
	}
	return &rec, nil
}

// Write applies mutations atomically in one transaction.
func (r *Repository) Write(ctx context.Context, mutations []models.Mutation) error {
	if len(mutations) == 0 {
		return nil
	}

	upsert, err := r.PrepareStmt(ctx, queryUpsert)
	if err != nil {
		return errors.Wrap(errors.ErrLocalStore, "write", err)
	}
	del, err := r.PrepareStmt(ctx, queryDelete)
	if err != nil {
		return errors.Wrap(errors.ErrLocalStore, "write", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrLocalStore, "begin", err)
	}
	defer tx.Rollback()

	txUpsert := tx.StmtContext(ctx, upsert)
	txDelete := tx.StmtContext(ctx, del)

	for i := range mutations {
		m := &mutations[i]
		if err := m.Validate(); err != nil {
			return errors.Wrap(errors.ErrInvalid, "write", err)
		}
		s := m.Scope
		switch m.Kind {
		case models.MutationUpsert:
			data := m.Data
			if len(data) == 0 {
				data = json.RawMessage("null")
			}
			_, err = txUpsert.ExecContext(ctx, s.TenantID, s.UserID, m.Collection, m.EntityID,
				string(data), m.At.UnixMilli())
		case models.MutationDelete:
			_, err = txDelete.ExecContext(ctx, s.TenantID, s.UserID, m.Collection, m.EntityID)
		}
		if err != nil {
			return errors.Wrap(errors.ErrLocalStore, "write", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrLocalStore, "commit", err)
	}
	return nil
}

// Close closes all cached prepared statements, and the database when the
// Repository opened it.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	if r.owned != nil {
		if err := r.owned.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (models.LocalRecord, error) {
	var rec models.LocalRecord
	var data string
	var updatedAt int64
	if err := row.Scan(&rec.TenantID, &rec.UserID, &rec.Collection, &rec.EntityID, &data, &updatedAt); err != nil {
		return rec, err
	}
	rec.Data = json.RawMessage(data)
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}
