package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// DBInterface is satisfied by both *sqlx.DB and *sqlx.Tx.
type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PoolConfig tunes the connection pool of the postgres store.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore keeps every entity as a JSONB document next to the columns
// used for lookups.
type PostgresStore struct {
	db DBInterface
}

var _ storage.Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, connStr string, pool PoolConfig) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &PostgresStore{db: db}, nil
}

// Begin returns a store whose writes are visible only after Commit.
func (s *PostgresStore) Begin(ctx context.Context) (*PostgresStore, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, errors.New("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return errors.New("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return errors.New("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.PingContext(ctx)
	}
	var one int
	return s.db.GetContext(ctx, &one, "SELECT 1")
}

func (s *PostgresStore) getDoc(ctx context.Context, v interface{}, query string, args ...interface{}) error {
	var doc []byte
	err := s.db.GetContext(ctx, &doc, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(doc, v)
}

func (s *PostgresStore) selectDocs(ctx context.Context, query string, args ...interface{}) ([][]byte, error) {
	var docs [][]byte
	if err := s.db.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *PostgresStore) exec(ctx context.Context, what, query string, args ...interface{}) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, what)
	}
	return nil
}

func (s *PostgresStore) deleteByID(ctx context.Context, table, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = $1", id)
	if err != nil {
		return errors.Wrapf(err, "delete %s %s", table, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func encodeDoc(id string, v interface{}) ([]byte, error) {
	if id == "" {
		return nil, errors.New("empty id")
	}
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", id)
	}
	return doc, nil
}

func decodeDocs[T any](docs [][]byte) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, errors.Wrap(err, "decode document")
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *PostgresStore) SaveWorkflow(ctx context.Context, w models.WorkflowDefinition) error {
	doc, err := encodeDoc(w.ID, w)
	if err != nil {
		return err
	}
	return s.exec(ctx, "save workflow", `
		INSERT INTO workflows (id, name, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, doc = EXCLUDED.doc, updated_at = CURRENT_TIMESTAMP`,
		w.ID, w.Name, doc, w.CreatedAt)
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (models.WorkflowDefinition, error) {
	var w models.WorkflowDefinition
	err := s.getDoc(ctx, &w, "SELECT doc FROM workflows WHERE id = $1", id)
	return w, err
}

func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]models.WorkflowDefinition, error) {
	docs, err := s.selectDocs(ctx, "SELECT doc FROM workflows ORDER BY id")
	if err != nil {
		return nil, err
	}
	return decodeDocs[models.WorkflowDefinition](docs)
}

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "workflows", id)
}

func (s *PostgresStore) SaveExecution(ctx context.Context, e models.WorkflowExecution) error {
	doc, err := encodeDoc(e.ID, e)
	if err != nil {
		return err
	}
	return s.exec(ctx, "save execution", `
		INSERT INTO workflow_executions (id, workflow_id, status, doc, updated_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, doc = EXCLUDED.doc, updated_at = CURRENT_TIMESTAMP`,
		e.ID, e.WorkflowID, e.Status, doc)
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	err := s.getDoc(ctx, &e, "SELECT doc FROM workflow_executions WHERE id = $1", id)
	return e, err
}

func (s *PostgresStore) ListExecutions(ctx context.Context, workflowID string) ([]models.WorkflowExecution, error) {
	docs, err := s.selectDocs(ctx,
		"SELECT doc FROM workflow_executions WHERE $1::text = '' OR workflow_id = $1 ORDER BY id", workflowID)
	if err != nil {
		return nil, err
	}
	return decodeDocs[models.WorkflowExecution](docs)
}

func (s *PostgresStore) SaveTask(ctx context.Context, t models.TaskDefinition) error {
	doc, err := encodeDoc(t.ID, t)
	if err != nil {
		return err
	}
	return s.exec(ctx, "save task", `
		INSERT INTO tasks (id, name, doc, updated_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, doc = EXCLUDED.doc, updated_at = CURRENT_TIMESTAMP`,
		t.ID, t.Name, doc)
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (models.TaskDefinition, error) {
	var t models.TaskDefinition
	err := s.getDoc(ctx, &t, "SELECT doc FROM tasks WHERE id = $1", id)
	return t, err
}

func (s *PostgresStore) ListTasks(ctx context.Context) ([]models.TaskDefinition, error) {
	docs, err := s.selectDocs(ctx, "SELECT doc FROM tasks ORDER BY id")
	if err != nil {
		return nil, err
	}
	return decodeDocs[models.TaskDefinition](docs)
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "tasks", id)
}

func (s *PostgresStore) SaveTaskExecution(ctx context.Context, e models.TaskExecution) error {
	doc, err := encodeDoc(e.ID, e)
	if err != nil {
		return err
	}
	return s.exec(ctx, "save task execution", `
		INSERT INTO task_executions (id, task_id, status, doc, updated_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, doc = EXCLUDED.doc, updated_at = CURRENT_TIMESTAMP`,
		e.ID, e.TaskID, e.Status, doc)
}

func (s *PostgresStore) ListTaskExecutions(ctx context.Context, taskID string) ([]models.TaskExecution, error) {
	docs, err := s.selectDocs(ctx,
		"SELECT doc FROM task_executions WHERE $1::text = '' OR task_id = $1 ORDER BY id", taskID)
	if err != nil {
		return nil, err
	}
	return decodeDocs[models.TaskExecution](docs)
}

func (s *PostgresStore) SaveAllocation(ctx context.Context, a models.ResourceAllocation) error {
	doc, err := encodeDoc(a.ID, a)
	if err != nil {
		return err
	}
	return s.exec(ctx, "save allocation", `
		INSERT INTO resource_allocations (id, resource_type, doc, updated_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE
		SET resource_type = EXCLUDED.resource_type, doc = EXCLUDED.doc, updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.Type, doc)
}

func (s *PostgresStore) ListAllocations(ctx context.Context) ([]models.ResourceAllocation, error) {
	docs, err := s.selectDocs(ctx, "SELECT doc FROM resource_allocations ORDER BY id")
	if err != nil {
		return nil, err
	}
	return decodeDocs[models.ResourceAllocation](docs)
}

func (s *PostgresStore) DeleteAllocation(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "resource_allocations", id)
}
