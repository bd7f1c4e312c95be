// Package postgres implements store.Store on PostgreSQL via jackc/pgx/v5,
// grounded on the teacher's framework/adapters/repository/postgres.go
// generic PostgresRepository[T] — adapted here from a generic
// entity-as-JSON-blob repository into a fixed-schema saga table with an
// explicit optimistic-concurrency CAS on the version column, following the
// pattern from framework/eventsourcing's ErrConcurrencyConflict /
// ValidateEventVersion (an UPDATE ... WHERE version = $n that reports zero
// rows affected as a conflict, rather than the event-sourcing package's
// full append-only event log, which SagaStore's plain document-per-saga
// model has no use for).
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sagaflow/orchestrator/internal/errs"
	"github.com/sagaflow/orchestrator/saga"
)

// Config configures the Postgres-backed store.
type Config struct {
	DSN          string
	TableName    string
	SchemaName   string
	MaxOpenConns int32
	MaxIdleConns int32
}

func (c Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("postgres: DSN cannot be empty")
	}
	return nil
}

func DefaultConfig() Config {
	return Config{
		TableName:    "sagas",
		SchemaName:   "public",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
	}
}

// Store is the Postgres-backed store.Store implementation.
type Store struct {
	cfg   Config
	pool  *pgxpool.Pool
	table string
}

// New connects to Postgres and returns a ready Store. Callers are
// expected to have already applied migrations (see Migrate).
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = cfg.MaxIdleConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Store{
		cfg:   cfg,
		pool:  pool,
		table: fmt.Sprintf("%s.%s", cfg.SchemaName, cfg.TableName),
	}, nil
}

func (s *Store) Close() { s.pool.Close() }

type row struct {
	ID            string
	Name          string
	CorrelationID string
	Status        string
	Document      []byte
	Version       int64
	CreatedAt     time.Time
	CompletedAt   *time.Time
	StartedAt     *time.Time
	Tags          []string
}

func toRow(sg *saga.Saga) (row, error) {
	doc, err := json.Marshal(sg)
	if err != nil {
		return row{}, fmt.Errorf("postgres: marshal saga: %w", err)
	}
	r := row{
		ID:            sg.ID,
		Name:          sg.Name,
		CorrelationID: sg.CorrelationID,
		Status:        string(sg.Status),
		Document:      doc,
		Version:       sg.Version,
		CreatedAt:     sg.CreatedAt,
		Tags:          sg.Tags,
	}
	if !sg.StartedAt.IsZero() {
		t := sg.StartedAt
		r.StartedAt = &t
	}
	if !sg.CompletedAt.IsZero() {
		t := sg.CompletedAt
		r.CompletedAt = &t
	}
	return r, nil
}

func fromDocument(doc []byte) (*saga.Saga, error) {
	var sg saga.Saga
	if err := json.Unmarshal(doc, &sg); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal saga: %w", err)
	}
	return &sg, nil
}

// Save implements store.Store, using an UPDATE ... WHERE version = $n CAS
// for updates, and a plain INSERT for the version == 0 create path.
func (s *Store) Save(ctx context.Context, sg *saga.Saga) (*saga.Saga, error) {
	r, err := toRow(sg)
	if err != nil {
		return nil, err
	}

	if sg.Version == 0 {
		r.Version = 1
		q := fmt.Sprintf(`INSERT INTO %s
			(id, name, correlation_id, status, document, version, created_at, started_at, completed_at, tags)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, s.table)
		_, err := s.pool.Exec(ctx, q, r.ID, r.Name, r.CorrelationID, r.Status, r.Document, r.Version, r.CreatedAt, r.StartedAt, r.CompletedAt, r.Tags)
		if err != nil {
			return nil, fmt.Errorf("%w", errs.Wrap(err, errs.KindStoreError, "insert saga"))
		}
		stored := *sg
		stored.Version = r.Version
		return &stored, nil
	}

	nextVersion := sg.Version + 1
	r.Document, err = json.Marshal(withVersion(sg, nextVersion))
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal saga: %w", err)
	}
	q := fmt.Sprintf(`UPDATE %s SET name=$1, correlation_id=$2, status=$3, document=$4,
		version=$5, started_at=$6, completed_at=$7, tags=$8
		WHERE id=$9 AND version=$10`, s.table)
	tag, err := s.pool.Exec(ctx, q, r.Name, r.CorrelationID, r.Status, r.Document, nextVersion, r.StartedAt, r.CompletedAt, r.Tags, r.ID, sg.Version)
	if err != nil {
		return nil, fmt.Errorf("%w", errs.Wrap(err, errs.KindStoreError, "update saga"))
	}
	if tag.RowsAffected() == 0 {
		if _, findErr := s.Find(ctx, sg.ID); findErr != nil {
			return nil, errs.New(errs.KindNotFound, "saga not found: "+sg.ID)
		}
		return nil, errs.New(errs.KindStaleVersion, "version mismatch for saga "+sg.ID)
	}
	stored := *sg
	stored.Version = nextVersion
	return &stored, nil
}

func withVersion(sg *saga.Saga, v int64) *saga.Saga {
	cp := *sg
	cp.Version = v
	return &cp
}

func (s *Store) Find(ctx context.Context, sagaID string) (*saga.Saga, error) {
	q := fmt.Sprintf(`SELECT document FROM %s WHERE id=$1`, s.table)
	var doc []byte
	err := s.pool.QueryRow(ctx, q, sagaID).Scan(&doc)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.New(errs.KindNotFound, "saga not found: "+sagaID)
		}
		return nil, errs.Wrap(err, errs.KindStoreError, "find saga")
	}
	return fromDocument(doc)
}

func (s *Store) queryDocs(ctx context.Context, q string, args ...interface{}) ([]*saga.Saga, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindStoreError, "query sagas")
	}
	defer rows.Close()
	var out []*saga.Saga
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errs.Wrap(err, errs.KindStoreError, "scan saga")
		}
		sg, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (s *Store) FindByStatus(ctx context.Context, status saga.Status, page saga.Page) (saga.PageResult, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}
	countQ := fmt.Sprintf(`SELECT count(*) FROM %s WHERE status=$1`, s.table)
	var total int
	if err := s.pool.QueryRow(ctx, countQ, string(status)).Scan(&total); err != nil {
		return saga.PageResult{}, errs.Wrap(err, errs.KindStoreError, "count sagas")
	}
	q := fmt.Sprintf(`SELECT document FROM %s WHERE status=$1 ORDER BY created_at DESC OFFSET $2 LIMIT $3`, s.table)
	docs, err := s.queryDocs(ctx, q, string(status), page.Offset, limit)
	if err != nil {
		return saga.PageResult{}, err
	}
	return saga.PageResult{Items: docs, Total: total}, nil
}

func (s *Store) FindByCorrelation(ctx context.Context, correlationID string) ([]*saga.Saga, error) {
	q := fmt.Sprintf(`SELECT document FROM %s WHERE correlation_id=$1 ORDER BY created_at DESC`, s.table)
	return s.queryDocs(ctx, q, correlationID)
}

func (s *Store) FindByTag(ctx context.Context, tag string, page saga.Page) (saga.PageResult, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}
	countQ := fmt.Sprintf(`SELECT count(*) FROM %s WHERE $1 = ANY(tags)`, s.table)
	var total int
	if err := s.pool.QueryRow(ctx, countQ, tag).Scan(&total); err != nil {
		return saga.PageResult{}, errs.Wrap(err, errs.KindStoreError, "count sagas")
	}
	q := fmt.Sprintf(`SELECT document FROM %s WHERE $1 = ANY(tags) ORDER BY created_at DESC OFFSET $2 LIMIT $3`, s.table)
	docs, err := s.queryDocs(ctx, q, tag, page.Offset, limit)
	if err != nil {
		return saga.PageResult{}, err
	}
	return saga.PageResult{Items: docs, Total: total}, nil
}

func (s *Store) FindTimedOut(ctx context.Context, now time.Time) ([]*saga.Saga, error) {
	q := fmt.Sprintf(`SELECT document FROM %s WHERE status IN ('RUNNING','RETRYING')`, s.table)
	docs, err := s.queryDocs(ctx, q)
	if err != nil {
		return nil, err
	}
	var out []*saga.Saga
	for _, sg := range docs {
		if sg.DeadlineExceeded(now) {
			out = append(out, sg)
		}
	}
	return out, nil
}

func (s *Store) FindRetryable(ctx context.Context) ([]*saga.Saga, error) {
	q := fmt.Sprintf(`SELECT document FROM %s WHERE status='FAILED'`, s.table)
	docs, err := s.queryDocs(ctx, q)
	if err != nil {
		return nil, err
	}
	var out []*saga.Saga
	for _, sg := range docs {
		if sg.RetryCount < sg.MaxRetries {
			out = append(out, sg)
		}
	}
	return out, nil
}

func (s *Store) BulkUpdateStatus(ctx context.Context, ids []string, newStatus saga.Status) error {
	q := fmt.Sprintf(`UPDATE %s SET status=$1, version=version+1 WHERE id = ANY($2)`, s.table)
	_, err := s.pool.Exec(ctx, q, string(newStatus), ids)
	if err != nil {
		return errs.Wrap(err, errs.KindStoreError, "bulk update status")
	}
	return nil
}

func (s *Store) BulkDeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE completed_at IS NOT NULL AND completed_at < $1`, s.table)
	tag, err := s.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, errs.Wrap(err, errs.KindStoreError, "bulk delete")
	}
	return int(tag.RowsAffected()), nil
}
