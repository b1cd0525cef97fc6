package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/agentworkforce/dotpaths/internal/dotpaths"
)

const (
	postgresTablePrefix      = "dotpaths_"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type postgresCollection struct {
	table  string
	keyCol string
}

// PostgresStore keeps one table per collection. Record bodies are JSON text;
// columns used for filtering are denormalized next to them.
type PostgresStore struct {
	dsn         string
	tablePrefix string
	opts        Options
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string, opts Options) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, dotpaths.InvalidInputError("postgres dsn is required")
	}
	return &PostgresStore{
		dsn:         dsn,
		tablePrefix: postgresTablePrefix,
		opts:        opts.withDefaults(),
		openDB:      sql.Open,
	}, nil
}

func (s *PostgresStore) collection(name string) (postgresCollection, bool) {
	switch name {
	case dotpaths.CollectionUploads:
		return postgresCollection{table: s.tablePrefix + "uploads", keyCol: "id"}, true
	case dotpaths.CollectionPaths:
		return postgresCollection{table: s.tablePrefix + "paths", keyCol: "dot"}, true
	case dotpaths.CollectionChanges:
		return postgresCollection{table: s.tablePrefix + "changes", keyCol: "change_key"}, true
	case dotpaths.CollectionCodes:
		return postgresCollection{table: s.tablePrefix + "codes", keyCol: "code"}, true
	case dotpaths.CollectionCounters:
		return postgresCollection{table: s.tablePrefix + "counters", keyCol: "name"}, true
	default:
		return postgresCollection{}, false
	}
}

func (s *PostgresStore) table(name string) string {
	c, _ := s.collection(name)
	return postgresQuoteIdentifier(c.table)
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					status TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL,
					record TEXT NOT NULL
				)`, s.table(dotpaths.CollectionUploads)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (status, created_at)",
				postgresQuoteIdentifier(s.tablePrefix+"uploads_status_created_idx"), s.table(dotpaths.CollectionUploads)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					dot TEXT PRIMARY KEY,
					state TEXT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, s.table(dotpaths.CollectionPaths)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					change_key TEXT PRIMARY KEY,
					entry TEXT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, s.table(dotpaths.CollectionChanges)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					code TEXT PRIMARY KEY,
					dot INTEGER NOT NULL
				)`, s.table(dotpaths.CollectionCodes)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					name TEXT PRIMARY KEY,
					upload_count BIGINT
				)`, s.table(dotpaths.CollectionCounters)),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

// inTx runs fn in a transaction, rolling back unless fn and the commit succeed.
func (s *PostgresStore) inTx(ctx context.Context, txOpts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func isPostgresSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func (s *PostgresStore) CreateUpload(ctx context.Context, rec dotpaths.UploadRecord) (dotpaths.UploadRecord, error) {
	if err := s.ensureReady(); err != nil {
		return dotpaths.UploadRecord{}, err
	}
	rec = prepareNewUpload(rec, s.opts)
	payload, err := json.Marshal(rec)
	if err != nil {
		return dotpaths.UploadRecord{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, status, created_at, record)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`, s.table(dotpaths.CollectionUploads))
	res, err := s.db.ExecContext(ctx, query, rec.ID, string(rec.Status), rec.CreatedAt, string(payload))
	if err != nil {
		return dotpaths.UploadRecord{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return dotpaths.UploadRecord{}, uploadExistsError(rec.ID)
	}
	return rec, nil
}

func (s *PostgresStore) GetUpload(ctx context.Context, id string) (dotpaths.UploadRecord, error) {
	if err := s.ensureReady(); err != nil {
		return dotpaths.UploadRecord{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT record FROM %s WHERE id = $1", s.table(dotpaths.CollectionUploads))
	var payload string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return dotpaths.UploadRecord{}, dotpaths.NotFoundError(dotpaths.CollectionUploads, id)
	}
	if err != nil {
		return dotpaths.UploadRecord{}, err
	}
	var rec dotpaths.UploadRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return dotpaths.UploadRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) lockUpload(ctx context.Context, tx *sql.Tx, id string) (dotpaths.UploadRecord, bool, error) {
	query := fmt.Sprintf("SELECT record FROM %s WHERE id = $1 FOR UPDATE", s.table(dotpaths.CollectionUploads))
	var payload string
	err := tx.QueryRowContext(ctx, query, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return dotpaths.UploadRecord{}, false, nil
	}
	if err != nil {
		return dotpaths.UploadRecord{}, false, err
	}
	var rec dotpaths.UploadRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return dotpaths.UploadRecord{}, false, err
	}
	return rec, true, nil
}

func (s *PostgresStore) UpdateUpload(ctx context.Context, id string, mutate func(*dotpaths.UploadRecord) error) (dotpaths.UploadRecord, dotpaths.UploadRecord, error) {
	if err := s.ensureReady(); err != nil {
		return dotpaths.UploadRecord{}, dotpaths.UploadRecord{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var before, after dotpaths.UploadRecord
	err := s.inTx(ctx, nil, func(tx *sql.Tx) error {
		rec, ok, err := s.lockUpload(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return dotpaths.NotFoundError(dotpaths.CollectionUploads, id)
		}
		before = rec
		after = rec.Clone()
		if err := mutate(&after); err != nil {
			return err
		}
		after.ID = id
		payload, err := json.Marshal(after)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("UPDATE %s SET status = $2, created_at = $3, record = $4 WHERE id = $1", s.table(dotpaths.CollectionUploads))
		_, err = tx.ExecContext(ctx, query, id, string(after.Status), after.CreatedAt, string(payload))
		return err
	})
	if err != nil {
		return dotpaths.UploadRecord{}, dotpaths.UploadRecord{}, err
	}
	return before, after, nil
}

func (s *PostgresStore) DeleteUpload(ctx context.Context, id string) (dotpaths.UploadRecord, error) {
	rec, deleted, err := s.DeleteUploadIf(ctx, id, nil)
	if err != nil {
		return dotpaths.UploadRecord{}, err
	}
	if !deleted {
		return dotpaths.UploadRecord{}, dotpaths.NotFoundError(dotpaths.CollectionUploads, id)
	}
	return rec, nil
}

func (s *PostgresStore) DeleteUploadIf(ctx context.Context, id string, pred func(dotpaths.UploadRecord) bool) (dotpaths.UploadRecord, bool, error) {
	if err := s.ensureReady(); err != nil {
		return dotpaths.UploadRecord{}, false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rec dotpaths.UploadRecord
	deleted := false
	err := s.inTx(ctx, nil, func(tx *sql.Tx) error {
		current, ok, err := s.lockUpload(ctx, tx, id)
		if err != nil || !ok {
			return err
		}
		rec = current
		if pred != nil && !pred(current.Clone()) {
			return nil
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table(dotpaths.CollectionUploads))
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return dotpaths.UploadRecord{}, false, err
	}
	return rec, deleted, nil
}

func (s *PostgresStore) QueryUploads(ctx context.Context, q dotpaths.UploadQuery) ([]dotpaths.UploadRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	clauses := []string{"TRUE"}
	args := []any{}
	if q.Status != "" {
		args = append(args, string(q.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if !q.CreatedBefore.IsZero() {
		args = append(args, q.CreatedBefore)
		clauses = append(clauses, fmt.Sprintf("created_at < $%d", len(args)))
	}
	query := fmt.Sprintf("SELECT record FROM %s WHERE %s ORDER BY created_at ASC, id ASC",
		s.table(dotpaths.CollectionUploads), strings.Join(clauses, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]dotpaths.UploadRecord, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec dotpaths.UploadRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetDotPath(ctx context.Context, dot string) (dotpaths.DotPath, error) {
	if err := s.ensureReady(); err != nil {
		return dotpaths.DotPath{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT state FROM %s WHERE dot = $1", s.table(dotpaths.CollectionPaths))
	var payload string
	err := s.db.QueryRowContext(ctx, query, dot).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return dotpaths.DotPath{}, dotpaths.NotFoundError(dotpaths.CollectionPaths, dot)
	}
	if err != nil {
		return dotpaths.DotPath{}, err
	}
	var state dotpaths.DotPath
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return dotpaths.DotPath{}, err
	}
	return state, nil
}

func (s *PostgresStore) SaveDotPath(ctx context.Context, state dotpaths.DotPath, change dotpaths.PathChange) error {
	if state.Dot == "" {
		return dotpaths.InvalidInputError("dot path without dot key")
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	statePayload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	changePayload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.inTx(ctx, nil, func(tx *sql.Tx) error {
		pathQuery := fmt.Sprintf(`
			INSERT INTO %s (dot, state, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (dot)
			DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`, s.table(dotpaths.CollectionPaths))
		if _, err := tx.ExecContext(ctx, pathQuery, state.Dot, string(statePayload)); err != nil {
			return err
		}
		changeQuery := fmt.Sprintf(`
			INSERT INTO %s (change_key, entry, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (change_key)
			DO UPDATE SET entry = EXCLUDED.entry, updated_at = NOW()`, s.table(dotpaths.CollectionChanges))
		_, err := tx.ExecContext(ctx, changeQuery, dotpaths.LatestChangeKey, string(changePayload))
		return err
	})
}

func (s *PostgresStore) GetPathChange(ctx context.Context) (dotpaths.PathChange, error) {
	if err := s.ensureReady(); err != nil {
		return dotpaths.PathChange{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT entry FROM %s WHERE change_key = $1", s.table(dotpaths.CollectionChanges))
	var payload string
	err := s.db.QueryRowContext(ctx, query, dotpaths.LatestChangeKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return dotpaths.PathChange{}, dotpaths.NotFoundError(dotpaths.CollectionChanges, dotpaths.LatestChangeKey)
	}
	if err != nil {
		return dotpaths.PathChange{}, err
	}
	var change dotpaths.PathChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return dotpaths.PathChange{}, err
	}
	return change, nil
}

func (s *PostgresStore) LookupCode(ctx context.Context, code string) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT dot FROM %s WHERE code = $1", s.table(dotpaths.CollectionCodes))
	var dot int
	err := s.db.QueryRowContext(ctx, query, code).Scan(&dot)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, dotpaths.NotFoundError(dotpaths.CollectionCodes, code)
	}
	return dot, err
}

func (s *PostgresStore) PutCodes(ctx context.Context, codes map[string]int) error {
	if err := validateCodes(codes); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (code, dot) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET dot = EXCLUDED.dot`, s.table(dotpaths.CollectionCodes))
	return s.inTx(ctx, nil, func(tx *sql.Tx) error {
		for code, dot := range codes {
			if _, err := tx.ExecContext(ctx, query, code, dot); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) EnsureCounter(ctx context.Context, name string) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("INSERT INTO %s (name, upload_count) VALUES ($1, 0) ON CONFLICT (name) DO NOTHING", s.table(dotpaths.CollectionCounters))
	res, err := s.db.ExecContext(ctx, query, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) GetCounter(ctx context.Context, name string) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT upload_count FROM %s WHERE name = $1", s.table(dotpaths.CollectionCounters))
	var value sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, dotpaths.MissingCounterError(name)
	}
	return value.Int64, err
}

func (s *PostgresStore) UpdateCounter(ctx context.Context, name string, fn func(current int64) (int64, error)) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	var result int64
	selectQuery := fmt.Sprintf("SELECT upload_count FROM %s WHERE name = $1", s.table(dotpaths.CollectionCounters))
	updateQuery := fmt.Sprintf("UPDATE %s SET upload_count = $2 WHERE name = $1", s.table(dotpaths.CollectionCounters))
	err := retryConflicts(ctx, "counter", s.opts.ConflictTimeout, isPostgresSerializationFailure, func() error {
		opCtx, cancel := s.withTimeout(ctx)
		defer cancel()
		return s.inTx(opCtx, &sql.TxOptions{Isolation: sql.LevelSerializable}, func(tx *sql.Tx) error {
			var current sql.NullInt64
			err := tx.QueryRowContext(opCtx, selectQuery, name).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return dotpaths.MissingCounterError(name)
			}
			if err != nil {
				return err
			}
			next, err := fn(current.Int64)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(opCtx, updateQuery, name, next); err != nil {
				return err
			}
			result = next
			return nil
		})
	})
	return result, err
}

func (s *PostgresStore) ListKeys(ctx context.Context, collection string, limit int) ([]string, error) {
	c, ok := s.collection(collection)
	if !ok {
		return nil, dotpaths.InvalidInputError("unknown collection %q", collection)
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s ASC",
		postgresQuoteIdentifier(c.keyCol), postgresQuoteIdentifier(c.table), postgresQuoteIdentifier(c.keyCol))
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) DeleteBatch(ctx context.Context, collection string, keys []string) error {
	c, ok := s.collection(collection)
	if !ok {
		return dotpaths.InvalidInputError("unknown collection %q", collection)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1)", postgresQuoteIdentifier(c.table), postgresQuoteIdentifier(c.keyCol))
	_, err := s.db.ExecContext(ctx, query, pq.Array(keys))
	return err
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
