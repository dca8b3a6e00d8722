package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"windowgate/internal/alerts"
	"windowgate/internal/plan"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
        key_hash            TEXT PRIMARY KEY,
        plan                TEXT NOT NULL,
        created_at          INTEGER NOT NULL,
        revoked_at          INTEGER,
        rate_limit_override INTEGER,
        metadata            TEXT NOT NULL DEFAULT ''
    );`,
	`CREATE TABLE IF NOT EXISTS alerts (
        id         TEXT PRIMARY KEY,
        owner_hash TEXT NOT NULL,
        plan       TEXT NOT NULL,
        config     TEXT NOT NULL,
        state      TEXT NOT NULL DEFAULT '{}',
        created_at INTEGER NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS alerts_owner_hash_idx ON alerts (owner_hash);`,
}

const sqliteAlertColumns = `SELECT id, owner_hash, plan, config, state, created_at FROM alerts`

// SQLiteStore is the embedded single-node backend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database file at path. A single
// connection serialises writers, which makes the quota transaction atomic.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database.sqlite_path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA busy_timeout=5000;`} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// EnsureSchema creates the tables when missing.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// CreateAlert counts and inserts inside one transaction.
func (s *SQLiteStore) CreateAlert(ctx context.Context, a alerts.Alert, maxForOwner int) error {
	row, err := encodeAlert(a)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create alert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE owner_hash = ?;`, a.OwnerHash).Scan(&count); err != nil {
		return fmt.Errorf("count alerts: %w", err)
	}
	if count >= maxForOwner {
		return alerts.ErrQuotaExceeded
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO alerts (id, owner_hash, plan, config, state, created_at) VALUES (?,?,?,?,?,?);`,
		row.ID, row.OwnerHash, row.Plan, row.Config, row.State, row.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create alert: %w", err)
	}
	return nil
}

// ListAlerts returns every alert with its state.
func (s *SQLiteStore) ListAlerts(ctx context.Context) ([]alerts.Record, error) {
	rows, err := s.db.QueryContext(ctx, sqliteAlertColumns+` ORDER BY created_at, id;`)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return collectSQLiteAlerts(rows)
}

// ListAlertsByOwner returns the owner's alerts.
func (s *SQLiteStore) ListAlertsByOwner(ctx context.Context, ownerHash string) ([]alerts.Record, error) {
	rows, err := s.db.QueryContext(ctx, sqliteAlertColumns+` WHERE owner_hash = ? ORDER BY created_at, id;`, ownerHash)
	if err != nil {
		return nil, fmt.Errorf("list alerts by owner: %w", err)
	}
	return collectSQLiteAlerts(rows)
}

// GetAlert returns one alert owned by ownerHash.
func (s *SQLiteStore) GetAlert(ctx context.Context, ownerHash, id string) (alerts.Record, error) {
	row := s.db.QueryRowContext(ctx, sqliteAlertColumns+` WHERE id = ? AND owner_hash = ?;`, id, ownerHash)
	rec, err := scanSQLiteAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alerts.Record{}, alerts.ErrNotFound
	}
	if err != nil {
		return alerts.Record{}, fmt.Errorf("get alert: %w", err)
	}
	return rec, rec.Err
}

// UpdateAlertState overwrites the alert's state.
func (s *SQLiteStore) UpdateAlertState(ctx context.Context, id string, st alerts.State) error {
	raw, err := encodeState(st)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET state = ? WHERE id = ?;`, raw, id)
	if err != nil {
		return fmt.Errorf("update alert state: %w", err)
	}
	return affectedOrNotFound(res, alerts.ErrNotFound)
}

// DeleteAlert removes the alert and its state.
func (s *SQLiteStore) DeleteAlert(ctx context.Context, ownerHash, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = ? AND owner_hash = ?;`, id, ownerHash)
	if err != nil {
		return fmt.Errorf("delete alert: %w", err)
	}
	return affectedOrNotFound(res, alerts.ErrNotFound)
}

// CountAlertsByOwner counts the owner's alerts.
func (s *SQLiteStore) CountAlertsByOwner(ctx context.Context, ownerHash string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE owner_hash = ?;`, ownerHash).Scan(&count); err != nil {
		return 0, fmt.Errorf("count alerts: %w", err)
	}
	return count, nil
}

// InsertKey stores or replaces a key, clearing any revocation.
func (s *SQLiteStore) InsertKey(ctx context.Context, rec KeyRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var override sql.NullInt64
	if rec.RateLimitOverride != nil {
		override = sql.NullInt64{Int64: *rec.RateLimitOverride, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_keys (key_hash, plan, created_at, rate_limit_override, metadata)
    VALUES (?,?,?,?,?)
    ON CONFLICT (key_hash) DO UPDATE
    SET plan = excluded.plan,
        rate_limit_override = excluded.rate_limit_override,
        metadata = excluded.metadata,
        revoked_at = NULL;`,
		rec.KeyHash, string(rec.Plan), created.UnixNano(), override, rec.Metadata)
	if err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

// LookupKey fetches a key by hash.
func (s *SQLiteStore) LookupKey(ctx context.Context, keyHash string) (KeyRecord, error) {
	var (
		rec      KeyRecord
		planName string
		created  int64
		revoked  sql.NullInt64
		override sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key_hash, plan, created_at, revoked_at, rate_limit_override, metadata FROM api_keys WHERE key_hash = ?;`,
		keyHash).Scan(&rec.KeyHash, &planName, &created, &revoked, &override, &rec.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return KeyRecord{}, ErrKeyNotFound
	}
	if err != nil {
		return KeyRecord{}, fmt.Errorf("lookup key: %w", err)
	}

	rec.Plan, _ = plan.Parse(planName)
	rec.CreatedAt = time.Unix(0, created).UTC()
	if revoked.Valid {
		at := time.Unix(0, revoked.Int64).UTC()
		rec.RevokedAt = &at
	}
	if override.Valid {
		value := override.Int64
		rec.RateLimitOverride = &value
	}
	return rec, nil
}

// RevokeKey marks a key revoked.
func (s *SQLiteStore) RevokeKey(ctx context.Context, keyHash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE key_hash = ? AND revoked_at IS NULL;`,
		at.UTC().UnixNano(), keyHash)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	return affectedOrNotFound(res, ErrKeyNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAlert(row rowScanner) (alerts.Record, error) {
	var (
		r       alertRow
		created int64
	)
	if err := row.Scan(&r.ID, &r.OwnerHash, &r.Plan, &r.Config, &r.State, &created); err != nil {
		return alerts.Record{}, err
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	return r.decode(), nil
}

func collectSQLiteAlerts(rows *sql.Rows) ([]alerts.Record, error) {
	defer rows.Close()

	out := make([]alerts.Record, 0)
	for rows.Next() {
		rec, err := scanSQLiteAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func affectedOrNotFound(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

var _ Backend = (*SQLiteStore)(nil)
