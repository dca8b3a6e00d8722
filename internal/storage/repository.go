package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"windowgate/internal/alerts"
	"windowgate/internal/plan"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrKeyNotFound is returned for unknown key hashes.
	ErrKeyNotFound = errors.New("storage: key not found")
)

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
        key_hash            TEXT PRIMARY KEY,
        plan                TEXT NOT NULL,
        created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
        revoked_at          TIMESTAMPTZ,
        rate_limit_override BIGINT,
        metadata            TEXT NOT NULL DEFAULT ''
    );`,
	`CREATE TABLE IF NOT EXISTS alerts (
        id         TEXT PRIMARY KEY,
        owner_hash TEXT NOT NULL,
        plan       TEXT NOT NULL,
        config     JSONB NOT NULL,
        state      JSONB NOT NULL DEFAULT '{}'::jsonb,
        created_at TIMESTAMPTZ NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS alerts_owner_hash_idx ON alerts (owner_hash);`,
}

const (
	ownerLockSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0));`

	countAlertsByOwnerSQL = `SELECT COUNT(*) FROM alerts WHERE owner_hash = $1;`

	insertAlertSQL = `INSERT INTO alerts (
        id,
        owner_hash,
        plan,
        config,
        state,
        created_at
    ) VALUES (
        $1,$2,$3,$4::jsonb,$5::jsonb,$6
    );`

	selectAlertColumns = `SELECT id, owner_hash, plan, config::text, state::text, created_at FROM alerts`

	listAlertsSQL        = selectAlertColumns + ` ORDER BY created_at, id;`
	listAlertsByOwnerSQL = selectAlertColumns + ` WHERE owner_hash = $1 ORDER BY created_at, id;`
	getAlertSQL          = selectAlertColumns + ` WHERE id = $1 AND owner_hash = $2;`

	updateAlertStateSQL = `UPDATE alerts SET state = $2::jsonb WHERE id = $1;`
	deleteAlertSQL      = `DELETE FROM alerts WHERE id = $1 AND owner_hash = $2;`

	upsertKeySQL = `INSERT INTO api_keys (
        key_hash,
        plan,
        created_at,
        rate_limit_override,
        metadata
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (key_hash) DO UPDATE
    SET plan                = EXCLUDED.plan,
        rate_limit_override = EXCLUDED.rate_limit_override,
        metadata            = EXCLUDED.metadata,
        revoked_at          = NULL;`

	lookupKeySQL = `SELECT key_hash, plan, created_at, revoked_at, rate_limit_override, metadata
    FROM api_keys
    WHERE key_hash = $1;`

	revokeKeySQL = `UPDATE api_keys SET revoked_at = $2 WHERE key_hash = $1 AND revoked_at IS NULL;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore is the alert CRUD surface used by the API and the scheduler.
type AlertStore interface {
	alerts.Store
	ListAlerts(ctx context.Context) ([]alerts.Record, error)
	UpdateAlertState(ctx context.Context, id string, state alerts.State) error
	CountAlertsByOwner(ctx context.Context, ownerHash string) (int, error)
}

// KeyStore persists hashed API keys.
type KeyStore interface {
	InsertKey(ctx context.Context, rec KeyRecord) error
	LookupKey(ctx context.Context, keyHash string) (KeyRecord, error)
	RevokeKey(ctx context.Context, keyHash string, at time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend is a complete storage engine.
type Backend interface {
	AlertStore
	KeyStore
	EnsureSchema(ctx context.Context) error
	Close()
}

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range pgSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 释放失败时连接归还后锁随会话结束
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// CreateAlert counts and inserts under a per-owner transaction lock so
// concurrent creations for one owner cannot both pass the quota check.
func (s *Store) CreateAlert(ctx context.Context, a alerts.Alert, maxForOwner int) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	row, err := encodeAlert(a)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create alert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, ownerLockSQL, a.OwnerHash); err != nil {
		return fmt.Errorf("lock owner: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx, countAlertsByOwnerSQL, a.OwnerHash).Scan(&count); err != nil {
		return fmt.Errorf("count alerts: %w", err)
	}
	if count >= maxForOwner {
		return alerts.ErrQuotaExceeded
	}

	if _, err := tx.Exec(ctx, insertAlertSQL, row.ID, row.OwnerHash, row.Plan, row.Config, row.State, row.CreatedAt); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create alert: %w", err)
	}
	return nil
}

// ListAlerts returns every alert with its state.
func (s *Store) ListAlerts(ctx context.Context) ([]alerts.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listAlertsSQL)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return collectAlerts(rows)
}

// ListAlertsByOwner returns the owner's alerts.
func (s *Store) ListAlertsByOwner(ctx context.Context, ownerHash string) ([]alerts.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listAlertsByOwnerSQL, ownerHash)
	if err != nil {
		return nil, fmt.Errorf("list alerts by owner: %w", err)
	}
	return collectAlerts(rows)
}

// GetAlert returns one alert owned by ownerHash.
func (s *Store) GetAlert(ctx context.Context, ownerHash, id string) (alerts.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return alerts.Record{}, err
	}
	var r alertRow
	err = pool.QueryRow(ctx, getAlertSQL, id, ownerHash).
		Scan(&r.ID, &r.OwnerHash, &r.Plan, &r.Config, &r.State, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return alerts.Record{}, alerts.ErrNotFound
	}
	if err != nil {
		return alerts.Record{}, fmt.Errorf("get alert: %w", err)
	}
	rec := r.decode()
	return rec, rec.Err
}

// UpdateAlertState overwrites the alert's state.
func (s *Store) UpdateAlertState(ctx context.Context, id string, st alerts.State) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	raw, err := encodeState(st)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, updateAlertStateSQL, id, raw)
	if err != nil {
		return fmt.Errorf("update alert state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return alerts.ErrNotFound
	}
	return nil
}

// DeleteAlert removes the alert and, with it, its state.
func (s *Store) DeleteAlert(ctx context.Context, ownerHash, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, deleteAlertSQL, id, ownerHash)
	if err != nil {
		return fmt.Errorf("delete alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return alerts.ErrNotFound
	}
	return nil
}

// CountAlertsByOwner counts the owner's alerts.
func (s *Store) CountAlertsByOwner(ctx context.Context, ownerHash string) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if err := pool.QueryRow(ctx, countAlertsByOwnerSQL, ownerHash).Scan(&count); err != nil {
		return 0, fmt.Errorf("count alerts: %w", err)
	}
	return count, nil
}

// InsertKey stores or replaces a key, clearing any revocation.
func (s *Store) InsertKey(ctx context.Context, rec KeyRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var override interface{}
	if rec.RateLimitOverride != nil {
		override = *rec.RateLimitOverride
	}
	if _, err := pool.Exec(ctx, upsertKeySQL, rec.KeyHash, string(rec.Plan), created, override, rec.Metadata); err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

// LookupKey fetches a key by hash.
func (s *Store) LookupKey(ctx context.Context, keyHash string) (KeyRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return KeyRecord{}, err
	}

	var (
		rec      KeyRecord
		planName string
		revoked  *time.Time
		override sql.NullInt64
	)
	err = pool.QueryRow(ctx, lookupKeySQL, keyHash).
		Scan(&rec.KeyHash, &planName, &rec.CreatedAt, &revoked, &override, &rec.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return KeyRecord{}, ErrKeyNotFound
	}
	if err != nil {
		return KeyRecord{}, fmt.Errorf("lookup key: %w", err)
	}

	rec.Plan, _ = plan.Parse(planName)
	rec.RevokedAt = revoked
	if override.Valid {
		value := override.Int64
		rec.RateLimitOverride = &value
	}
	return rec, nil
}

// RevokeKey marks a key revoked.
func (s *Store) RevokeKey(ctx context.Context, keyHash string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, revokeKeySQL, keyHash, at.UTC())
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func collectAlerts(rows pgx.Rows) ([]alerts.Record, error) {
	defer rows.Close()

	out := make([]alerts.Record, 0)
	for rows.Next() {
		var r alertRow
		if err := rows.Scan(&r.ID, &r.OwnerHash, &r.Plan, &r.Config, &r.State, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r.decode())
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

var (
	_ Backend        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
