package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/photobatch/licenserver/internal/config"
	licenseErrors "github.com/photobatch/licenserver/internal/errors"
	"github.com/photobatch/licenserver/internal/license"
)

// Compile-time interface assertion.
var _ license.Store = (*PostgresStore)(nil)

// PostgresStore implements license.Store on a pgx connection pool. Per-key
// serialization uses pg_advisory_xact_lock on a hash of the license key: the
// lock spans the whole transaction, so the revocation veto check, the cap
// count, and the write commit atomically with respect to every other
// transaction for the same key.
type PostgresStore struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewPostgresStore connects a pool and verifies connectivity
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return &PostgresStore{pool: pool, queryTimeout: cfg.QueryTimeout}, nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Migrate bootstraps the schema. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS activations (
	id                 UUID PRIMARY KEY,
	license_key        TEXT NOT NULL,
	device_id          TEXT NOT NULL,
	product_id         TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	activated_at       TIMESTAMPTZ NOT NULL,
	last_verified_at   TIMESTAMPTZ NOT NULL,
	offline_expiry     TIMESTAMPTZ NOT NULL,
	client_hostname    TEXT NOT NULL DEFAULT '',
	client_os          TEXT NOT NULL DEFAULT '',
	client_app_version TEXT NOT NULL DEFAULT '',
	UNIQUE (license_key, device_id)
);
CREATE INDEX IF NOT EXISTS idx_activations_license_key ON activations (license_key);
CREATE INDEX IF NOT EXISTS idx_activations_device_id ON activations (device_id);
CREATE INDEX IF NOT EXISTS idx_activations_status ON activations (status);

CREATE TABLE IF NOT EXISTS revocations (
	license_key TEXT PRIMARY KEY,
	reason      TEXT NOT NULL,
	email       TEXT NOT NULL DEFAULT '',
	revoked_at  TIMESTAMPTZ NOT NULL
);`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return licenseErrors.NewInfraError("migrate", err)
	}
	return nil
}

// WithKeyTx runs fn in a transaction holding the per-key advisory lock
func (s *PostgresStore) WithKeyTx(ctx context.Context, licenseKey string, fn func(license.StoreTx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout())
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return licenseErrors.NewInfraError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	// The advisory lock is released automatically at commit or rollback.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, licenseKey); err != nil {
		return licenseErrors.NewInfraError("acquire key lock", err)
	}

	if err := fn(&postgresTx{ctx: ctx, tx: tx}); err != nil {
		// Business rejections from fn propagate untouched.
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return licenseErrors.NewInfraError("commit transaction", err)
	}
	return nil
}

func (s *PostgresStore) txTimeout() time.Duration {
	// A key transaction issues a handful of statements; give it headroom
	// over a single query.
	return 3 * s.queryTimeout
}

const activationColumns = `id, license_key, device_id, product_id, status,
	activated_at, last_verified_at, offline_expiry,
	client_hostname, client_os, client_app_version`

func scanActivation(row pgx.Row) (*license.Activation, error) {
	var a license.Activation
	err := row.Scan(
		&a.ID, &a.LicenseKey, &a.DeviceID, &a.ProductID, &a.Status,
		&a.ActivatedAt, &a.LastVerifiedAt, &a.OfflineExpiry,
		&a.ClientInfo.Hostname, &a.ClientInfo.OS, &a.ClientInfo.AppVersion,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetActivation(ctx context.Context, licenseKey, deviceID string) (*license.Activation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	row := s.pool.QueryRow(ctx,
		`SELECT `+activationColumns+` FROM activations WHERE license_key = $1 AND device_id = $2`,
		licenseKey, deviceID)
	a, err := scanActivation(row)
	if err != nil {
		return nil, licenseErrors.NewInfraError("get activation", err)
	}
	return a, nil
}

func (s *PostgresStore) ListActivations(ctx context.Context, licenseKey string) ([]license.Activation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+activationColumns+` FROM activations WHERE license_key = $1 ORDER BY activated_at`,
		licenseKey)
	if err != nil {
		return nil, licenseErrors.NewInfraError("list activations", err)
	}
	defer rows.Close()

	var out []license.Activation
	for rows.Next() {
		var a license.Activation
		if err := rows.Scan(
			&a.ID, &a.LicenseKey, &a.DeviceID, &a.ProductID, &a.Status,
			&a.ActivatedAt, &a.LastVerifiedAt, &a.OfflineExpiry,
			&a.ClientInfo.Hostname, &a.ClientInfo.OS, &a.ClientInfo.AppVersion,
		); err != nil {
			return nil, licenseErrors.NewInfraError("scan activation", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, licenseErrors.NewInfraError("list activations", err)
	}
	return out, nil
}

func (s *PostgresStore) GetRevocation(ctx context.Context, licenseKey string) (*license.RevocationRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var rec license.RevocationRecord
	err := s.pool.QueryRow(ctx,
		`SELECT license_key, reason, email, revoked_at FROM revocations WHERE license_key = $1`,
		licenseKey).Scan(&rec.LicenseKey, &rec.Reason, &rec.Email, &rec.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, licenseErrors.NewInfraError("get revocation", err)
	}
	return &rec, nil
}

func (s *PostgresStore) CountActive(ctx context.Context, licenseKey string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM activations WHERE license_key = $1 AND status = $2`,
		licenseKey, license.StatusActive).Scan(&count)
	if err != nil {
		return 0, licenseErrors.NewInfraError("count active", err)
	}
	return count, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return licenseErrors.NewInfraError("ping", err)
	}
	return nil
}

// postgresTx is the transactional view handed to WithKeyTx callbacks
type postgresTx struct {
	ctx context.Context
	tx  pgx.Tx
}

var _ license.StoreTx = (*postgresTx)(nil)

func (t *postgresTx) GetRevocation(licenseKey string) (*license.RevocationRecord, error) {
	var rec license.RevocationRecord
	err := t.tx.QueryRow(t.ctx,
		`SELECT license_key, reason, email, revoked_at FROM revocations WHERE license_key = $1`,
		licenseKey).Scan(&rec.LicenseKey, &rec.Reason, &rec.Email, &rec.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, licenseErrors.NewInfraError("get revocation", err)
	}
	return &rec, nil
}

func (t *postgresTx) GetActivation(licenseKey, deviceID string) (*license.Activation, error) {
	row := t.tx.QueryRow(t.ctx,
		`SELECT `+activationColumns+` FROM activations WHERE license_key = $1 AND device_id = $2`,
		licenseKey, deviceID)
	a, err := scanActivation(row)
	if err != nil {
		return nil, licenseErrors.NewInfraError("get activation", err)
	}
	return a, nil
}

func (t *postgresTx) CountActiveExcluding(licenseKey, deviceID string) (int, error) {
	var count int
	err := t.tx.QueryRow(t.ctx,
		`SELECT COUNT(*) FROM activations
		 WHERE license_key = $1 AND status = $2 AND device_id <> $3`,
		licenseKey, license.StatusActive, deviceID).Scan(&count)
	if err != nil {
		return 0, licenseErrors.NewInfraError("count active", err)
	}
	return count, nil
}

func (t *postgresTx) UpsertActivation(a *license.Activation) error {
	// The unique (license_key, device_id) constraint backs the ledger's
	// update-in-place invariant even if two requests slip past the
	// advisory lock through operator error.
	_, err := t.tx.Exec(t.ctx, `
INSERT INTO activations (id, license_key, device_id, product_id, status,
	activated_at, last_verified_at, offline_expiry,
	client_hostname, client_os, client_app_version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (license_key, device_id) DO UPDATE SET
	status = EXCLUDED.status,
	last_verified_at = EXCLUDED.last_verified_at,
	offline_expiry = EXCLUDED.offline_expiry,
	client_hostname = EXCLUDED.client_hostname,
	client_os = EXCLUDED.client_os,
	client_app_version = EXCLUDED.client_app_version`,
		a.ID, a.LicenseKey, a.DeviceID, a.ProductID, a.Status,
		a.ActivatedAt, a.LastVerifiedAt, a.OfflineExpiry,
		a.ClientInfo.Hostname, a.ClientInfo.OS, a.ClientInfo.AppVersion)
	if err != nil {
		return licenseErrors.NewInfraError("upsert activation", err)
	}
	return nil
}

func (t *postgresTx) InsertRevocation(rec *license.RevocationRecord) error {
	// ON CONFLICT DO NOTHING keeps the original record; the authority has
	// already returned the idempotent already-revoked path by this point.
	_, err := t.tx.Exec(t.ctx, `
INSERT INTO revocations (license_key, reason, email, revoked_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (license_key) DO NOTHING`,
		rec.LicenseKey, rec.Reason, rec.Email, rec.RevokedAt)
	if err != nil {
		return licenseErrors.NewInfraError("insert revocation", err)
	}
	return nil
}

func (t *postgresTx) RevokeActive(licenseKey string, at time.Time) (int, error) {
	tag, err := t.tx.Exec(t.ctx, `
UPDATE activations SET status = $1, last_verified_at = $2
WHERE license_key = $3 AND status = $4`,
		license.StatusRevoked, at, licenseKey, license.StatusActive)
	if err != nil {
		return 0, licenseErrors.NewInfraError("revoke active", err)
	}
	return int(tag.RowsAffected()), nil
}
