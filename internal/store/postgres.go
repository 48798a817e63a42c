package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on a pgx connection pool. Migrations run at
// startup; the unique index on (device_id, idempotency_key) backs the
// idempotency contract.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, pings and migrates. The DSN is a standard
// postgres:// URL.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			transport TEXT NOT NULL,
			capabilities TEXT[] NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen TIMESTAMPTZ,
			firmware TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			revision BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS commands (
			id UUID PRIMARY KEY,
			device_id TEXT NOT NULL REFERENCES devices(id),
			idempotency_key TEXT NOT NULL,
			verb TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			result TEXT NOT NULL DEFAULT '',
			latency_ms BIGINT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_device_key
			ON commands (device_id, idempotency_key)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_pending
			ON commands (created_at) WHERE status = 'pending'`,
		`CREATE TABLE IF NOT EXISTS telemetry (
			id UUID PRIMARY KEY,
			device_id TEXT NOT NULL REFERENCES devices(id),
			ts TIMESTAMPTZ NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_device_ts
			ON telemetry (device_id, ts DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *Postgres) CreateCommand(ctx context.Context, cmd *Command) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO commands (id, device_id, idempotency_key, verb, created_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		cmd.ID, cmd.DeviceID, cmd.IdempotencyKey, cmd.Verb, cmd.CreatedAt, cmd.Status)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (p *Postgres) scanCommand(row pgx.Row) (*Command, error) {
	var c Command
	err := row.Scan(&c.ID, &c.DeviceID, &c.IdempotencyKey, &c.Verb, &c.CreatedAt, &c.Status, &c.Result, &c.LatencyMS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const commandColumns = `id, device_id, idempotency_key, verb, created_at, status, result, latency_ms`

func (p *Postgres) GetCommand(ctx context.Context, id string) (*Command, error) {
	return p.scanCommand(p.pool.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE id = $1`, id))
}

func (p *Postgres) FindCommandByKey(ctx context.Context, deviceID, key string) (*Command, error) {
	return p.scanCommand(p.pool.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE device_id = $1 AND idempotency_key = $2`,
		deviceID, key))
}

func (p *Postgres) CompleteCommand(ctx context.Context, id string, status CommandStatus, result string, latencyMS int64) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE commands
		 SET status = $2, result = $3, latency_ms = COALESCE(latency_ms, $4)
		 WHERE id = $1 AND status = 'pending'`,
		id, status, result, latencyMS)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*Command, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE status = 'pending' AND created_at < $1`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Command
	for rows.Next() {
		var c Command
		if err := rows.Scan(&c.ID, &c.DeviceID, &c.IdempotencyKey, &c.Verb, &c.CreatedAt, &c.Status, &c.Result, &c.LatencyMS); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendTelemetry(ctx context.Context, sample *TelemetrySample) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO telemetry (id, device_id, ts, payload) VALUES ($1, $2, $3, $4)`,
		sample.ID, sample.DeviceID, sample.Timestamp, sample.Payload); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM telemetry
		 WHERE device_id = $1 AND id NOT IN (
			SELECT id FROM telemetry WHERE device_id = $1 ORDER BY ts DESC LIMIT $2
		 )`,
		sample.DeviceID, TelemetryWindow); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) RecentTelemetry(ctx context.Context, deviceID string, limit int) ([]*TelemetrySample, error) {
	if limit <= 0 || limit > TelemetryWindow {
		limit = TelemetryWindow
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, device_id, ts, payload FROM telemetry
		 WHERE device_id = $1 ORDER BY ts DESC LIMIT $2`,
		deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TelemetrySample
	for rows.Next() {
		var s TelemetrySample
		if err := rows.Scan(&s.ID, &s.DeviceID, &s.Timestamp, &s.Payload); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

const deviceColumns = `id, name, kind, transport, capabilities, status, last_seen, firmware, location, revision`

func (p *Postgres) scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.Name, &d.Kind, &d.Transport, &d.Capabilities, &d.Status, &d.LastSeen, &d.Firmware, &d.Location, &d.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *Postgres) CreateDevice(ctx context.Context, dev *Device) error {
	if dev.Revision == 0 {
		dev.Revision = 1
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO devices (id, name, kind, transport, capabilities, status, firmware, location, revision)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		dev.ID, dev.Name, dev.Kind, dev.Transport, dev.Capabilities, dev.Status, dev.Firmware, dev.Location, dev.Revision)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (p *Postgres) GetDevice(ctx context.Context, id string) (*Device, error) {
	return p.scanDevice(p.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
}

func (p *Postgres) ListDevices(ctx context.Context, filter DeviceFilter) ([]*Device, string, error) {
	limit := filter.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	// Fetch one extra row to decide whether a next page exists.
	rows, err := p.pool.Query(ctx,
		`SELECT `+deviceColumns+` FROM devices
		 WHERE id > $1
		   AND ($2 = '' OR status = $2)
		   AND ($3 = '' OR kind = $3)
		   AND ($4 = '' OR name ILIKE '%' || $4 || '%')
		 ORDER BY id LIMIT $5`,
		filter.AfterID, string(filter.Status), string(filter.Kind), filter.NameContains, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.Name, &d.Kind, &d.Transport, &d.Capabilities, &d.Status, &d.LastSeen, &d.Firmware, &d.Location, &d.Revision); err != nil {
			return nil, "", err
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID
	}
	return out, next, nil
}

func (p *Postgres) TouchDevice(ctx context.Context, id string, seenAt time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE devices SET last_seen = $2 WHERE id = $1`, id, seenAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetDeviceStatus(ctx context.Context, ids []string, status DeviceStatus) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx,
		`UPDATE devices SET status = $2 WHERE id = ANY($1)`, ids, status)
	return err
}

func (p *Postgres) UpdateDevice(ctx context.Context, dev *Device) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE devices
		 SET name = $2, location = $3, firmware = $4, capabilities = $5, revision = revision + 1
		 WHERE id = $1 AND revision = $6`,
		dev.ID, dev.Name, dev.Location, dev.Firmware, dev.Capabilities, dev.Revision)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := p.GetDevice(ctx, dev.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrRevisionMismatch
	}
	dev.Revision++
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}
