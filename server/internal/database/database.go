package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrDeviceExists is returned when a device name is already registered
var ErrDeviceExists = errors.New("device already exists")

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// Device is a reporting machine identified by its API key
type Device struct {
	ID         string
	Name       string
	CreatedAt  time.Time
	LastSeenAt *time.Time
}

// UsageRecord is a persisted usage event. Timestamp is unix seconds.
type UsageRecord struct {
	ID                int64
	DeviceName        string
	Timestamp         int64
	SessionID         string // empty is stored as NULL
	Model             string
	InputTokens       int64
	OutputTokens      int64
	TotalTokens       int64
	CacheCreateTokens int64
	CacheReadTokens   int64
}

// Open opens a SQLite database connection
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA foreign_keys = ON", "enable foreign keys"},
		// WAL lets statistics reads run alongside an ingestion transaction
		{"PRAGMA journal_mode = WAL", "enable WAL mode"},
		// Set busy timeout to avoid "database is locked" errors under concurrent load
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// Migrate creates the database schema
func (db *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		api_key_hash TEXT UNIQUE NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_seen_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS usage_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_name TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		session_id TEXT,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		cache_create_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_identity ON usage_records(
		device_name, timestamp, model, input_tokens, output_tokens, cache_create_tokens, cache_read_tokens
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		expiry REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expiry);
	`

	_, err := db.Exec(schema)
	return err
}

// CreateDevice registers a device under the hash of its API key
func (db *DB) CreateDevice(ctx context.Context, device *Device, apiKeyHash string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO devices (id, name, api_key_hash, created_at) VALUES (?, ?, ?, ?)`,
		device.ID, device.Name, apiKeyHash, device.CreatedAt.UTC(),
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return ErrDeviceExists
	}
	return err
}

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var d Device
	var lastSeen sql.NullTime
	if err := row.Scan(&d.ID, &d.Name, &d.CreatedAt, &lastSeen); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		d.LastSeenAt = &lastSeen.Time
	}
	return &d, nil
}

// GetDeviceByKeyHash retrieves the device owning an API key hash, nil if none
func (db *DB) GetDeviceByKeyHash(ctx context.Context, apiKeyHash string) (*Device, error) {
	d, err := scanDevice(db.QueryRowContext(ctx,
		`SELECT id, name, created_at, last_seen_at FROM devices WHERE api_key_hash = ?`,
		apiKeyHash,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// ListDevices returns all registered devices ordered by name
func (db *DB) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, name, created_at, last_seen_at FROM devices ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// TouchDevice records that a device just reported
func (db *DB) TouchDevice(ctx context.Context, id string, at time.Time) error {
	_, err := db.ExecContext(ctx, `UPDATE devices SET last_seen_at = ? WHERE id = ?`, at.UTC(), id)
	return err
}

// Tx is an ingestion transaction
type Tx struct {
	*sql.Tx
}

// BeginTx starts an ingestion transaction
func (db *DB) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx}, nil
}

// ExistsUsageRecord reports whether an identical record is already stored.
// The key is (device, timestamp, model, input, output, cache create, cache read);
// session id and total are not part of it.
func (tx *Tx) ExistsUsageRecord(ctx context.Context, r *UsageRecord) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM usage_records
		WHERE device_name = ? AND timestamp = ? AND model = ?
		  AND input_tokens = ? AND output_tokens = ?
		  AND cache_create_tokens = ? AND cache_read_tokens = ?
		LIMIT 1`,
		r.DeviceName, r.Timestamp, r.Model,
		r.InputTokens, r.OutputTokens,
		r.CacheCreateTokens, r.CacheReadTokens,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// InsertUsageRecord stores a record and sets its ID
func (tx *Tx) InsertUsageRecord(ctx context.Context, r *UsageRecord) error {
	var session sql.NullString
	if r.SessionID != "" {
		session = sql.NullString{String: r.SessionID, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO usage_records (
			device_name, timestamp, session_id, model,
			input_tokens, output_tokens, total_tokens,
			cache_create_tokens, cache_read_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DeviceName, r.Timestamp, session, r.Model,
		r.InputTokens, r.OutputTokens, r.TotalTokens,
		r.CacheCreateTokens, r.CacheReadTokens,
	)
	if err != nil {
		return err
	}
	r.ID, err = res.LastInsertId()
	return err
}

// QueryUsage returns every record with from <= timestamp <= to (unix
// seconds) across all devices, oldest first
func (db *DB) QueryUsage(ctx context.Context, from, to int64) ([]UsageRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, device_name, timestamp, session_id, model,
		       input_tokens, output_tokens, total_tokens,
		       cache_create_tokens, cache_read_tokens
		FROM usage_records
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp, id`,
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var r UsageRecord
		var session sql.NullString
		if err := rows.Scan(&r.ID, &r.DeviceName, &r.Timestamp, &session, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.TotalTokens,
			&r.CacheCreateTokens, &r.CacheReadTokens); err != nil {
			return nil, err
		}
		r.SessionID = session.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeviceNames returns every device name that has stored usage, sorted
func (db *DB) DeviceNames(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT device_name FROM usage_records ORDER BY device_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CountUsage returns the number of stored records
func (db *DB) CountUsage(ctx context.Context) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records`).Scan(&n)
	return n, err
}
