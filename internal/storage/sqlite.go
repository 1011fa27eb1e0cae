package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore wraps the edge node's local database. It satisfies Store
// for key-value data and additionally persists sensor readings and the
// command audit trail.
type SQLiteStore struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database at path.
func Open(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &SQLiteStore{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *SQLiteStore) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *SQLiteStore) migrate() error {
	schema := `
	-- Key-value state: credentials, calibration offsets
	CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Environmental readings reported by devices
	CREATE TABLE IF NOT EXISTS sensor_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL,
		illuminance INTEGER NOT NULL,
		temperature REAL NOT NULL,
		humidity REAL NOT NULL,
		captured_at DATETIME NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		synced_to_cloud INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sensor_readings_device ON sensor_readings(device_id);
	CREATE INDEX IF NOT EXISTS idx_sensor_readings_captured ON sensor_readings(captured_at);
	CREATE INDEX IF NOT EXISTS idx_sensor_readings_synced ON sensor_readings(synced_to_cloud);

	-- Audit trail of dispatched commands
	CREATE TABLE IF NOT EXISTS command_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL,
		command TEXT NOT NULL,
		position INTEGER DEFAULT 0,
		priority TEXT NOT NULL,
		succeeded INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		synced_to_cloud INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_command_audit_device ON command_audit(device_id);
	CREATE INDEX IF NOT EXISTS idx_command_audit_timestamp ON command_audit(timestamp);
	CREATE INDEX IF NOT EXISTS idx_command_audit_synced ON command_audit(synced_to_cloud);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Key-Value Operations ---

// Get returns the value for key or ErrNotFound.
func (db *SQLiteStore) Get(key string) (string, error) {
	var value string
	err := db.conn.QueryRow("SELECT value FROM kv_store WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set stores value under key, replacing any previous value.
func (db *SQLiteStore) Set(key, value string) error {
	query := `INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	_, err := db.conn.Exec(query, key, value, time.Now())
	return err
}

// Remove deletes key. Removing an absent key is not an error.
func (db *SQLiteStore) Remove(key string) error {
	_, err := db.conn.Exec("DELETE FROM kv_store WHERE key = ?", key)
	return err
}

// Clear removes every key.
func (db *SQLiteStore) Clear() error {
	_, err := db.conn.Exec("DELETE FROM kv_store")
	return err
}

// --- Sensor Reading Operations ---

// InsertSensorRecord inserts a new sensor reading
func (db *SQLiteStore) InsertSensorRecord(r *SensorRecord) (int64, error) {
	query := `INSERT INTO sensor_readings
		(device_id, illuminance, temperature, humidity, captured_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	recordedAt := r.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	result, err := db.conn.Exec(query, r.DeviceID, r.Illuminance, r.Temperature,
		r.Humidity, r.CapturedAt, recordedAt)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetSensorRecords retrieves the most recent readings for a device
func (db *SQLiteStore) GetSensorRecords(deviceID int32, limit int) ([]*SensorRecord, error) {
	query := `SELECT id, device_id, illuminance, temperature, humidity, captured_at, recorded_at, synced_to_cloud
		FROM sensor_readings WHERE device_id = ?
		ORDER BY captured_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*SensorRecord
	for rows.Next() {
		r := &SensorRecord{}
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Illuminance, &r.Temperature,
			&r.Humidity, &r.CapturedAt, &r.RecordedAt, &r.Synced); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetUnsyncedSensorRecords retrieves readings not yet synced to cloud
func (db *SQLiteStore) GetUnsyncedSensorRecords(limit int) ([]*SensorRecord, error) {
	query := `SELECT id, device_id, illuminance, temperature, humidity, captured_at, recorded_at, synced_to_cloud
		FROM sensor_readings WHERE synced_to_cloud = 0
		ORDER BY captured_at LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*SensorRecord
	for rows.Next() {
		r := &SensorRecord{}
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Illuminance, &r.Temperature,
			&r.Humidity, &r.CapturedAt, &r.RecordedAt, &r.Synced); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// MarkSensorRecordSynced marks a reading as synced
func (db *SQLiteStore) MarkSensorRecordSynced(id int64) error {
	_, err := db.conn.Exec("UPDATE sensor_readings SET synced_to_cloud = 1 WHERE id = ?", id)
	return err
}

// --- Command Audit Operations ---

// InsertCommandRecord inserts a new command audit entry
func (db *SQLiteStore) InsertCommandRecord(r *CommandRecord) (int64, error) {
	query := `INSERT INTO command_audit
		(device_id, command, position, priority, succeeded, attempts, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	result, err := db.conn.Exec(query, r.DeviceID, r.Command, r.Position,
		r.Priority, r.Succeeded, r.Attempts, ts)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetCommandRecords retrieves the most recent command audit entries for a device
func (db *SQLiteStore) GetCommandRecords(deviceID int32, limit int) ([]*CommandRecord, error) {
	query := `SELECT id, device_id, command, position, priority, succeeded, attempts, timestamp, synced_to_cloud
		FROM command_audit WHERE device_id = ?
		ORDER BY timestamp DESC LIMIT ?`

	rows, err := db.conn.Query(query, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*CommandRecord
	for rows.Next() {
		r := &CommandRecord{}
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Command, &r.Position,
			&r.Priority, &r.Succeeded, &r.Attempts, &r.Timestamp, &r.Synced); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetUnsyncedCommandRecords retrieves audit entries not yet synced to cloud
func (db *SQLiteStore) GetUnsyncedCommandRecords(limit int) ([]*CommandRecord, error) {
	query := `SELECT id, device_id, command, position, priority, succeeded, attempts, timestamp, synced_to_cloud
		FROM command_audit WHERE synced_to_cloud = 0
		ORDER BY timestamp LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*CommandRecord
	for rows.Next() {
		r := &CommandRecord{}
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Command, &r.Position,
			&r.Priority, &r.Succeeded, &r.Attempts, &r.Timestamp, &r.Synced); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// MarkCommandRecordSynced marks an audit entry as synced
func (db *SQLiteStore) MarkCommandRecordSynced(id int64) error {
	_, err := db.conn.Exec("UPDATE command_audit SET synced_to_cloud = 1 WHERE id = ?", id)
	return err
}
