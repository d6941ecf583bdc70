package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the SQLite database connections for rule and alert storage.
// PERFORMANCE: Separate read and write pools to leverage WAL mode's
// concurrent read capability (unlimited readers + exactly one writer).
type SQLite struct {
	WriteDB *sql.DB // Write-only pool (MaxOpenConns=1 for WAL single writer)
	ReadDB  *sql.DB // Read-only pool (MaxOpenConns=10 for concurrent reads)
	Path    string
	Logger  *zap.SugaredLogger
}

// configureSQLiteConnection sets up WAL mode, foreign keys, and busy
// timeout on a pool. WAL and foreign keys are verified after setting:
// SQLite silently ignores unknown pragmas, so we cannot trust Exec alone.
func configureSQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string, poolType string) error {
	_, err := db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// SQLite disables foreign keys by default - MUST enable explicitly
	_, err = db.Exec("PRAGMA foreign_keys=ON")
	if err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	var fkEnabled int
	err = db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled)
	if err != nil {
		return fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if fkEnabled != 1 {
		return fmt.Errorf("foreign keys not enabled (got: %d, expected: 1)", fkEnabled)
	}

	// Set busy timeout to prevent immediate SQLITE_BUSY errors
	_, err = db.Exec("PRAGMA busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// In-memory databases use "memory" journal mode, not "wal"
	var journalMode string
	err = db.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s, expected: wal)", journalMode)
	}
	logger.Infof("SQLite %s pool: journal mode %s, foreign keys on", poolType, journalMode)

	return nil
}

// NewSQLite opens the database with separate read and write pools and runs
// migrations.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if dbPath != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// For in-memory databases use shared cache mode so both pools see the
	// same database; otherwise each sql.Open(":memory:") is a separate
	// empty database.
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	if err := configureSQLiteConnection(writeDB, logger, dbPath, "write"); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}

	// WAL mode requires exactly one writer at a time
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	writeDB.SetConnMaxIdleTime(10 * time.Minute)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	if err := configureSQLiteConnection(readDB, logger, dbPath, "read"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}

	// Enforce read-only access on the read pool at the SQLite level
	_, err = readDB.Exec("PRAGMA query_only=ON")
	if err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to enable query_only mode on read pool: %w", err)
	}

	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}

	if err := s.createTables(); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infof("SQLite database initialized at %s with separate read/write pools", dbPath)
	return s, nil
}

// WithTransaction executes a function within a write transaction, rolling
// back on error or panic.
func (s *SQLite) WithTransaction(fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// createTables creates all necessary tables and indexes.
func (s *SQLite) createTables() error {
	schema := `
	-- Threat detection rules
	CREATE TABLE IF NOT EXISTS threat_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		condition_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		config TEXT NOT NULL, -- JSON
		tags TEXT,            -- JSON array
		match_count INTEGER NOT NULL DEFAULT 0,
		last_matched_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_threat_rules_status ON threat_rules(status);
	CREATE INDEX IF NOT EXISTS idx_threat_rules_severity ON threat_rules(severity);
	CREATE INDEX IF NOT EXISTS idx_threat_rules_condition_type ON threat_rules(condition_type);

	-- Security alerts. The partial unique index backstops correlation: at
	-- most one open (non-terminal) alert per fingerprint.
	CREATE TABLE IF NOT EXISTS security_alerts (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		fingerprint TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		rule_id TEXT NOT NULL,
		rule_name TEXT NOT NULL,
		user_id TEXT,
		user_email TEXT,
		ip_address TEXT,
		user_agent TEXT,
		session_id TEXT,
		score INTEGER NOT NULL DEFAULT 0,
		evidence TEXT, -- JSON object
		context TEXT,  -- JSON object
		occurrence_count INTEGER NOT NULL DEFAULT 1,
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		dispatched_channels TEXT, -- JSON array
		dispatch_attempts INTEGER NOT NULL DEFAULT 0,
		last_dispatch_at TEXT,
		dispatch_errors TEXT, -- JSON array
		acknowledged_by TEXT,
		acknowledged_at TEXT,
		resolved_by TEXT,
		resolved_at TEXT,
		resolution_notes TEXT,
		suppressed_until TEXT,
		suppression_reason TEXT,
		expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open_fingerprint
		ON security_alerts(fingerprint)
		WHERE status NOT IN ('RESOLVED', 'FAILED');
	CREATE INDEX IF NOT EXISTS idx_alerts_status ON security_alerts(status);
	CREATE INDEX IF NOT EXISTS idx_alerts_severity ON security_alerts(severity);
	CREATE INDEX IF NOT EXISTS idx_alerts_rule_id ON security_alerts(rule_id);
	CREATE INDEX IF NOT EXISTS idx_alerts_last_seen ON security_alerts(last_seen);

	-- Notification delivery attempts per alert and channel
	CREATE TABLE IF NOT EXISTS alert_notifications (
		id TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		recipient TEXT,
		status TEXT NOT NULL DEFAULT 'QUEUED',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		sent_at TEXT,
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (alert_id) REFERENCES security_alerts(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_alert_id ON alert_notifications(alert_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_status ON alert_notifications(status);

	-- Analyst comments on alerts
	CREATE TABLE IF NOT EXISTS alert_comments (
		id TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		author_email TEXT,
		comment TEXT NOT NULL,
		metadata TEXT, -- JSON object
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (alert_id) REFERENCES security_alerts(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_comments_alert_id ON alert_comments(alert_id);
	`

	if _, err := s.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Close closes both connection pools.
func (s *SQLite) Close() error {
	var firstErr error
	if err := s.WriteDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.ReadDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
