package sessionstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements domain.SessionStore on an embedded SQLite file.
type SQLiteStore struct {
	*sqlStore
	dbPath string
}

// NewSQLiteStore opens or creates the database file and its schema.
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("SQLite session store ready")
	return &SQLiteStore{
		sqlStore: &sqlStore{db: db, log: logger, isUnique: isSQLiteUnique},
		dbPath:   dbPath,
	}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func isSQLiteUnique(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(serr.Error(), "UNIQUE")
	}
	return false
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS prescreening_sessions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		trial_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		total_questions INTEGER NOT NULL DEFAULT 0,
		answered_questions INTEGER NOT NULL DEFAULT 0
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_prescreening_sessions_in_progress
		ON prescreening_sessions(session_id, trial_id) WHERE status = 'in_progress';
	CREATE INDEX IF NOT EXISTS idx_prescreening_sessions_latest
		ON prescreening_sessions(session_id, trial_id, started_at);

	CREATE TABLE IF NOT EXISTS prescreening_answers (
		prescreening_id TEXT NOT NULL REFERENCES prescreening_sessions(id) ON DELETE CASCADE,
		criterion_id TEXT NOT NULL,
		question_text TEXT NOT NULL,
		raw_response TEXT NOT NULL,
		parsed_value TEXT NOT NULL,
		interpretation TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		answered_at DATETIME NOT NULL,
		PRIMARY KEY (prescreening_id, criterion_id)
	);

	CREATE TABLE IF NOT EXISTS eligibility_results (
		id TEXT PRIMARY KEY,
		prescreening_id TEXT NOT NULL UNIQUE REFERENCES prescreening_sessions(id) ON DELETE CASCADE,
		session_id TEXT NOT NULL,
		trial_id TEXT NOT NULL,
		overall_status TEXT NOT NULL,
		inclusion_met INTEGER NOT NULL,
		inclusion_total INTEGER NOT NULL,
		exclusion_met INTEGER NOT NULL,
		exclusion_total INTEGER NOT NULL,
		verdicts TEXT NOT NULL,
		summary_text TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`

	_, err := db.Exec(schema)
	return err
}
