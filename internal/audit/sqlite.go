package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink appends audit entries to a sqlite table.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the audit database at dsn.
func NewSQLiteSink(dsn string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection so the table survives across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		trust_level TEXT NOT NULL,
		details TEXT
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Log appends one entry. Details are stored as JSON.
func (s *SQLiteSink) Log(action, actor, trustLevel string, details map[string]any) error {
	var detailJSON []byte
	if details != nil {
		var err error
		detailJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log (ts, action, actor, trust_level, details) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC(), action, actor, trustLevel, string(detailJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Count returns the number of entries recorded for an action, or all entries
// when action is empty.
func (s *SQLiteSink) Count(action string) (int, error) {
	var n int
	var err error
	if action == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE action = ?`, action).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
