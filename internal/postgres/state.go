package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
)

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// StateTable keeps one JSONB document in a single-row table
type StateTable struct {
	db    *sql.DB
	table string
}

// NewStateTable binds to table, which must be a plain lowercase identifier
func NewStateTable(db *sql.DB, table string) (*StateTable, error) {
	if table == "" {
		table = "pgql_state"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid state table name %q", table)
	}
	return &StateTable{db: db, table: table}, nil
}

// Ensure creates the table when it does not exist
func (s *StateTable) Ensure(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			payload    JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, s.table))
	return err
}

// Load returns the stored document, or nil when none was saved yet
func (s *StateTable) Load(ctx context.Context) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT payload FROM %s WHERE id = 1`, s.table)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Save replaces the stored document
func (s *StateTable) Save(ctx context.Context, payload []byte) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, payload, updated_at)
		VALUES (1, $1::jsonb, now())
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
	`, s.table), string(payload))
	return err
}

// Close closes the underlying pool
func (s *StateTable) Close() error {
	return s.db.Close()
}
