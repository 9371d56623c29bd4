package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailtriage/internal/model"
)

// SQLiteStore implements RuleStore using a local SQLite database.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ RuleStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// GetRules returns the current rule set. A store that has never been
// written returns the placeholder rules.
func (s *SQLiteStore) GetRules(ctx context.Context) (model.RuleSet, error) {
	var rs model.RuleSet
	err := s.db.GetContext(ctx, &rs, "SELECT text, updated_at FROM rules WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return model.RuleSet{Text: model.DefaultRulesText}, nil
	}
	if err != nil {
		return model.RuleSet{}, fmt.Errorf("getting rules: %w", err)
	}
	return rs, nil
}

// SaveRules replaces the current rule text and records the previous one
// as a revision. Saving unchanged text is a no-op.
func (s *SQLiteStore) SaveRules(ctx context.Context, text string) (model.RuleSet, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.RuleSet{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var prev model.RuleSet
	err = tx.GetContext(ctx, &prev, "SELECT text, updated_at FROM rules WHERE id = 1")
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return model.RuleSet{}, fmt.Errorf("reading current rules: %w", err)
	case prev.Text == text:
		return prev, nil
	default:
		_, err = tx.ExecContext(ctx,
			"INSERT INTO rule_revisions (id, text, updated_at) VALUES (?, ?, ?)",
			uuid.New().String(), prev.Text, prev.UpdatedAt.UTC(),
		)
		if err != nil {
			return model.RuleSet{}, fmt.Errorf("recording rule revision: %w", err)
		}
	}

	rs := model.RuleSet{Text: text, UpdatedAt: s.now().UTC()}
	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO rules (id, text, updated_at) VALUES (1, ?, ?)",
		rs.Text, rs.UpdatedAt,
	)
	if err != nil {
		return model.RuleSet{}, fmt.Errorf("saving rules: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.RuleSet{}, fmt.Errorf("committing rules: %w", err)
	}
	return rs, nil
}

// RuleHistory returns earlier rule texts, newest first.
func (s *SQLiteStore) RuleHistory(ctx context.Context, limit int) ([]RuleRevision, error) {
	query := "SELECT id, text, updated_at FROM rule_revisions ORDER BY updated_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var revs []RuleRevision
	if err := s.db.SelectContext(ctx, &revs, query); err != nil {
		return nil, fmt.Errorf("querying rule history: %w", err)
	}
	return revs, nil
}
