// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides plugin/enablement persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/2389/nova-gateway/internal/tenant"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// Two logical namespaces: plugins indexed by plugin id, enablements indexed
// by subject context.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS plugins (
			plugin_id        TEXT NOT NULL,
			version          INTEGER NOT NULL,
			context_type     TEXT NOT NULL,
			context_id       INTEGER NOT NULL,
			base_name        TEXT NOT NULL,
			description      TEXT NOT NULL,
			input_schema     TEXT NOT NULL,
			output_schema    TEXT,
			endpoint         TEXT NOT NULL,
			owner_account_id TEXT,
			created_at       TEXT NOT NULL,

			PRIMARY KEY (plugin_id, version),
			UNIQUE (context_type, context_id, base_name, version),
			CHECK (context_type IN ('user', 'group')),
			CHECK (version > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_plugins_owner_name
			ON plugins(context_type, context_id, base_name);

		CREATE TABLE IF NOT EXISTS enablements (
			context_type TEXT NOT NULL,
			context_id   INTEGER NOT NULL,
			plugin_id    TEXT NOT NULL,
			version      INTEGER NOT NULL DEFAULT 0,
			enabled      INTEGER NOT NULL,
			origin       TEXT NOT NULL,
			added_by     TEXT,
			updated_at   TEXT NOT NULL,

			PRIMARY KEY (context_type, context_id, plugin_id, version),
			CHECK (context_type IN ('user', 'group')),
			CHECK (origin IN ('auto', 'explicit'))
		);

		CREATE INDEX IF NOT EXISTS idx_enablements_plugin
			ON enablements(plugin_id);

		CREATE TABLE IF NOT EXISTS api_keys (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			key_hash   TEXT NOT NULL,
			created_at TEXT NOT NULL,
			revoked_at TEXT
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle for readiness probes.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateVersion inserts the next version row for a lineage inside a single
// transaction so two concurrent registrations cannot both observe version N
// and both write N+1. The owner's auto enablement record is written in the
// same transaction.
func (s *SQLiteStore) CreateVersion(ctx context.Context, p *Plugin, expectFirst bool) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1
		FROM plugins
		WHERE context_type = ? AND context_id = ? AND base_name = ?
	`, string(p.Owner.Type), p.Owner.ID, p.BaseName).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("computing next version: %w", err)
	}

	if expectFirst && next != 1 {
		return 0, ErrDuplicate
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plugins (plugin_id, version, context_type, context_id, base_name,
			description, input_schema, output_schema, endpoint, owner_account_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.PluginID,
		next,
		string(p.Owner.Type),
		p.Owner.ID,
		p.BaseName,
		p.Description,
		string(p.InputSchema),
		nullString(string(p.OutputSchema)),
		p.Endpoint,
		nullString(p.OwnerAccountID),
		p.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("inserting plugin version: %w", err)
	}

	// Auto-enable the lineage for its owner. INSERT OR IGNORE preserves an
	// explicit toggle the owner may already have made.
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO enablements
			(context_type, context_id, plugin_id, version, enabled, origin, added_by, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
	`,
		string(p.Owner.Type),
		p.Owner.ID,
		p.PluginID,
		LineageVersion,
		OriginAuto,
		nullString(p.OwnerAccountID),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("writing owner enablement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing version: %w", err)
	}

	s.logger.Debug("created plugin version",
		"plugin_id", p.PluginID,
		"base_name", p.BaseName,
		"version", next,
	)
	return next, nil
}

const pluginColumns = `plugin_id, version, context_type, context_id, base_name,
	description, input_schema, output_schema, endpoint, owner_account_id, created_at`

// GetPlugin returns the newest version row for the given plugin id.
func (s *SQLiteStore) GetPlugin(ctx context.Context, pluginID string) (*Plugin, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pluginColumns+`
		FROM plugins
		WHERE plugin_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, pluginID)
	return scanPlugin(row)
}

// GetVersion returns one specific version row.
func (s *SQLiteStore) GetVersion(ctx context.Context, pluginID string, version int) (*Plugin, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pluginColumns+`
		FROM plugins
		WHERE plugin_id = ? AND version = ?
	`, pluginID, version)
	return scanPlugin(row)
}

// GetByName resolves a version row by owner context and base name.
// Version 0 resolves the newest version.
func (s *SQLiteStore) GetByName(ctx context.Context, owner tenant.Context, baseName string, version int) (*Plugin, error) {
	var row *sql.Row
	if version == 0 {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+pluginColumns+`
			FROM plugins
			WHERE context_type = ? AND context_id = ? AND base_name = ?
			ORDER BY version DESC
			LIMIT 1
		`, string(owner.Type), owner.ID, baseName)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+pluginColumns+`
			FROM plugins
			WHERE context_type = ? AND context_id = ? AND base_name = ? AND version = ?
		`, string(owner.Type), owner.ID, baseName, version)
	}
	return scanPlugin(row)
}

// DeletePlugin removes every version row for the plugin id together with the
// enablement records referencing it.
func (s *SQLiteStore) DeletePlugin(ctx context.Context, pluginID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM plugins WHERE plugin_id = ?`, pluginID)
	if err != nil {
		return fmt.Errorf("deleting plugin: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM enablements WHERE plugin_id = ?`, pluginID); err != nil {
		return fmt.Errorf("deleting enablements: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted plugin", "plugin_id", pluginID, "versions", rowsAffected)
	return nil
}

// SetEnablement upserts an enablement record.
func (s *SQLiteStore) SetEnablement(ctx context.Context, e *Enablement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enablements
			(context_type, context_id, plugin_id, version, enabled, origin, added_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (context_type, context_id, plugin_id, version)
		DO UPDATE SET enabled = excluded.enabled,
			origin = excluded.origin,
			added_by = excluded.added_by,
			updated_at = excluded.updated_at
	`,
		string(e.Subject.Type),
		e.Subject.ID,
		e.PluginID,
		e.Version,
		boolToInt(e.Enabled),
		e.Origin,
		nullString(e.AddedBy),
		e.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting enablement: %w", err)
	}

	s.logger.Debug("set enablement",
		"subject", e.Subject.String(),
		"plugin_id", e.PluginID,
		"version", e.Version,
		"enabled", e.Enabled,
	)
	return nil
}

// GetEnablement fetches one enablement record.
func (s *SQLiteStore) GetEnablement(ctx context.Context, subject tenant.Context, pluginID string, version int) (*Enablement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT context_type, context_id, plugin_id, version, enabled, origin, added_by, updated_at
		FROM enablements
		WHERE context_type = ? AND context_id = ? AND plugin_id = ? AND version = ?
	`, string(subject.Type), subject.ID, pluginID, version)
	return scanEnablement(row)
}

// ListEnablements returns all enablement records for a subject context.
func (s *SQLiteStore) ListEnablements(ctx context.Context, subject tenant.Context) ([]*Enablement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT context_type, context_id, plugin_id, version, enabled, origin, added_by, updated_at
		FROM enablements
		WHERE context_type = ? AND context_id = ?
		ORDER BY plugin_id, version
	`, string(subject.Type), subject.ID)
	if err != nil {
		return nil, fmt.Errorf("querying enablements: %w", err)
	}
	defer rows.Close()

	var records []*Enablement
	for rows.Next() {
		e, err := scanEnablementRows(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating enablement rows: %w", err)
	}
	return records, nil
}

// scanner abstracts sql.Row and sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanPlugin(row scanner) (*Plugin, error) {
	var p Plugin
	var contextType string
	var outputSchema, ownerAccountID sql.NullString
	var createdAtStr string

	err := row.Scan(
		&p.PluginID,
		&p.Version,
		&contextType,
		&p.Owner.ID,
		&p.BaseName,
		&p.Description,
		(*rawMessageScanner)(&p.InputSchema),
		&outputSchema,
		&p.Endpoint,
		&ownerAccountID,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning plugin row: %w", err)
	}

	p.Owner.Type = tenant.ContextType(contextType)
	if outputSchema.Valid {
		p.OutputSchema = []byte(outputSchema.String)
	}
	if ownerAccountID.Valid {
		p.OwnerAccountID = ownerAccountID.String
	}
	p.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &p, nil
}

func scanEnablement(row *sql.Row) (*Enablement, error) {
	e, err := scanEnablementRows(row)
	if err == nil {
		return e, nil
	}
	return nil, err
}

func scanEnablementRows(row scanner) (*Enablement, error) {
	var e Enablement
	var contextType string
	var enabled int
	var addedBy sql.NullString
	var updatedAtStr string

	err := row.Scan(
		&contextType,
		&e.Subject.ID,
		&e.PluginID,
		&e.Version,
		&enabled,
		&e.Origin,
		&addedBy,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning enablement row: %w", err)
	}

	e.Subject.Type = tenant.ContextType(contextType)
	e.Enabled = enabled != 0
	if addedBy.Valid {
		e.AddedBy = addedBy.String
	}
	e.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &e, nil
}

// rawMessageScanner scans a TEXT column into a json.RawMessage.
type rawMessageScanner []byte

func (r *rawMessageScanner) Scan(src any) error {
	switch v := src.(type) {
	case string:
		*r = []byte(v)
	case []byte:
		*r = append([]byte(nil), v...)
	case nil:
		*r = nil
	default:
		return fmt.Errorf("unsupported schema column type %T", src)
	}
	return nil
}

// nullString returns nil for empty strings, otherwise the string value
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
