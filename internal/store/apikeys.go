// ABOUTME: API key persistence for the management surface.
// ABOUTME: Keys are stored as bcrypt hashes; plaintext is never written.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateAPIKey stores a new management credential.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, key_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, key.ID, key.Name, key.KeyHash, key.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting api key: %w", err)
	}

	s.logger.Info("created api key", "id", key.ID, "name", key.Name)
	return nil
}

// ListAPIKeys returns all non-revoked credentials.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, key_hash, created_at, revoked_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		var createdAtStr string
		var revokedAt sql.NullString

		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &createdAtStr, &revokedAt); err != nil {
			return nil, fmt.Errorf("scanning api key row: %w", err)
		}

		k.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if revokedAt.Valid {
			t, err := time.Parse(time.RFC3339, revokedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing revoked_at: %w", err)
			}
			k.RevokedAt = &t
		}
		keys = append(keys, &k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api key rows: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey marks a credential revoked.
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL
	`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("revoked api key", "id", id)
	return nil
}
