package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// APIKey is a stored controller credential. Only the hash is persisted.
type APIKey struct {
	ID           string `json:"id"`
	ControllerID string `json:"controller_id"`
	Name         string `json:"name,omitempty"`
	KeyHash      string `json:"key_hash"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the
// hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.ControllerID == "" {
		return errors.New("controller_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	var q execer = r.DB
	if tx != nil {
		q = tx
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := q.ExecContext(ctx, `INSERT INTO api_keys(id, controller_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ControllerID, nullableStr(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, controller_id, COALESCE(name,''), key_hash, created_at FROM api_keys WHERE key_hash=? LIMIT 1`, hash)
	var key APIKey
	err := row.Scan(&key.ID, &key.ControllerID, &key.Name, &key.KeyHash, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return APIKey{}, ErrNotFound
	}
	if err != nil {
		return APIKey{}, err
	}
	return key, nil
}

// ListAPIKeys returns API keys, optionally filtered by controller ID.
func (r Repo) ListAPIKeys(ctx context.Context, controllerID string) ([]APIKey, error) {
	query := `SELECT id, controller_id, COALESCE(name,''), key_hash, created_at FROM api_keys`
	var args []any
	if controllerID != "" {
		query += ` WHERE controller_id=?`
		args = append(args, controllerID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []APIKey
	for rows.Next() {
		var key APIKey
		if err := rows.Scan(&key.ID, &key.ControllerID, &key.Name, &key.KeyHash, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	_, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	return err
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
