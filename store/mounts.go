package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// CreateMount persists a mount. mount_path must be unique.
func (s *Store) CreateMount(ctx context.Context, m *Mount) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO mounts (id, storage_config_id, mount_path, default_subfolder)
		VALUES (:id, :storage_config_id, :mount_path, :default_subfolder)`, m)
	return err
}

// GetMount loads one mount by id.
func (s *Store) GetMount(ctx context.Context, id string) (*Mount, error) {
	var m Mount
	err := s.db.GetContext(ctx, &m, `SELECT * FROM mounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMounts returns every mount ordered by descending path length so the
// first prefix match is the longest.
func (s *Store) ListMounts(ctx context.Context) ([]Mount, error) {
	var ms []Mount
	err := s.db.SelectContext(ctx, &ms,
		`SELECT * FROM mounts ORDER BY LENGTH(mount_path) DESC, mount_path`)
	return ms, err
}

// ListMountsForConfig returns the mounts backed by one config.
func (s *Store) ListMountsForConfig(ctx context.Context, configID string) ([]Mount, error) {
	var ms []Mount
	err := s.db.SelectContext(ctx, &ms,
		`SELECT * FROM mounts WHERE storage_config_id = ? ORDER BY mount_path`, configID)
	return ms, err
}

// DeleteMount removes one mount.
func (s *Store) DeleteMount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
