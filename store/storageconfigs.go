package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrConfigReferenced reports a deletion attempt on a config still bound by
// mounts.
var ErrConfigReferenced = errors.New("storage config is referenced by mounts")

// ErrNotFound reports a missing row; callers map it to a 404.
var ErrNotFound = errors.New("not found")

// CreateStorageConfig persists a new config. An empty ID is assigned.
func (s *Store) CreateStorageConfig(ctx context.Context, cfg *StorageConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.CreatedAt == 0 {
		cfg.CreatedAt = nowMs()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO storage_configs
			(id, name, storage_type, config_json, secret_cipher, total_storage_bytes,
			 enable_disk_usage, is_default, is_public, created_at, last_used)
		VALUES
			(:id, :name, :storage_type, :config_json, :secret_cipher, :total_storage_bytes,
			 :enable_disk_usage, :is_default, :is_public, :created_at, :last_used)`, cfg)
	if err != nil {
		return fmt.Errorf("inserting storage config %q: %w", cfg.Name, err)
	}
	return nil
}

// UpdateStorageConfig rewrites the mutable columns of an existing config.
func (s *Store) UpdateStorageConfig(ctx context.Context, cfg *StorageConfig) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE storage_configs SET
			name = :name,
			config_json = :config_json,
			secret_cipher = :secret_cipher,
			total_storage_bytes = :total_storage_bytes,
			enable_disk_usage = :enable_disk_usage,
			is_default = :is_default,
			is_public = :is_public
		WHERE id = :id`, cfg)
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

// GetStorageConfig loads one config by id.
func (s *Store) GetStorageConfig(ctx context.Context, id string) (*StorageConfig, error) {
	var cfg StorageConfig
	err := s.db.GetContext(ctx, &cfg, `SELECT * FROM storage_configs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListStorageConfigs returns every config, name-ordered.
func (s *Store) ListStorageConfigs(ctx context.Context) ([]StorageConfig, error) {
	var cfgs []StorageConfig
	err := s.db.SelectContext(ctx, &cfgs, `SELECT * FROM storage_configs ORDER BY name`)
	return cfgs, err
}

// DeleteStorageConfig removes a config, refusing while mounts reference it.
func (s *Store) DeleteStorageConfig(ctx context.Context, id string) error {
	var refs int
	if err := s.db.GetContext(ctx, &refs,
		`SELECT COUNT(*) FROM mounts WHERE storage_config_id = ?`, id); err != nil {
		return err
	}
	if refs > 0 {
		return ErrConfigReferenced
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM storage_configs WHERE id = ?`, id)
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

// TouchStorageConfig bumps last_used.
func (s *Store) TouchStorageConfig(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE storage_configs SET last_used = ? WHERE id = ?`, nowMs(), id)
	return err
}
