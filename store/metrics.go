package store

import (
	"context"
	"database/sql"
	"errors"
)

// Metric scope and key used for computed usage snapshots.
const (
	ScopeStorageConfig = "storage_config"
	MetricComputedUsed = "computed_usage"
)

// PutSnapshot records a successful usage computation, replacing the value
// columns and clearing any prior error.
func (s *Store) PutSnapshot(ctx context.Context, scopeType, scopeID, key string, valueNum int64, valueText string, valueJSON *string) error {
	now := nowMs()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics_cache
			(scope_type, scope_id, metric_key, value_num, value_text, value_json_text,
			 snapshot_at_ms, updated_at_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (scope_type, scope_id, metric_key) DO UPDATE SET
			value_num = excluded.value_num,
			value_text = excluded.value_text,
			value_json_text = excluded.value_json_text,
			snapshot_at_ms = excluded.snapshot_at_ms,
			updated_at_ms = excluded.updated_at_ms,
			error_message = NULL`,
		scopeType, scopeID, key, valueNum, valueText, valueJSON, now, now)
	return err
}

// PutSnapshotError records a failed computation. Prior value columns are
// preserved untouched; only updated_at_ms and error_message move.
func (s *Store) PutSnapshotError(ctx context.Context, scopeType, scopeID, key, message string) error {
	now := nowMs()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics_cache
			(scope_type, scope_id, metric_key, value_num, value_text, value_json_text,
			 snapshot_at_ms, updated_at_ms, error_message)
		VALUES (?, ?, ?, NULL, NULL, NULL, NULL, ?, ?)
		ON CONFLICT (scope_type, scope_id, metric_key) DO UPDATE SET
			updated_at_ms = excluded.updated_at_ms,
			error_message = excluded.error_message`,
		scopeType, scopeID, key, now, message)
	return err
}

// GetSnapshot loads one snapshot row.
func (s *Store) GetSnapshot(ctx context.Context, scopeType, scopeID, key string) (*MetricsSnapshot, error) {
	var snap MetricsSnapshot
	err := s.db.GetContext(ctx, &snap, `
		SELECT * FROM metrics_cache
		WHERE scope_type = ? AND scope_id = ? AND metric_key = ?`,
		scopeType, scopeID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
