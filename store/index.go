package store

import (
	"context"
)

// Dirty queue operations. FIFO per mount by autoincrement seq.

// EnqueueDirty appends one change event for a mount.
func (s *Store) EnqueueDirty(ctx context.Context, mountID, path, op string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fs_dirty_queue (mount_id, path, op, enqueued_at)
		VALUES (?, ?, ?, ?)`, mountID, path, op, nowMs())
	return err
}

// DequeueDirty returns up to limit events for a mount in FIFO order. Entries
// stay queued until AckDirty removes them.
func (s *Store) DequeueDirty(ctx context.Context, mountID string, limit int) ([]DirtyEntry, error) {
	var entries []DirtyEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM fs_dirty_queue
		WHERE mount_id = ? ORDER BY seq LIMIT ?`, mountID, limit)
	return entries, err
}

// AckDirty removes processed events by seq.
func (s *Store) AckDirty(ctx context.Context, seqs []int64) error {
	for _, seq := range seqs {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM fs_dirty_queue WHERE seq = ?`, seq); err != nil {
			return err
		}
	}
	return nil
}

// DirtyCount reports the pending events for a mount.
func (s *Store) DirtyCount(ctx context.Context, mountID string) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM fs_dirty_queue WHERE mount_id = ?`, mountID)
	return n, err
}

// StaleMountIDs returns the mounts with pending dirty entries among ids.
func (s *Store) StaleMountIDs(ctx context.Context, mountIDs []string) ([]string, error) {
	stale := []string{}
	for _, id := range mountIDs {
		n, err := s.DirtyCount(ctx, id)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			stale = append(stale, id)
		}
	}
	return stale, nil
}

// Search index operations.

// UpsertIndexEntry writes one index row.
func (s *Store) UpsertIndexEntry(ctx context.Context, e *IndexEntry) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO fs_search_index_entries (mount_id, path, is_dir, size, state)
		VALUES (:mount_id, :path, :is_dir, :size, :state)
		ON CONFLICT (mount_id, path) DO UPDATE SET
			is_dir = excluded.is_dir,
			size = excluded.size,
			state = excluded.state`, e)
	return err
}

// DeleteIndexEntry removes one index row.
func (s *Store) DeleteIndexEntry(ctx context.Context, mountID, path string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM fs_search_index_entries WHERE mount_id = ? AND path = ?`, mountID, path)
	return err
}

// ClearIndex drops every row for a mount, before a rebuild.
func (s *Store) ClearIndex(ctx context.Context, mountID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM fs_search_index_entries WHERE mount_id = ?`, mountID)
	return err
}

// SearchIndex returns entries whose path contains the query, across mounts.
func (s *Store) SearchIndex(ctx context.Context, query string, limit int) ([]IndexEntry, error) {
	var entries []IndexEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM fs_search_index_entries
		WHERE path LIKE '%' || ? || '%' AND state = 'ready'
		ORDER BY mount_id, path LIMIT ?`, query, limit)
	return entries, err
}

// IndexSizeSum sums file sizes in ready state across the given mounts.
// Returns (nil, nil) when no file rows exist for any of them.
func (s *Store) IndexSizeSum(ctx context.Context, mountIDs []string) (*int64, error) {
	var total int64
	found := false
	for _, id := range mountIDs {
		var n int
		if err := s.db.GetContext(ctx, &n, `
			SELECT COUNT(*) FROM fs_search_index_entries
			WHERE mount_id = ? AND is_dir = 0 AND state = 'ready'`, id); err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		found = true

		var sum int64
		if err := s.db.GetContext(ctx, &sum, `
			SELECT COALESCE(SUM(size), 0) FROM fs_search_index_entries
			WHERE mount_id = ? AND is_dir = 0 AND state = 'ready'`, id); err != nil {
			return nil, err
		}
		total += sum
	}
	if !found {
		return nil, nil
	}
	return &total, nil
}

// VFS inventory operations.

// UpsertVfsNode writes one inventory row.
func (s *Store) UpsertVfsNode(ctx context.Context, n *VfsNode) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO vfs_nodes (scope_type, scope_id, node_type, path, size, status)
		VALUES (:scope_type, :scope_id, :node_type, :path, :size, :status)
		ON CONFLICT (scope_type, scope_id, path) DO UPDATE SET
			node_type = excluded.node_type,
			size = excluded.size,
			status = excluded.status`, n)
	return err
}

// VfsSizeSum sums active file-node sizes for a scope. Returns (nil, nil)
// when the scope has no file nodes, meaning the inventory is not the source
// of truth for it.
func (s *Store) VfsSizeSum(ctx context.Context, scopeType, scopeID string) (*int64, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM vfs_nodes
		WHERE scope_type = ? AND scope_id = ? AND node_type = 'file' AND status = 'active'`,
		scopeType, scopeID); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	var sum int64
	if err := s.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(size), 0) FROM vfs_nodes
		WHERE scope_type = ? AND scope_id = ? AND node_type = 'file' AND status = 'active'`,
		scopeType, scopeID); err != nil {
		return nil, err
	}
	return &sum, nil
}
