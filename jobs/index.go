package jobs

import (
	"context"
	"path"
	"strings"
	"sync"

	"github.com/filehub/filehub/internal/dcontext"
	"github.com/filehub/filehub/internal/errcode"
	"github.com/filehub/filehub/mount"
	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/store"
)

const dirtyBatchSize = 200

// Indexer maintains the per-mount search index: full rebuilds from backend
// listings and incremental application of the dirty queue. At most one
// operation runs per mount; a second request gets BUSY.
type Indexer struct {
	Store  *store.Store
	Mounts *mount.Manager

	mu   sync.Mutex
	busy map[string]bool
}

// NewIndexer builds an indexer.
func NewIndexer(s *store.Store, mounts *mount.Manager) *Indexer {
	return &Indexer{Store: s, Mounts: mounts, busy: map[string]bool{}}
}

func (ix *Indexer) acquire(mountID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.busy[mountID] {
		return errcode.ErrorCodeBusy.WithMessage("an index operation is already running for this mount")
	}
	ix.busy[mountID] = true
	return nil
}

func (ix *Indexer) release(mountID string) {
	ix.mu.Lock()
	delete(ix.busy, mountID)
	ix.mu.Unlock()
}

// Rebuild replaces the mount's index with a fresh walk of the backend
// listing.
func (ix *Indexer) Rebuild(ctx context.Context, mountID string) error {
	if err := ix.acquire(mountID); err != nil {
		return err
	}
	defer ix.release(mountID)

	mnt, err := ix.Store.GetMount(ctx, mountID)
	if err != nil {
		return err
	}

	if err := ix.Store.ClearIndex(ctx, mountID); err != nil {
		return err
	}

	count, err := ix.walk(ctx, mnt, "/")
	if err != nil {
		return err
	}
	dcontext.GetLoggerWithField(ctx, "mount.id", mountID).
		Infof("index rebuild complete, %d entries", count)
	return nil
}

func (ix *Indexer) walk(ctx context.Context, mnt *store.Mount, rel string) (int, error) {
	res, err := ix.Mounts.Resolve(ctx, joinMountPath(mnt.MountPath, rel))
	if err != nil {
		return 0, err
	}
	reader, ok := res.Driver.(driver.Reader)
	if !ok || !res.Driver.Capabilities().Has(driver.CapReader) {
		return 0, errcode.ErrorCodeUnsupported.WithMessage("backend cannot list")
	}

	count := 0
	pageToken := ""
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		listing, err := reader.ListDirectory(ctx, res.SubPath, driver.CallOptions{
			Path: res.LogicalPath, SubPath: res.SubPath, Channel: "internal", PageToken: pageToken,
		})
		if err != nil {
			return count, err
		}

		for _, item := range listing.Items {
			childRel := path.Join(rel, item.Name)
			entry := &store.IndexEntry{
				MountID: mnt.ID,
				Path:    childRel,
				IsDir:   item.IsDirectory,
				Size:    item.Size,
				State:   "ready",
			}
			if err := ix.Store.UpsertIndexEntry(ctx, entry); err != nil {
				return count, err
			}
			count++

			if item.IsDirectory {
				n, err := ix.walk(ctx, mnt, childRel)
				count += n
				if err != nil {
					return count, err
				}
			}
		}

		if listing.NextPageToken == "" {
			return count, nil
		}
		pageToken = listing.NextPageToken
	}
}

// ApplyDirty drains the mount's dirty queue into the index, FIFO.
func (ix *Indexer) ApplyDirty(ctx context.Context, mountID string) error {
	if err := ix.acquire(mountID); err != nil {
		return err
	}
	defer ix.release(mountID)

	mnt, err := ix.Store.GetMount(ctx, mountID)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := ix.Store.DequeueDirty(ctx, mountID, dirtyBatchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		acked := make([]int64, 0, len(entries))
		for _, e := range entries {
			if err := ix.applyOne(ctx, mnt, e); err != nil {
				dcontext.GetLoggerWithField(ctx, "mount.id", mountID).
					WithError(err).Warnf("dirty entry for %s left queued", e.Path)
				continue
			}
			acked = append(acked, e.Seq)
		}
		if err := ix.Store.AckDirty(ctx, acked); err != nil {
			return err
		}
		if len(acked) == 0 {
			// Nothing progressed; bail rather than spin on poison entries.
			return nil
		}
	}
}

func (ix *Indexer) applyOne(ctx context.Context, mnt *store.Mount, e store.DirtyEntry) error {
	if e.Op == "delete" {
		return ix.Store.DeleteIndexEntry(ctx, mnt.ID, e.Path)
	}

	res, err := ix.Mounts.Resolve(ctx, joinMountPath(mnt.MountPath, e.Path))
	if err != nil {
		return err
	}
	reader, ok := res.Driver.(driver.Reader)
	if !ok {
		return errcode.ErrorCodeUnsupported.WithMessage("backend cannot stat")
	}

	info, err := reader.GetFileInfo(ctx, res.SubPath, driver.CallOptions{
		Path: res.LogicalPath, SubPath: res.SubPath, Channel: "internal",
	})
	if driver.IsNotFound(err) {
		// Upserted then removed before we got here; treat as a delete.
		return ix.Store.DeleteIndexEntry(ctx, mnt.ID, e.Path)
	}
	if err != nil {
		return err
	}

	return ix.Store.UpsertIndexEntry(ctx, &store.IndexEntry{
		MountID: mnt.ID,
		Path:    e.Path,
		IsDir:   info.IsDirectory,
		Size:    info.Size,
		State:   "ready",
	})
}

func joinMountPath(mountPath, rel string) string {
	return path.Join("/", strings.TrimSuffix(mountPath, "/"), rel)
}
