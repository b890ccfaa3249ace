package quota

import (
	"context"
	"fmt"

	"github.com/filehub/filehub/internal/errcode"
	"github.com/filehub/filehub/store"
)

// Admit decides whether a write of incomingBytes may proceed against the
// config's limit. oldBytes, when non-nil, is the size of the file being
// replaced and offsets the incoming bytes.
//
// The guard reads only the persisted snapshot; it never computes usage
// synchronously, so an upload can not stall on a disk scan or an upstream
// probe. No snapshot means allow.
func (e *Engine) Admit(ctx context.Context, configID string, incomingBytes int64, oldBytes *int64) error {
	cfg, err := e.store.GetStorageConfig(ctx, configID)
	if err != nil {
		return err
	}
	if cfg.TotalStorageBytes == nil || *cfg.TotalStorageBytes <= 0 {
		return nil
	}
	limit := *cfg.TotalStorageBytes

	snap, err := e.store.GetSnapshot(ctx, store.ScopeStorageConfig, configID, store.MetricComputedUsed)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if snap.ValueNum == nil {
		return nil
	}
	used := *snap.ValueNum

	effective := incomingBytes
	if oldBytes != nil {
		effective -= *oldBytes
	}
	if effective < 0 {
		effective = 0
	}

	if used+effective > limit {
		remaining := limit - used
		if remaining < 0 {
			remaining = 0
		}
		return errcode.ErrorCodeValidation.WithMessage(fmt.Sprintf(
			"storage full: remaining %.1f MB, needs %.1f MB", mib(remaining), mib(effective)))
	}
	return nil
}

func mib(n int64) float64 {
	return float64(n) / (1 << 20)
}
