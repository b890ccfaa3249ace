package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/filehub/filehub/quota"
	"github.com/filehub/filehub/schedule"
	"github.com/filehub/filehub/store"
)

// Scheduled handler names. The scheduler engine is generic; this is the
// fixed set this service registers.
const (
	HandlerUsageRefresh    = "storage_usage_refresh"
	HandlerIndexRebuild    = "fs_index_rebuild"
	HandlerIndexApplyDirty = "fs_index_apply_dirty"
	HandlerCopy            = "copy"
)

// indexPayload parameterizes the index handlers.
type indexPayload struct {
	MountID string `json:"mountId"`
}

// copyPayload parameterizes the scheduled copy handler.
type copyPayload struct {
	UserID string     `json:"userId"`
	Pairs  []CopyPair `json:"pairs"`
}

// RegisterScheduleHandlers binds the service's handler set onto the runner.
func RegisterScheduleHandlers(runner *schedule.Runner, s *store.Store, q *quota.Engine, ix *Indexer, engine *Engine, copier *Copier) {
	runner.Register(HandlerUsageRefresh, func(ctx context.Context, rc *schedule.RunContext) error {
		return q.RefreshAll(ctx)
	})

	runner.Register(HandlerIndexRebuild, func(ctx context.Context, rc *schedule.RunContext) error {
		var p indexPayload
		if err := json.Unmarshal([]byte(rc.Payload), &p); err != nil || p.MountID == "" {
			return fmt.Errorf("rebuild payload needs a mountId")
		}
		return ix.Rebuild(ctx, p.MountID)
	})

	runner.Register(HandlerIndexApplyDirty, func(ctx context.Context, rc *schedule.RunContext) error {
		var p indexPayload
		if err := json.Unmarshal([]byte(rc.Payload), &p); err != nil || p.MountID == "" {
			// No mount named: drain every mount with pending entries.
			mounts, err := s.ListMounts(ctx)
			if err != nil {
				return err
			}
			for _, m := range mounts {
				n, err := s.DirtyCount(ctx, m.ID)
				if err != nil {
					return err
				}
				if n == 0 {
					continue
				}
				if err := ix.ApplyDirty(ctx, m.ID); err != nil {
					return err
				}
			}
			return nil
		}
		return ix.ApplyDirty(ctx, p.MountID)
	})

	runner.Register(HandlerCopy, func(ctx context.Context, rc *schedule.RunContext) error {
		var p copyPayload
		if err := json.Unmarshal([]byte(rc.Payload), &p); err != nil {
			return fmt.Errorf("copy payload unparsable: %w", err)
		}
		if len(p.Pairs) == 0 {
			return nil
		}

		job, err := engine.Submit(ctx, Submission{
			TaskType:       HandlerCopy,
			UserID:         p.UserID,
			Trigger:        TriggerScheduled,
			Items:          copier.Items(p.Pairs),
			Run:            copier.Run,
			AllowedActions: []string{"retry-all-failed", "retry-file", "cancel"},
		})
		if err != nil {
			return err
		}
		engine.Wait(job.ID)

		final, ok := engine.Get(job.ID)
		if !ok {
			return nil
		}
		if err := rc.ReportStats(ctx, mustJSON(final.Stats)); err != nil {
			return err
		}
		if final.Status == JobFailed {
			return fmt.Errorf("all copy items failed")
		}
		return nil
	})
}

func mustJSON(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
