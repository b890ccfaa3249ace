// Package quota computes used bytes per storage config through a tier chain
// and guards writes against configured limits. Tier order depends on the
// backend kind; the first tier yielding a non-null figure wins. All caches
// here are advisory: they suppress repeated probes during bursty upload
// flows but correctness never depends on them.
package quota

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/filehub/filehub/internal/dcontext"
	"github.com/filehub/filehub/mount"
	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/store"
)

const (
	computeTTL  = 10 * time.Second
	providerTTL = 60 * time.Second
	localDuTTL  = 60 * time.Second

	providerProbeTimeout = 6 * time.Second
)

// Usage is one computed snapshot.
type Usage struct {
	UsedBytes  int64                  `json:"usedBytes"`
	Source     string                 `json:"source"`
	Details    map[string]interface{} `json:"details,omitempty"`
	SnapshotAt time.Time              `json:"snapshotAt"`
}

// Engine owns the tier chain, the caches and the snapshot persistence.
type Engine struct {
	store  *store.Store
	mounts *mount.Manager

	computeCache  *expirable.LRU[string, *Usage]
	providerCache *expirable.LRU[string, *driver.QuotaStats]
	du            *duScanner
}

// NewEngine builds a quota engine over the store and mount manager.
func NewEngine(s *store.Store, mounts *mount.Manager) *Engine {
	return &Engine{
		store:         s,
		mounts:        mounts,
		computeCache:  expirable.NewLRU[string, *Usage](256, nil, computeTTL),
		providerCache: expirable.NewLRU[string, *driver.QuotaStats](256, nil, providerTTL),
		du:            newDuScanner(),
	}
}

// ComputeUsage resolves the used bytes for one config through the tier
// chain. A nil result with nil error means no tier could produce a figure.
func (e *Engine) ComputeUsage(ctx context.Context, cfg *store.StorageConfig) (*Usage, error) {
	if u, ok := e.computeCache.Get(cfg.ID); ok {
		return u, nil
	}

	u, err := e.computeUncached(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if u != nil {
		e.computeCache.Add(cfg.ID, u)
	}
	return u, nil
}

// CachedProviderUsage reports the provider-quota tier without touching the
// backend: a cold cache yields nil. Read paths that must stay fast, like the
// usage report, use this instead of ComputeUsage.
func (e *Engine) CachedProviderUsage(ctx context.Context, cfg *store.StorageConfig) *Usage {
	return e.providerTier(ctx, cfg, true)
}

func (e *Engine) computeUncached(ctx context.Context, cfg *store.StorageConfig) (*Usage, error) {
	logger := dcontext.GetLoggerWithField(ctx, "storage.config", cfg.ID)

	if cfg.StorageType == "LOCAL" && cfg.EnableDiskUsage {
		if u := e.localDuTier(ctx, cfg); u != nil {
			return u, nil
		}
	} else {
		if u := e.providerTier(ctx, cfg, false); u != nil {
			return u, nil
		}
	}

	if u, err := e.vfsTier(ctx, cfg); err != nil {
		return nil, err
	} else if u != nil {
		return u, nil
	}

	u, err := e.searchIndexTier(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if u == nil {
		logger.Debug("no usage tier produced a figure")
	}
	return u, nil
}

func (e *Engine) localDuTier(ctx context.Context, cfg *store.StorageConfig) *Usage {
	root := rootPathOf(cfg)
	if root == "" {
		return nil
	}

	used, ok := e.du.scan(ctx, root)
	if !ok {
		return nil
	}
	return &Usage{
		UsedBytes:  used,
		Source:     "local-du",
		Details:    map[string]interface{}{"rootPath": root},
		SnapshotAt: time.Now(),
	}
}

// providerTier asks the driver for its quota report. With cacheOnly set and
// a cold cache, the tier yields nothing rather than probing upstream.
func (e *Engine) providerTier(ctx context.Context, cfg *store.StorageConfig, cacheOnly bool) *Usage {
	stats, ok := e.providerCache.Get(cfg.ID)
	if !ok {
		if cacheOnly {
			return nil
		}
		stats = e.probeProvider(ctx, cfg)
		if stats != nil {
			e.providerCache.Add(cfg.ID, stats)
		}
	}
	if stats == nil || !stats.Supported || stats.UsedBytes == nil {
		return nil
	}

	details := map[string]interface{}{}
	if stats.TotalBytes != nil {
		details["totalBytes"] = *stats.TotalBytes
	}
	if stats.PercentUsed != nil {
		details["percentUsed"] = *stats.PercentUsed
	}
	return &Usage{
		UsedBytes:  *stats.UsedBytes,
		Source:     "provider-quota",
		Details:    details,
		SnapshotAt: stats.SnapshotAt,
	}
}

func (e *Engine) probeProvider(ctx context.Context, cfg *store.StorageConfig) *driver.QuotaStats {
	logger := dcontext.GetLoggerWithField(ctx, "storage.config", cfg.ID)

	drv, err := e.mounts.DriverFor(ctx, cfg)
	if err != nil {
		logger.WithError(err).Warn("quota probe: driver unavailable")
		return nil
	}
	provider, ok := drv.(driver.StatsProvider)
	if !ok {
		return &driver.QuotaStats{Supported: false, SnapshotAt: time.Now()}
	}

	probeCtx, cancel := context.WithTimeout(ctx, providerProbeTimeout)
	defer cancel()
	stats, err := provider.Stats(probeCtx)
	if err != nil {
		logger.WithError(err).Warn("quota probe failed")
		return nil
	}
	if stats.SnapshotAt.IsZero() {
		stats.SnapshotAt = time.Now()
	}
	return stats
}

func (e *Engine) vfsTier(ctx context.Context, cfg *store.StorageConfig) (*Usage, error) {
	sum, err := e.store.VfsSizeSum(ctx, store.ScopeStorageConfig, cfg.ID)
	if err != nil || sum == nil {
		return nil, err
	}
	return &Usage{
		UsedBytes:  *sum,
		Source:     "vfs-inventory",
		SnapshotAt: time.Now(),
	}, nil
}

func (e *Engine) searchIndexTier(ctx context.Context, cfg *store.StorageConfig) (*Usage, error) {
	mounts, err := e.store.ListMountsForConfig(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(mounts))
	for i, m := range mounts {
		ids[i] = m.ID
	}

	sum, err := e.store.IndexSizeSum(ctx, ids)
	if err != nil || sum == nil {
		return nil, err
	}

	details := map[string]interface{}{}
	stale, err := e.store.StaleMountIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		details["staleMountIds"] = stale
	}
	return &Usage{
		UsedBytes:  *sum,
		Source:     "search-index",
		Details:    details,
		SnapshotAt: time.Now(),
	}, nil
}

// RefreshAll recomputes and persists one snapshot per config. Failures
// preserve the prior values and record the error.
func (e *Engine) RefreshAll(ctx context.Context) error {
	cfgs, err := e.store.ListStorageConfigs(ctx)
	if err != nil {
		return err
	}

	for i := range cfgs {
		cfg := &cfgs[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.RefreshOne(ctx, cfg); err != nil {
			dcontext.GetLoggerWithField(ctx, "storage.config", cfg.ID).
				WithError(err).Warn("usage refresh failed")
		}
	}
	return nil
}

// RefreshOne recomputes and persists the snapshot for one config.
func (e *Engine) RefreshOne(ctx context.Context, cfg *store.StorageConfig) error {
	u, err := e.computeUncached(ctx, cfg)
	if err != nil {
		putErr := e.store.PutSnapshotError(ctx, store.ScopeStorageConfig, cfg.ID,
			store.MetricComputedUsed, err.Error())
		if putErr != nil {
			return putErr
		}
		return err
	}
	if u == nil {
		return e.store.PutSnapshotError(ctx, store.ScopeStorageConfig, cfg.ID,
			store.MetricComputedUsed, "no usage source available")
	}

	e.computeCache.Add(cfg.ID, u)

	var detailsJSON *string
	if len(u.Details) > 0 {
		raw, err := json.Marshal(u.Details)
		if err != nil {
			return err
		}
		s := string(raw)
		detailsJSON = &s
	}
	return e.store.PutSnapshot(ctx, store.ScopeStorageConfig, cfg.ID,
		store.MetricComputedUsed, u.UsedBytes, u.Source, detailsJSON)
}

// rootPathOf extracts root_path from a LOCAL config.
func rootPathOf(cfg *store.StorageConfig) string {
	var conf map[string]interface{}
	if err := json.Unmarshal([]byte(cfg.ConfigJSON), &conf); err != nil {
		return ""
	}
	root, _ := conf["root_path"].(string)
	return root
}
