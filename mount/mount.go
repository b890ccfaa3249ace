// Package mount resolves logical VFS paths to a backing driver. A mount
// binds a storage config under a path prefix; the longest matching prefix
// wins, and the config's default_subfolder is prepended to the remainder.
package mount

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"context"

	"github.com/filehub/filehub/internal/dcontext"
	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/contract"
	"github.com/filehub/filehub/storage/driver/registry"
	"github.com/filehub/filehub/store"
)

// Resolution is the outcome of mapping a logical path onto a backend.
type Resolution struct {
	Mount   store.Mount
	Config  store.StorageConfig
	Driver  driver.Driver
	SubPath string
	// LogicalPath is the cleaned input path.
	LogicalPath string
}

// Manager resolves paths and caches one enforced driver per storage config.
type Manager struct {
	store *store.Store
	box   *store.SecretBox

	mu      sync.Mutex
	drivers map[string]driver.Driver
}

// NewManager builds a manager over the store; box opens secrets for driver
// construction.
func NewManager(s *store.Store, box *store.SecretBox) *Manager {
	return &Manager{store: s, box: box, drivers: map[string]driver.Driver{}}
}

// Resolve maps a logical path to its mount, config, driver and sub path.
func (m *Manager) Resolve(ctx context.Context, logicalPath string) (*Resolution, error) {
	logicalPath = cleanPath(logicalPath)

	mounts, err := m.store.ListMounts(ctx)
	if err != nil {
		return nil, err
	}

	for _, mnt := range mounts {
		prefix := cleanPath(mnt.MountPath)
		if prefix != "/" && logicalPath != prefix && !strings.HasPrefix(logicalPath, prefix+"/") {
			continue
		}

		cfg, err := m.store.GetStorageConfig(ctx, mnt.StorageConfigID)
		if err != nil {
			return nil, err
		}
		drv, err := m.DriverFor(ctx, cfg)
		if err != nil {
			return nil, err
		}

		rel := strings.TrimPrefix(logicalPath, prefix)
		sub := path.Join("/", mnt.DefaultSubfolder, rel)
		return &Resolution{
			Mount:       mnt,
			Config:      *cfg,
			Driver:      drv,
			SubPath:     sub,
			LogicalPath: logicalPath,
		}, nil
	}

	return nil, driver.PathNotFoundError{Path: logicalPath, DriverName: "mount"}
}

// DriverFor returns the enforced driver for a config, constructing and
// caching it on first use.
func (m *Manager) DriverFor(ctx context.Context, cfg *store.StorageConfig) (driver.Driver, error) {
	m.mu.Lock()
	if d, ok := m.drivers[cfg.ID]; ok {
		m.mu.Unlock()
		return d, nil
	}
	m.mu.Unlock()

	d, err := m.buildDriver(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A racing builder may have landed first; keep the cached one so every
	// caller shares a single instance.
	if cached, ok := m.drivers[cfg.ID]; ok {
		return cached, nil
	}
	m.drivers[cfg.ID] = d
	return d, nil
}

// Invalidate drops the cached driver for a config, after admin edits.
func (m *Manager) Invalidate(configID string) {
	m.mu.Lock()
	delete(m.drivers, configID)
	m.mu.Unlock()
}

func (m *Manager) buildDriver(ctx context.Context, cfg *store.StorageConfig) (driver.Driver, error) {
	var conf registry.Config
	if cfg.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(cfg.ConfigJSON), &conf); err != nil {
			return nil, fmt.Errorf("config %s has unparsable config_json: %w", cfg.ID, err)
		}
	}

	var secret registry.Config
	if len(cfg.SecretCipher) > 0 {
		plain, err := m.box.Open(cfg.SecretCipher)
		if err != nil {
			return nil, fmt.Errorf("opening secrets for config %s: %w", cfg.ID, err)
		}
		if err := json.Unmarshal(plain, &secret); err != nil {
			return nil, fmt.Errorf("config %s has unparsable secrets: %w", cfg.ID, err)
		}
	}

	dcontext.GetLoggerWithField(ctx, "storage.type", cfg.StorageType).
		Debugf("constructing driver for config %s", cfg.ID)
	return contract.CreateDriver(ctx, cfg.StorageType, conf, secret)
}

func cleanPath(p string) string {
	p = path.Clean("/" + p)
	if p == "/" {
		return "/"
	}
	return strings.TrimSuffix(p, "/")
}
