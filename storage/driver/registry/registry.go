// Package registry maintains the process-wide catalog of storage backend
// types. Each backend registers once, declaratively: its constructor, its
// capability set, the config options it understands and how its config is
// projected back to callers. The admin surface and the contract enforcer are
// both driven from this catalog.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/filehub/filehub/storage/driver"
)

// Config is the decoded, backend-specific configuration of one storage
// config row. Secrets travel separately.
type Config map[string]interface{}

// ProjectOptions controls config projection.
type ProjectOptions struct {
	// WithSecrets includes decrypted secret fields in the projection.
	WithSecrets bool
	// Row carries persisted identity fields (id, name) for projectors that
	// fold them in.
	Row map[string]interface{}
}

// Constructor builds a driver instance from its decoded config and secrets.
type Constructor func(ctx context.Context, cfg Config, secret Config) (driver.Driver, error)

// Tester runs a connectivity diagnosis against a live driver, producing the
// checks of the admin test report.
type Tester func(ctx context.Context, d driver.Driver) []Check

// Check is one diagnostic step of a driver test report.
type Check struct {
	Name       string `json:"name"`
	OK         bool   `json:"ok"`
	Detail     string `json:"detail,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Registration is the declarative record for one backend type.
type Registration struct {
	// Type is the persisted, case-sensitive identifier, e.g. "S3".
	Type string

	// DisplayName is the human-readable backend name for the admin UI.
	DisplayName string

	// Capabilities the backend advertises. The effective capability set of
	// an instance is the intersection with what the instance itself reports.
	Capabilities driver.Capabilities

	// Options enumerates the recognized config options.
	Options []Option

	// ProviderOptions carries backend-specific UI hints (endpoint presets,
	// region lists) passed through verbatim.
	ProviderOptions map[string]interface{}

	// New constructs a driver instance.
	New Constructor

	// Test produces the diagnostic checks of the admin test endpoint. Nil
	// falls back to a capability-derived default.
	Test Tester

	// Validate, when set, runs after schema validation for cross-field
	// rules the option table cannot express.
	Validate func(cfg Config) []string

	// Project reduces cfg for return to callers. Nil means schema-driven
	// projection (secrets redacted unless requested).
	Project func(cfg Config, opts ProjectOptions) Config

	// Hidden, when set and true, removes the type from listings. Creation
	// of hidden types is still refused.
	Hidden func() bool
}

var (
	registrationsMu sync.RWMutex
	registrations   = map[string]Registration{}
)

// Register makes a backend type available. It panics when called twice for
// one type or when the registration is incomplete, mirroring the usual
// driver-registration convention.
func Register(r Registration) {
	if r.Type == "" || r.New == nil {
		panic("registry: registration requires Type and New")
	}

	registrationsMu.Lock()
	defer registrationsMu.Unlock()

	if _, dup := registrations[r.Type]; dup {
		panic(fmt.Sprintf("registry: storage type %q already registered", r.Type))
	}
	registrations[r.Type] = r
}

// Get returns the registration for a storage type.
func Get(storageType string) (Registration, bool) {
	registrationsMu.RLock()
	defer registrationsMu.RUnlock()

	r, ok := registrations[storageType]
	return r, ok
}

// List returns the visible registrations sorted by type.
func List() []Registration {
	registrationsMu.RLock()
	defer registrationsMu.RUnlock()

	out := make([]Registration, 0, len(registrations))
	for _, r := range registrations {
		if r.Hidden != nil && r.Hidden() {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Available reports whether the storage type is registered and not hidden.
func Available(storageType string) bool {
	r, ok := Get(storageType)
	return ok && (r.Hidden == nil || !r.Hidden())
}

// ProjectConfig applies the registration's projector, or the schema-driven
// default which strips secret-typed options unless requested.
func (r Registration) ProjectConfig(cfg Config, opts ProjectOptions) Config {
	if r.Project != nil {
		return r.Project(cfg, opts)
	}

	out := make(Config, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	if !opts.WithSecrets {
		for _, opt := range r.Options {
			if opt.Type == OptionSecret {
				delete(out, opt.Name)
			}
		}
	}
	for k, v := range opts.Row {
		out[k] = v
	}
	return out
}
