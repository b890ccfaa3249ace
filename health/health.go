// Package health tracks named liveness checks for the service. A Registry
// collects checkers; the status handler answers 503 while any check fails
// and lists the failing checks by name.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Checker is the interface for a health checker.
type Checker interface {
	// Check returns nil if the service is okay.
	Check() error
}

// CheckFunc is a convenience type to create functions that implement
// the Checker interface.
type CheckFunc func() error

// Check implements the Checker interface to allow for any func() error method
// to be passed as a Checker.
func (cf CheckFunc) Check() error {
	return cf()
}

// Updater implements a health check that is explicitly set.
type Updater interface {
	Checker

	// Update updates the current status of the health check.
	Update(status error)
}

// updater implements Checker and Updater, providing an asynchronous Update
// method. This allows us to have a Checker that returns the Check() call
// immediately, not blocking on a potentially expensive probe.
type updater struct {
	mu     sync.Mutex
	status error
}

// Check implements the Checker interface.
func (u *updater) Check() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.status
}

// Update implements the Updater interface, allowing asynchronous access to
// the status of a Checker.
func (u *updater) Update(status error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.status = status
}

// NewStatusUpdater returns a new updater.
func NewStatusUpdater() Updater {
	return &updater{}
}

// thresholdUpdater only reports a failure after it has been observed
// threshold times in a row, smoothing over transient blips.
type thresholdUpdater struct {
	mu        sync.Mutex
	status    error
	threshold int
	count     int
}

// Check implements the Checker interface.
func (tu *thresholdUpdater) Check() error {
	tu.mu.Lock()
	defer tu.mu.Unlock()

	if tu.count >= tu.threshold {
		return tu.status
	}

	return nil
}

// Update implements the Updater interface.
func (tu *thresholdUpdater) Update(status error) {
	tu.mu.Lock()
	defer tu.mu.Unlock()

	if status == nil {
		tu.count = 0
	} else if tu.count < tu.threshold {
		tu.count++
	}

	tu.status = status
}

// NewThresholdStatusUpdater returns a new thresholdUpdater.
func NewThresholdStatusUpdater(t int) Updater {
	return &thresholdUpdater{threshold: t}
}

// PeriodicChecker wraps an updater to provide a periodic checker.
func PeriodicChecker(check Checker, period time.Duration) Checker {
	u := NewStatusUpdater()
	go func() {
		t := time.NewTicker(period)
		for {
			<-t.C
			u.Update(check.Check())
		}
	}()

	return u
}

// PeriodicThresholdChecker wraps an updater to provide a periodic checker
// that uses a threshold before it changes status.
func PeriodicThresholdChecker(check Checker, period time.Duration, threshold int) Checker {
	tu := NewThresholdStatusUpdater(threshold)
	go func() {
		t := time.NewTicker(period)
		for {
			<-t.C
			tu.Update(check.Check())
		}
	}()

	return tu
}

// Registry holds the named checks of one server instance.
type Registry struct {
	mu     sync.RWMutex
	checks map[string]Checker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{checks: map[string]Checker{}}
}

// CheckStatus returns a map with all the current health check errors.
func (r *Registry) CheckStatus() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statusKeys := make(map[string]string)
	for k, v := range r.checks {
		if err := v.Check(); err != nil {
			statusKeys[k] = err.Error()
		}
	}
	return statusKeys
}

// Register associates the checker with the provided name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.checks[name]; ok {
		panic("health check already exists: " + name)
	}
	r.checks[name] = check
}

// RegisterFunc allows the convenience of registering a checker directly
// from an arbitrary func() error.
func (r *Registry) RegisterFunc(name string, check func() error) {
	r.Register(name, CheckFunc(check))
}

// RegisterPeriodicFunc allows the convenience of registering a
// PeriodicChecker from an arbitrary func() error.
func (r *Registry) RegisterPeriodicFunc(name string, check func() error, period time.Duration) {
	r.Register(name, PeriodicChecker(CheckFunc(check), period))
}

// RegisterPeriodicThresholdFunc allows the convenience of registering a
// PeriodicThresholdChecker from an arbitrary func() error.
func (r *Registry) RegisterPeriodicThresholdFunc(name string, check func() error, period time.Duration, threshold int) {
	r.Register(name, PeriodicThresholdChecker(CheckFunc(check), period, threshold))
}

// Handler returns a JSON blob with all the registered checks and their
// corresponding status. Returns 503 if any error status exists, 200
// otherwise.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		status := r.CheckStatus()
		if len(status) != 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(status)
	}
}
