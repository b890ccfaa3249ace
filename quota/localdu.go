package quota

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/filehub/filehub/internal/dcontext"
)

const (
	duWallClockBudget = 10 * time.Second
	duEntryBudget     = 500_000
)

// duScanner walks local roots with wall-clock and entry bounds. One walk per
// root runs at a time; concurrent callers for the same root wait for the
// in-flight result instead of starting their own.
type duScanner struct {
	cache *expirable.LRU[string, int64]

	mu       sync.Mutex
	inflight map[string]*duCall
}

type duCall struct {
	done  chan struct{}
	bytes int64
	ok    bool
}

func newDuScanner() *duScanner {
	return &duScanner{
		cache:    expirable.NewLRU[string, int64](64, nil, localDuTTL),
		inflight: map[string]*duCall{},
	}
}

// scan returns the summed file sizes under root. ok is false when the walk
// exceeded its budget or failed; callers fall through to the next tier.
func (d *duScanner) scan(ctx context.Context, root string) (int64, bool) {
	if v, hit := d.cache.Get(root); hit {
		return v, true
	}

	d.mu.Lock()
	if call, running := d.inflight[root]; running {
		d.mu.Unlock()
		select {
		case <-call.done:
			return call.bytes, call.ok
		case <-ctx.Done():
			return 0, false
		}
	}
	call := &duCall{done: make(chan struct{})}
	d.inflight[root] = call
	d.mu.Unlock()

	call.bytes, call.ok = d.walk(ctx, root)
	close(call.done)

	d.mu.Lock()
	delete(d.inflight, root)
	d.mu.Unlock()

	if call.ok {
		d.cache.Add(root, call.bytes)
	}
	return call.bytes, call.ok
}

func (d *duScanner) walk(ctx context.Context, root string) (int64, bool) {
	deadline := time.Now().Add(duWallClockBudget)
	var (
		total   int64
		entries int
	)

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			return nil
		}
		entries++
		if entries > duEntryBudget || time.Now().After(deadline) {
			return errBudgetExceeded
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.Type().IsRegular() {
			if info, err := entry.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	if err != nil {
		dcontext.GetLoggerWithField(ctx, "root", root).
			Debugf("local-du walk abandoned: %v", err)
		return 0, false
	}
	return total, true
}

var errBudgetExceeded = &budgetError{}

type budgetError struct{}

func (*budgetError) Error() string { return "walk budget exceeded" }
