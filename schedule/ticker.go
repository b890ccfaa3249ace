package schedule

import (
	"time"
)

// TickInfo is one observed or predicted tick instant.
type TickInfo struct {
	At string `json:"at"`
	Ms int64  `json:"ms,omitempty"`
}

// TickerInfo is the admin view of the tick source.
type TickerInfo struct {
	NowMs    int64     `json:"nowMs"`
	LastTick *TickInfo `json:"lastTick,omitempty"`
	NextTick *TickInfo `json:"nextTick,omitempty"`
}

// Ticker reports the runner's tick state.
func (r *Runner) Ticker() TickerInfo {
	now := r.now()
	info := TickerInfo{NowMs: now.UnixMilli()}

	r.mu.Lock()
	last := r.lastTick
	r.mu.Unlock()

	if !last.IsZero() {
		info.LastTick = &TickInfo{At: last.UTC().Format(time.RFC3339), Ms: last.UnixMilli()}
		next := last.Add(r.interval)
		info.NextTick = &TickInfo{At: next.UTC().Format(time.RFC3339)}
	}
	return info
}
