package preforkd

import "sync/atomic"

// Metrics holds process-local counters a supervisor accumulates over its
// lifetime, continuing the teacher's handleStatus JSON introspection
// surface (main.go's /status handler) beyond a single worker snapshot.
type Metrics struct {
	spawned        atomic.Int64
	reaped         atomic.Int64
	watchdogSignal atomic.Int64
	watchdogKilled atomic.Int64
}

// Snapshot is a point-in-time, JSON-friendly view of Metrics.
type Snapshot struct {
	Spawned        int64 `json:"spawned"`
	Reaped         int64 `json:"reaped"`
	WatchdogSignal int64 `json:"watchdog_signal_sent"`
	WatchdogKilled int64 `json:"watchdog_killed"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Spawned:        m.spawned.Load(),
		Reaped:         m.reaped.Load(),
		WatchdogSignal: m.watchdogSignal.Load(),
		WatchdogKilled: m.watchdogKilled.Load(),
	}
}
