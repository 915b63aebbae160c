package preforkd

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// Default option values, per spec.md §6.
const (
	DefaultMinProcesses   = 5
	DefaultMaxProcesses   = 20
	DefaultMaxThreads     = 1
	DefaultStandbyThreads = 5
	DefaultMaxIdle        = 10 * time.Second
	DefaultMaxUse         = 1000
	DefaultWatchdogTimer  = 600 * time.Second
	DefaultWatchdogSignal = "TERM"
)

// HandlerFunc is invoked once per accepted connection, inside the worker
// process. The worker closes conn once the handler returns (or panics).
type HandlerFunc func(conn net.Conn, remoteAddr net.Addr, handle *WorkerHandle)

// Options is the live, mutable configuration shared by the supervisor and
// every worker. A copy travels to each child at spawn time and is updated
// in place on reload (spec.md §6).
type Options struct {
	MinProcesses   int
	MaxProcesses   int
	MaxThreads     int
	StandbyThreads int
	ListenBacklog  int // 0 means "leave as-is"
	MaxIdle        time.Duration
	MaxUse         int
	WatchdogTimer  time.Duration
	WatchdogSignal string

	// OnStart is a child-side hook with no arguments, called by runWorker
	// before the worker runtime starts if its Options carry one. Workers
	// started through RunWorker rebuild their Options from the defaults
	// plus the serializable subset the supervisor passes, so a function
	// set here on the supervisor is not carried to them and is not called.
	OnStart func()
	// OnReload is called by a worker with the merged options on every
	// reload it observes, if its Options carry one. Like OnStart, it does
	// not cross the re-exec boundary: in workers started through RunWorker
	// it is nil and nothing is called.
	OnReload func(Options)
	// OnChildStart is invoked in the parent with the new worker's pid.
	OnChildStart func(pid int)
	// OnChildExit is invoked in the parent with the exited worker's pid
	// and numeric exit status.
	OnChildExit func(pid int, exitStatus int)
}

// Option mutates an Options value built by one of the constructors below.
type Option func(*Options)

func WithMinProcesses(n int) Option       { return func(o *Options) { o.MinProcesses = n } }
func WithMaxProcesses(n int) Option       { return func(o *Options) { o.MaxProcesses = n } }
func WithMaxThreads(n int) Option         { return func(o *Options) { o.MaxThreads = n } }
func WithStandbyThreads(n int) Option     { return func(o *Options) { o.StandbyThreads = n } }
func WithListenBacklog(n int) Option      { return func(o *Options) { o.ListenBacklog = n } }
func WithMaxIdle(d time.Duration) Option  { return func(o *Options) { o.MaxIdle = d } }
func WithMaxUse(n int) Option             { return func(o *Options) { o.MaxUse = n } }
func WithWatchdogTimer(d time.Duration) Option {
	return func(o *Options) { o.WatchdogTimer = d }
}
func WithWatchdogSignal(name string) Option { return func(o *Options) { o.WatchdogSignal = name } }
func WithOnStart(fn func()) Option          { return func(o *Options) { o.OnStart = fn } }
func WithOnReload(fn func(Options)) Option  { return func(o *Options) { o.OnReload = fn } }
func WithOnChildStart(fn func(int)) Option  { return func(o *Options) { o.OnChildStart = fn } }
func WithOnChildExit(fn func(int, int)) Option {
	return func(o *Options) { o.OnChildExit = fn }
}

func defaultOptions() Options {
	return Options{
		MinProcesses:   DefaultMinProcesses,
		MaxProcesses:   DefaultMaxProcesses,
		MaxThreads:     DefaultMaxThreads,
		StandbyThreads: DefaultStandbyThreads,
		MaxIdle:        DefaultMaxIdle,
		MaxUse:         DefaultMaxUse,
		WatchdogTimer:  DefaultWatchdogTimer,
		WatchdogSignal: DefaultWatchdogSignal,
	}
}

func buildOptions(opts []Option) (Options, error) {
	o := defaultOptions()
	for _, apply := range opts {
		apply(&o)
	}
	return o, o.validate()
}

func (o Options) validate() error {
	if o.MinProcesses < 0 {
		return errors.New("preforkd: min_processes must be >= 0")
	}
	if o.MaxProcesses < o.MinProcesses {
		return errors.New("preforkd: max_processes must be >= min_processes")
	}
	if o.MaxThreads <= 0 {
		return errors.New("preforkd: max_threads must be > 0")
	}
	if o.StandbyThreads < 0 {
		return errors.New("preforkd: standby_threads must be >= 0")
	}
	return nil
}

// serializable returns the subset of o that can cross the wire as JSON:
// numbers, strings, booleans. Callback fields are dropped silently, per
// spec.md §4.3 ("Options values that are not safely serializable are
// dropped silently") and DESIGN NOTES §9 ("option serialization filter").
func (o Options) serializable() map[string]any {
	m := map[string]any{
		"min_processes":   o.MinProcesses,
		"max_processes":   o.MaxProcesses,
		"max_threads":     o.MaxThreads,
		"standby_threads": o.StandbyThreads,
		"max_use":         o.MaxUse,
		"watchdog_signal": o.WatchdogSignal,
	}
	if o.ListenBacklog != 0 {
		m["listen_backlog"] = o.ListenBacklog
	}
	if o.MaxIdle != 0 {
		m["max_idle_ms"] = o.MaxIdle.Milliseconds()
	}
	if o.WatchdogTimer != 0 {
		m["watchdog_timer_ms"] = o.WatchdogTimer.Milliseconds()
	}
	return m
}

// mergeSerializable applies the wire-safe subset produced by
// serializable() on top of o, leaving callbacks and anything absent from
// the map untouched — workers must tolerate a partial or late reload
// (spec.md §4.4).
func (o *Options) mergeSerializable(m map[string]any) {
	if v, ok := intFromAny(m["min_processes"]); ok {
		o.MinProcesses = v
	}
	if v, ok := intFromAny(m["max_processes"]); ok {
		o.MaxProcesses = v
	}
	if v, ok := intFromAny(m["max_threads"]); ok {
		o.MaxThreads = v
	}
	if v, ok := intFromAny(m["standby_threads"]); ok {
		o.StandbyThreads = v
	}
	if v, ok := intFromAny(m["max_use"]); ok {
		o.MaxUse = v
	}
	if v, ok := intFromAny(m["listen_backlog"]); ok {
		o.ListenBacklog = v
	}
	if v, ok := intFromAny(m["max_idle_ms"]); ok {
		o.MaxIdle = time.Duration(v) * time.Millisecond
	}
	if v, ok := intFromAny(m["watchdog_timer_ms"]); ok {
		o.WatchdogTimer = time.Duration(v) * time.Millisecond
	}
	if v, ok := m["watchdog_signal"].(string); ok && v != "" {
		o.WatchdogSignal = v
	}
}

// intFromAny handles the float64 that JSON unmarshaling produces for any
// numeric field.
func intFromAny(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
