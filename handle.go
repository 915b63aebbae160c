package preforkd

import "sync/atomic"

// WorkerHandle is passed to the user handler for every accepted
// connection. It exposes read-only access to the worker's live options
// (spec.md §6: "so handlers can react to reloads") without letting the
// handler mutate shared state directly.
type WorkerHandle struct {
	opts atomic.Pointer[Options]
	pid  int
}

func newWorkerHandle(pid int, initial Options) *WorkerHandle {
	h := &WorkerHandle{pid: pid}
	o := initial
	h.opts.Store(&o)
	return h
}

// Options returns a snapshot of the live configuration. It is safe to
// call concurrently with a reload swapping the underlying value.
func (h *WorkerHandle) Options() Options {
	return *h.opts.Load()
}

// PID returns this worker's process id.
func (h *WorkerHandle) PID() int {
	return h.pid
}

func (h *WorkerHandle) store(o Options) {
	h.opts.Store(&o)
}
