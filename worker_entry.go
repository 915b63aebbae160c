package preforkd

import (
	"os"
	"sync"
	"time"
)

// workerStatus is the supervisor's last-known view of a worker, merged from
// status messages read off its upstream pipe (spec.md §3: "last_status").
type workerStatus struct {
	State         State
	Connections   map[string]string
	LastHeartbeat time.Time
	SignalSent    bool
}

// WorkerEntry is the supervisor-side handle for one forked worker: its pid,
// both pipe ends the parent owns, and the last status reported. This
// continues the teacher's Worker struct (HackStrix worker.go) split apart
// per SPEC_FULL §3.5 — the supervisor never touches the worker's own
// runtime state directly, only what crosses the pipe.
type WorkerEntry struct {
	pid   int
	proc  *os.Process
	spgid int

	upReader   *frameReader
	upFile     *os.File
	downWriter *os.File

	// exited is closed once a dedicated Wait() goroutine observes the
	// process has died, carrying the numeric exit status. Go exposes no
	// non-blocking waitpid, so the blocking Wait() runs in its own
	// goroutine and is drained non-blockingly from here (spec.md §4.3:
	// "advisory EOF... pid remains tracked until waitpid confirms").
	exited     chan struct{}
	exitStatus int

	mu     sync.Mutex
	status workerStatus
}

func newWorkerEntry(proc *os.Process, upFile, downWriter *os.File) *WorkerEntry {
	e := &WorkerEntry{
		pid:        proc.Pid,
		proc:       proc,
		upFile:     upFile,
		upReader:   newFrameReader(upFile),
		downWriter: downWriter,
		exited:     make(chan struct{}),
		status: workerStatus{
			State:         StateRun,
			Connections:   map[string]string{},
			LastHeartbeat: time.Now(),
		},
	}
	go e.waitLoop()
	return e
}

// waitLoop blocks in Wait() — the closest Go gets to waitpid(2) — and
// publishes the result once. Called exactly once per entry.
func (e *WorkerEntry) waitLoop() {
	state, err := e.proc.Wait()
	e.mu.Lock()
	if err == nil && state != nil {
		e.exitStatus = state.ExitCode()
	} else {
		e.exitStatus = -1
	}
	e.mu.Unlock()
	close(e.exited)
}

// reaped reports whether waitpid has confirmed this pid's death, returning
// its exit status. Non-blocking: a "not yet" is not an error (spec.md §7).
func (e *WorkerEntry) reaped() (status int, ok bool) {
	select {
	case <-e.exited:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.exitStatus, true
	default:
		return 0, false
	}
}

// mergeStatus applies a status message read off the upstream pipe.
func (e *WorkerEntry) mergeStatus(m Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.LastHeartbeat = time.Now()
	if m.IsHeartbeat() {
		return
	}
	if m.State != "" {
		e.status.State = m.State
	}
	e.status.Connections = m.Connections
}

// snapshot returns a copy of the last-known status, safe to inspect while
// other goroutines keep merging new reports.
func (e *WorkerEntry) snapshot() workerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	conns := make(map[string]string, len(e.status.Connections))
	for k, v := range e.status.Connections {
		conns[k] = v
	}
	s := e.status
	s.Connections = conns
	return s
}

// IsLive reports whether this worker still counts toward min/max_processes
// (spec.md §3: "A worker with state in {stop, exit} is not counted").
func (e *WorkerEntry) IsLive() bool {
	return e.snapshot().State == StateRun
}

// ConnectionCount returns the worker's currently reported in-flight count.
func (e *WorkerEntry) ConnectionCount() int {
	return len(e.snapshot().Connections)
}

// Pid returns the worker process id.
func (e *WorkerEntry) Pid() int { return e.pid }

func (e *WorkerEntry) markSignalSent(sent bool) {
	e.mu.Lock()
	e.status.SignalSent = sent
	e.mu.Unlock()
}

func (e *WorkerEntry) signalSent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.SignalSent
}

func (e *WorkerEntry) lastHeartbeat() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.LastHeartbeat
}

// closePipes closes both pipe ends the parent holds for this worker. Safe
// to call more than once.
func (e *WorkerEntry) closePipes() {
	_ = e.upFile.Close()
	_ = e.downWriter.Close()
}
