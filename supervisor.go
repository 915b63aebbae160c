package preforkd

import (
	"errors"
	"math"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// watchTickInterval bounds each iteration of the main loop's select on
// upstream readers (spec.md §4.3: "select on all upstream readers with a
// 100 ms timeout").
const watchTickInterval = 100 * time.Millisecond

// Supervisor owns one or more listening sockets, forks a population of
// workers, and keeps that population sized to offered load. It continues
// the teacher's Pool (HackStrix pool.go) — Acquire's capacity accounting
// becomes "Adjust children", scaleLoop/healthCheckLoop merge into the
// single 100ms-tick main loop spec.md mandates, since worker liveness
// here comes for free from the pipe protocol instead of an HTTP probe.
//
// A note on the handler parameter to Start: unlike the original Ruby
// design (a real fork() duplicates the entire heap, so the handler
// closure simply exists in the child too), preforkd spawns workers by
// re-executing the binary. A Go closure cannot cross that boundary, so
// the function passed to Start must also be the one a binary's own
// PREFORKD_WORKER branch passes to RunWorker — in practice, a
// package-level HandlerFunc value with no parent-process-only state.
type Supervisor struct {
	mu             sync.Mutex
	listeners      []net.Listener
	listenersOwned bool
	host           string
	port           int

	opts    Options
	handler HandlerFunc
	running bool

	workers map[int]*WorkerEntry
	pending *reloadRequest

	metrics *Metrics
}

type reloadRequest struct {
	listenersChanged bool
	useAddr          bool
	host             string
	port             int
	listeners        []net.Listener
	opts             Options
}

func newSupervisor(ls []net.Listener, owned bool, opts Options) *Supervisor {
	return &Supervisor{
		listeners:      ls,
		listenersOwned: owned,
		opts:           opts,
		workers:        map[int]*WorkerEntry{},
		metrics:        &Metrics{},
	}
}

// New binds all interfaces on port and returns a Supervisor that owns the
// resulting listener (spec.md §6: "(port, options?)").
func New(port int, opts ...Option) (*Supervisor, error) {
	return NewAddr("", port, opts...)
}

// NewAddr binds host:port and returns a Supervisor that owns the
// resulting listener (spec.md §6: "(host, port, options?)").
func NewAddr(host string, port int, opts ...Option) (*Supervisor, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	ln, err := bindWithRetry(host, port, o.ListenBacklog)
	if err != nil {
		return nil, wrapConfigErr(err, "bind listener")
	}
	s := newSupervisor([]net.Listener{ln}, true, o)
	s.host, s.port = host, port
	return s, nil
}

// NewListener wraps a single caller-supplied listener; the Supervisor
// does not own it and will not close it (spec.md §6: "(listener,
// options?)").
func NewListener(l net.Listener, opts ...Option) (*Supervisor, error) {
	if l == nil {
		return nil, ErrNoListeners
	}
	return NewListeners([]net.Listener{l}, opts...)
}

// NewListeners wraps caller-supplied listeners; the Supervisor does not
// own them (spec.md §6: "(list_of_listeners, options?)").
func NewListeners(ls []net.Listener, opts ...Option) (*Supervisor, error) {
	if len(ls) == 0 {
		return nil, ErrNoListeners
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return newSupervisor(ls, false, o), nil
}

// Metrics returns the supervisor's lifetime counters, continuing the
// teacher's handleStatus JSON introspection surface (HackStrix main.go).
func (s *Supervisor) Metrics() Snapshot { return s.metrics.Snapshot() }

func (s *Supervisor) liveOptions() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

func (s *Supervisor) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

func (s *Supervisor) allEntries() []*WorkerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*WorkerEntry, 0, len(s.workers))
	for _, e := range s.workers {
		out = append(out, e)
	}
	return out
}

func (s *Supervisor) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Start blocks, running the main supervisory loop until Stop/StopForceful
// clears the running flag, per spec.md §4.3. It requires a non-nil
// handler (spec.md: "Requires a handler; rejects absence.").
func (s *Supervisor) Start(handler HandlerFunc) error {
	if handler == nil {
		return ErrNoHandler
	}
	s.mu.Lock()
	s.handler = handler
	s.running = true
	s.mu.Unlock()

	for s.isRunning() {
		s.tick()
	}
	return s.shutdownTail()
}

// tick runs one supervisory iteration: apply a pending reload, watch
// children (collect status, run the watchdog, reap), then adjust the
// population to match offered load (spec.md §4.3, "Main loop").
func (s *Supervisor) tick() {
	s.applyPendingReload()
	s.watchChildren()
	s.adjustChildren()
}

// watchChildren selects on all upstream readers with a 100ms timeout,
// merging any status that arrives and, for any worker whose pipe has
// reached end-of-stream, closing its pipes and marking it exited (its
// entry stays until reaped), then runs the watchdog and a reap pass
// (spec.md §4.3, "Watch children").
func (s *Supervisor) watchChildren() {
	entries := s.allEntries()
	type result struct {
		e       *WorkerEntry
		m       Message
		outcome readOutcome
	}
	results := make(chan result, len(entries))
	var wg sync.WaitGroup
	for _, e := range entries {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, outcome := readWithTimeout(e.upFile, e.upReader, watchTickInterval)
			results <- result{e, m, outcome}
		}()
	}
	wg.Wait()
	close(results)

	for r := range results {
		switch r.outcome {
		case readGot:
			r.e.mergeStatus(r.m)
		case readPeerGone:
			// End-of-stream is advisory (spec.md §4.3): the pipe pair is
			// closed now, but the pid stays tracked until waitpid (via
			// WorkerEntry.waitLoop) confirms the exit.
			r.e.closePipes()
			r.e.mu.Lock()
			r.e.status.State = StateExit
			r.e.mu.Unlock()
		case readTimedOut:
		}
	}

	s.runWatchdog(entries)
	s.reap()
}

// runWatchdog escalates from watchdog_signal to an unconditional KILL 60s
// later, per spec.md §4.3 ("Watchdog").
func (s *Supervisor) runWatchdog(entries []*WorkerEntry) {
	opts := s.liveOptions()
	for _, e := range entries {
		delta := time.Since(e.lastHeartbeat())
		switch {
		case delta > opts.WatchdogTimer+60*time.Second:
			_ = e.proc.Signal(syscall.SIGKILL)
			logWorker(e.pid).Warn("preforkd: watchdog kill, no heartbeat past the grace window")
			s.metrics.watchdogKilled.Add(1)
		case delta > opts.WatchdogTimer && !e.signalSent():
			_ = e.proc.Signal(mustSignal(opts.WatchdogSignal))
			logWorker(e.pid).WithField("signal", opts.WatchdogSignal).Warn("preforkd: watchdog signal, heartbeat overdue")
			e.markSignalSent(true)
			s.metrics.watchdogSignal.Add(1)
		}
	}
}

// reap non-blockingly checks every tracked pid and drops those waitpid
// has confirmed dead, invoking on_child_exit (spec.md §4.3, "Reaping").
func (s *Supervisor) reap() {
	for _, e := range s.allEntries() {
		status, ok := e.reaped()
		if !ok {
			continue
		}
		s.mu.Lock()
		delete(s.workers, e.pid)
		s.mu.Unlock()
		s.metrics.reaped.Add(1)
		if cb := s.liveOptions().OnChildExit; cb != nil {
			pid := e.pid
			safeCall(func() { cb(pid, status) })
		}
	}
}

// adjustChildren implements spec.md §4.3's population sizing formula:
// spawn up to min_processes, then spawn additional workers so that
// capacity covers current connections plus standby headroom.
func (s *Supervisor) adjustChildren() {
	opts := s.liveOptions()

	for s.liveLiveCount() < opts.MinProcesses && s.liveLiveCount() < opts.MaxProcesses {
		if _, err := s.spawnOne(); err != nil {
			log.WithError(err).Error("preforkd: spawn to reach min_processes failed")
			break
		}
	}

	live := s.liveLiveEntries()
	connections := 0
	for _, e := range live {
		connections += e.ConnectionCount()
	}
	capacity := len(live) * opts.MaxThreads

	required := 0
	if opts.MaxThreads > 0 {
		required = int(math.Ceil(float64(connections+opts.StandbyThreads-capacity) / float64(opts.MaxThreads)))
	}
	if required < 0 {
		required = 0
	}

	// Draining (state stop/exit) workers are not counted toward min/max
	// bounds (spec.md §3), so scale-up room is measured against the live
	// count, the same helper the min_processes loop above uses — not the
	// total tracked count, which still includes workers waiting to be
	// reaped.
	room := opts.MaxProcesses - s.liveLiveCount()
	toSpawn := min(required, room)
	for i := 0; i < toSpawn; i++ {
		if _, err := s.spawnOne(); err != nil {
			log.WithError(err).Error("preforkd: scale-up spawn failed")
			break
		}
	}
}

func (s *Supervisor) liveLiveCount() int { return len(s.liveLiveEntries()) }

func (s *Supervisor) liveLiveEntries() []*WorkerEntry {
	all := s.allEntries()
	out := make([]*WorkerEntry, 0, len(all))
	for _, e := range all {
		if e.IsLive() {
			out = append(out, e)
		}
	}
	return out
}

func (s *Supervisor) spawnOne() (*WorkerEntry, error) {
	e, err := s.spawn()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.workers[e.pid] = e
	s.mu.Unlock()
	s.metrics.spawned.Add(1)
	if cb := s.liveOptions().OnChildStart; cb != nil {
		pid := e.pid
		safeCall(func() { cb(pid) })
	}
	return e, nil
}

// Reload enqueues new options, keeping the current listeners, applied at
// the top of the next main-loop iteration (spec.md §4.3, "reload").
func (s *Supervisor) Reload(opts ...Option) error {
	o, err := buildOptions(opts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = &reloadRequest{opts: o}
	s.mu.Unlock()
	return nil
}

// ReloadAddr enqueues new options together with a new host:port to bind
// on the next iteration.
func (s *Supervisor) ReloadAddr(host string, port int, opts ...Option) error {
	o, err := buildOptions(opts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = &reloadRequest{listenersChanged: true, useAddr: true, host: host, port: port, opts: o}
	s.mu.Unlock()
	return nil
}

// ReloadListeners enqueues new options together with caller-supplied
// listeners to switch to on the next iteration.
func (s *Supervisor) ReloadListeners(ls []net.Listener, opts ...Option) error {
	if len(ls) == 0 {
		return ErrNoListeners
	}
	o, err := buildOptions(opts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = &reloadRequest{listenersChanged: true, listeners: ls, opts: o}
	s.mu.Unlock()
	return nil
}

// applyPendingReload is the first step of every tick (spec.md §4.3).
func (s *Supervisor) applyPendingReload() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if pending == nil {
		return
	}

	if pending.listenersChanged {
		s.mu.Lock()
		owned := s.listenersOwned
		old := s.listeners
		s.mu.Unlock()
		if owned {
			for _, ln := range old {
				ln.Close()
			}
		}
		// Detach existing workers so they drain on the old sockets
		// rather than racing the new listener set (spec.md §4.3).
		broadcast(s.allEntries(), Message{Detach: true})

		if pending.useAddr {
			ln, err := bindWithRetry(pending.host, pending.port, pending.opts.ListenBacklog)
			if err != nil {
				log.WithError(err).Error("preforkd: reload bind failed, keeping old listeners")
			} else {
				s.mu.Lock()
				s.listeners = []net.Listener{ln}
				s.listenersOwned = true
				s.host, s.port = pending.host, pending.port
				s.mu.Unlock()
			}
		} else {
			s.mu.Lock()
			s.listeners = pending.listeners
			s.listenersOwned = false
			s.mu.Unlock()
		}
	} else if s.listenersOwned && pending.opts.ListenBacklog != 0 && pending.opts.ListenBacklog != s.liveOptions().ListenBacklog {
		// Else if only listen_backlog changed and listeners are owned,
		// reapply listen(backlog) on each (spec.md §4.3). The backlog is
		// fixed at socket-creation time, so "reapplying" it means
		// rebinding the same host:port rather than mutating the live fd.
		// ListenBacklog == 0 means "not specified in this reload" (options.go),
		// same convention serializable/mergeSerializable already use, so a
		// reload that leaves it unset never triggers a spurious rebind.
		s.reapplyListenBacklog(pending.opts.ListenBacklog)
	}

	s.mu.Lock()
	s.opts = pending.opts
	s.mu.Unlock()

	broadcast(s.allEntries(), Message{Options: pending.opts.serializable()})
}

// reapplyListenBacklog rebinds the supervisor's owned listeners on their
// existing host:port with a new backlog value, used by applyPendingReload
// when a reload changes only listen_backlog (spec.md §4.3).
func (s *Supervisor) reapplyListenBacklog(backlog int) {
	s.mu.Lock()
	old := s.listeners
	host, port := s.host, s.port
	s.mu.Unlock()

	for _, ln := range old {
		ln.Close()
	}
	// Detach existing workers so they stop accepting on the fds they
	// inherited from the now-closed listener; adjustChildren respawns
	// replacements against the rebound one.
	broadcast(s.allEntries(), Message{Detach: true})

	ln, err := bindWithRetry(host, port, backlog)
	if err != nil {
		log.WithError(err).Error("preforkd: reload failed to reapply listen_backlog")
		return
	}
	s.mu.Lock()
	s.listeners = []net.Listener{ln}
	s.mu.Unlock()
}

// Stop clears the running flag cooperatively; the main loop exits after
// its current iteration and workers drain naturally as clients
// disconnect (spec.md §4.3, "stop").
func (s *Supervisor) Stop() {
	s.setRunning(false)
}

// StopForceful sends SIGTERM to every worker, then clears the running
// flag (spec.md §4.3, "stop!").
func (s *Supervisor) StopForceful() {
	for _, e := range s.allEntries() {
		_ = e.proc.Signal(syscall.SIGTERM)
	}
	s.setRunning(false)
}

// DetachChildren instructs every worker to close its listeners and exit
// once its current connections end, waiting up to 5s for all of them to
// report state != run (spec.md §4.3, "detach_children").
func (s *Supervisor) DetachChildren() {
	broadcast(s.allEntries(), Message{Detach: true})
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stillRunning := false
		for _, e := range s.allEntries() {
			if e.IsLive() {
				stillRunning = true
				break
			}
		}
		if !stillRunning {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// shutdownTail runs after the main loop exits: close owned listeners,
// close all downstream writers (workers see end-of-stream as a detach),
// then wait up to 1s for every worker to be reaped, falling back to a
// detached background reaper (spec.md §4.3, "Shutdown tail" — the
// original's "Timeout.timeout(1) ... rescue Thread.new" pattern).
func (s *Supervisor) shutdownTail() error {
	s.mu.Lock()
	if s.listenersOwned {
		for _, ln := range s.listeners {
			ln.Close()
		}
	}
	s.mu.Unlock()

	for _, e := range s.allEntries() {
		_ = e.downWriter.Close()
	}

	done := make(chan struct{})
	go func() {
		for s.liveCount() > 0 {
			s.reap()
			time.Sleep(20 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(1 * time.Second):
		go func() {
			for s.liveCount() > 0 {
				s.reap()
				time.Sleep(100 * time.Millisecond)
			}
		}()
		return nil
	}
}

// bindWithRetry binds host:port, retrying an address-in-use error for up
// to 5s at 100ms intervals before propagating it — spec.md §7's
// "Transient bind error" taxonomy entry, used both at construction and on
// a reload that rebinds.
func bindWithRetry(host string, port, backlog int) (net.Listener, error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		ln, err := listenWithBacklog(host, port, backlog)
		if err == nil {
			return ln, nil
		}
		if !isAddrInUse(err) || time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func isAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE) || errors.Is(err, syscall.EADDRINUSE)
}

// listenWithBacklog binds host:port, applying backlog via a raw
// socket/bind/listen sequence when backlog > 0 — net.Listen has no public
// knob for the listen(2) backlog, so a non-zero listen_backlog is the one
// case this project drops to golang.org/x/sys/unix instead of net
// directly (grounded: davidolrik-overseer's x/sys+gopsutil pairing for
// exactly this kind of low-level process/socket control).
func listenWithBacklog(host string, port, backlog int) (net.Listener, error) {
	if backlog <= 0 {
		return net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}

	var ip [4]byte
	if host != "" {
		if parsed := net.ParseIP(host).To4(); parsed != nil {
			copy(ip[:], parsed)
		}
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: ip}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, err
	}

	f := os.NewFile(uintptr(fd), "preforkd-listener")
	ln, err := net.FileListener(f)
	f.Close()
	return ln, err
}
