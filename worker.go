package preforkd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// childWorker is the in-process runtime that lives inside a forked worker
// (spec.md §4.2). It replaces the teacher's Worker (HackStrix worker.go,
// an out-of-process handle the parent polls over HTTP) — here the
// runtime and the thing being supervised are the same process, so there
// is no separate health-check client: status flows out over upWriter
// instead.
type childWorker struct {
	listeners []net.Listener
	handler   HandlerFunc
	handle    *WorkerHandle

	upWriter   *os.File
	downReader *os.File
	downFrame  *frameReader

	mu           sync.Mutex
	cond         *sync.Cond
	opts         Options
	state        State
	inFlight     map[string]string
	useCount     int
	everAccepted bool

	taskSeq int64
	eg      errgroup.Group

	// acceptResults and acceptBusy track at most one outstanding Accept()
	// goroutine per listener at a time. Without this, a multi-listener
	// acceptNext would spawn a fresh goroutine per listener on every call
	// and only ever consume the first result, leaking both the losing
	// goroutines (still blocked in Accept()) and whatever connection they
	// eventually accept (sent into a channel nobody reads again).
	acceptResults chan indexedAccept
	acceptBusy    []bool
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// indexedAccept pairs an acceptResult with the index of the listener that
// produced it, so acceptNext can clear the right entry in acceptBusy.
type indexedAccept struct {
	idx int
	acceptResult
}

func newChildWorker(listeners []net.Listener, opts Options, upWriter, downReader *os.File, handler HandlerFunc) *childWorker {
	w := &childWorker{
		listeners:     listeners,
		handler:       handler,
		upWriter:      upWriter,
		downReader:    downReader,
		downFrame:     newFrameReader(downReader),
		opts:          opts,
		state:         StateRun,
		inFlight:      map[string]string{},
		acceptResults: make(chan indexedAccept, len(listeners)),
		acceptBusy:    make([]bool, len(listeners)),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// run drives both worker activities to completion and performs the
// shutdown sequence of spec.md §4.2: close listeners once the accept
// activity exits, send a final status, join in-flight handler tasks, mark
// state=exit. The caller (RunWorker) hard-exits the process immediately
// after run returns.
func (w *childWorker) run() {
	w.handle = newWorkerHandle(os.Getpid(), w.opts)

	acceptDone := make(chan struct{})
	go func() { w.acceptLoop(); close(acceptDone) }()
	go w.controlLoop()

	<-acceptDone

	for _, ln := range w.listeners {
		ln.Close()
	}
	w.sendStatus()

	_ = w.eg.Wait()

	w.mu.Lock()
	w.state = StateExit
	w.mu.Unlock()
	w.sendStatus()
}

// acceptLoop is the accept activity of spec.md §4.2: block until
// in-flight has headroom, THEN accept, then hand the connection to a
// handler task, and honor max_use. Capacity is checked before the
// syscall, not after, so a saturated worker leaves the listen backlog
// untouched and a connecting client actually blocks at the kernel
// level (spec.md §8 scenario 1) instead of being accepted into the
// process and queued internally.
func (w *childWorker) acceptLoop() {
	for {
		if !w.waitForCapacity() {
			return
		}

		res, timedOut := w.acceptNext()
		if timedOut {
			// Before the first accept, idle timeout is ignored (spec.md
			// §4.2): idleTimeoutArmed guarantees this never fires until
			// everAccepted is true, so reaching here always means a real
			// idle worker.
			log.Debug("preforkd: worker idle timeout, draining")
			w.transitionStop()
			return
		}
		if res.err != nil {
			log.WithError(res.err).Warn("preforkd: accept error, stopping worker")
			w.transitionStop()
			return
		}
		if w.onAccepted(res.conn) {
			return
		}
	}
}

// acceptNext performs the actual Accept syscall across every listener,
// only once the caller has confirmed capacity is available. At most one
// Accept() goroutine is ever outstanding per listener: acceptBusy tracks
// which listeners already have a call in flight from a previous, still-
// unresolved invocation, so this call only starts goroutines for the
// listeners that are idle. acceptResults is buffered to len(listeners),
// so every goroutine's send always succeeds and the goroutine always
// exits — no result is ever produced into a channel nobody will ever
// read again. acceptLoop is the sole caller, from a single goroutine, so
// acceptBusy needs no locking of its own.
func (w *childWorker) acceptNext() (res acceptResult, timedOut bool) {
	maxIdle, idleArmed := w.idleTimeoutArmed()

	for i, ln := range w.listeners {
		if w.acceptBusy[i] {
			continue
		}
		if d, ok := ln.(interface{ SetDeadline(time.Time) error }); ok {
			if idleArmed {
				_ = d.SetDeadline(time.Now().Add(maxIdle))
			} else {
				_ = d.SetDeadline(time.Time{})
			}
		}
		w.acceptBusy[i] = true
		i, ln := i, ln
		go func() {
			conn, err := ln.Accept()
			w.acceptResults <- indexedAccept{i, acceptResult{conn, err}}
		}()
	}

	got := <-w.acceptResults
	w.acceptBusy[got.idx] = false

	if got.err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(got.err, &netErr) && netErr.Timeout() {
			return acceptResult{}, true
		}
	}
	return got.acceptResult, false
}

// waitForCapacity blocks until in_flight has room for another handler
// task, returning false if the worker has left state=run while waiting.
func (w *childWorker) waitForCapacity() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.inFlight) >= w.opts.MaxThreads && w.state == StateRun {
		w.cond.Wait()
	}
	return w.state == StateRun
}

// idleTimeoutArmed reports the current max_idle and whether it should be
// applied — it never applies before the first connection is accepted
// (spec.md §4.2: "Before the first accept, idle timeout is ignored").
func (w *childWorker) idleTimeoutArmed() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.opts.MaxIdle <= 0 || !w.everAccepted {
		return 0, false
	}
	return w.opts.MaxIdle, true
}

// onAccepted records a newly accepted connection, spawns its handler
// task, and reports whether the accept loop must stop (max_use reached).
func (w *childWorker) onAccepted(conn net.Conn) (stop bool) {
	w.mu.Lock()
	w.useCount++
	w.everAccepted = true
	n := w.useCount
	maxUse := w.opts.MaxUse
	w.mu.Unlock()

	w.spawnHandlerTask(conn)

	if maxUse > 0 && n >= maxUse {
		w.transitionStop()
		return true
	}
	return false
}

// spawnHandlerTask runs connected/handler/disconnect for one accepted
// connection, per spec.md §4.2 ("Handler task"). Tasks are tracked with
// an errgroup.Group rather than a bare WaitGroup so Shutdown's join can
// in principle surface a failure without losing the others (grounded:
// rclone-rclone's pervasive errgroup use for fan-out-then-join).
func (w *childWorker) spawnHandlerTask(conn net.Conn) {
	id := fmt.Sprintf("%d-%d", os.Getpid(), atomic.AddInt64(&w.taskSeq, 1))
	remote := conn.RemoteAddr()

	w.mu.Lock()
	w.inFlight[id] = remote.String()
	w.mu.Unlock()
	w.sendStatus()

	w.eg.Go(func() error {
		defer func() {
			conn.Close()
			w.mu.Lock()
			delete(w.inFlight, id)
			w.mu.Unlock()
			w.cond.Broadcast()
			w.sendStatus()
		}()
		handle := w.handle
		safeCall(func() { w.handler(conn, remote, handle) })
		return nil
	})
}

// controlLoop is the control activity of spec.md §4.2: heartbeat on
// downstream silence, merge reloads, honor detach.
func (w *childWorker) controlLoop() {
	for {
		if w.currentState() != StateRun {
			return
		}
		msg, outcome := readWithTimeout(w.downReader, w.downFrame, 5*time.Second)
		switch outcome {
		case readGot:
			if msg.Detach {
				w.transitionStop()
				return
			}
			if msg.Options != nil {
				w.applyReload(msg.Options)
			}
		case readTimedOut:
			w.sendHeartbeat()
		case readPeerGone:
			w.transitionStop()
			return
		}
	}
}

// applyReload merges a downstream {options: ...} message into the live
// configuration, invokes on_reload if configured, and wakes the accept
// loop in case max_threads grew (spec.md §4.2.2.2).
func (w *childWorker) applyReload(m map[string]any) {
	w.mu.Lock()
	w.opts.mergeSerializable(m)
	merged := w.opts
	w.mu.Unlock()

	w.handle.store(merged)
	w.cond.Broadcast()

	if merged.OnReload != nil {
		safeCall(func() { merged.OnReload(merged) })
	}
}

func (w *childWorker) currentState() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// transitionStop moves state run -> stop (a no-op if already beyond run)
// and wakes anything waiting on the condition variable so the accept
// activity notices promptly (spec.md §3: "Transitions are monotone").
func (w *childWorker) transitionStop() {
	w.mu.Lock()
	if w.state == StateRun {
		w.state = StateStop
	}
	w.mu.Unlock()
	w.cond.Broadcast()
}

func (w *childWorker) sendStatus() {
	w.mu.Lock()
	msg := Message{State: w.state, Connections: copyConnMap(w.inFlight)}
	w.mu.Unlock()
	if err := writeWithDeadline(w.upWriter, msg, broadcastDeadline); err != nil {
		log.WithError(err).Debug("preforkd: status send failed")
	}
}

// sendHeartbeat sends a genuinely empty message upstream (spec.md §4.2:
// "send an empty status message upstream as a heartbeat"). Unlike
// sendStatus, this carries no state or connection data, so IsHeartbeat
// recognizes it on the receiving end — w.state is never the zero value
// for a live childWorker, so reusing sendStatus here would never satisfy
// IsHeartbeat.
func (w *childWorker) sendHeartbeat() {
	if err := writeWithDeadline(w.upWriter, Message{}, broadcastDeadline); err != nil {
		log.WithError(err).Debug("preforkd: heartbeat send failed")
	}
}

func copyConnMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
