package preforkd

import (
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingEchoHandler holds each connection open until release is closed,
// letting a test pin a worker at a known in-flight count.
func blockingEchoHandler(release <-chan struct{}) HandlerFunc {
	return func(conn net.Conn, remote net.Addr, handle *WorkerHandle) {
		defer conn.Close()
		<-release
	}
}

func newTestListener(t *testing.T) *net.TCPListener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tcpLn := ln.(*net.TCPListener)
	t.Cleanup(func() { tcpLn.Close() })
	return tcpLn
}

// newTestWorker wires a childWorker directly to in-process pipes, bypassing
// process.go's re-exec path entirely — the scenario only needs the worker
// runtime, not a second OS process.
func newTestWorker(t *testing.T, ln net.Listener, opts Options) (*childWorker, *frameReader) {
	t.Helper()
	upR, upW, err := os.Pipe()
	require.NoError(t, err)
	dnR, dnW, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { dnW.Close() })

	w := newChildWorker([]net.Listener{ln}, opts, upW, dnR, nil)
	return w, newFrameReader(upR)
}

// TestAcceptBlocksAtCapacity covers spec.md §8 scenario 1: with
// max_threads=1, a second connection attempt must actually block at the
// socket level (observed as a client-side dial+read timeout) rather than
// be accepted into the process and queued.
func TestAcceptBlocksAtCapacity(t *testing.T) {
	ln := newTestListener(t)
	release := make(chan struct{})
	opts := defaultOptions()
	opts.MaxThreads = 1
	opts.MaxIdle = 0

	w := &childWorker{
		listeners:     []net.Listener{ln},
		handler:       blockingEchoHandler(release),
		handle:        newWorkerHandle(1, opts),
		opts:          opts,
		state:         StateRun,
		inFlight:      map[string]string{},
		acceptResults: make(chan indexedAccept, 1),
		acceptBusy:    make([]bool, 1),
	}
	w.cond = sync.NewCond(&w.mu)
	upR, upW, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { upR.Close() })
	w.upWriter = upW

	go w.acceptLoop()

	c1, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c1.Close() })

	// Give the accept loop a beat to actually accept c1 and drop to
	// zero capacity before the second dial races it.
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.inFlight) == 1
	}, time.Second, 5*time.Millisecond)

	c2, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c2.Close() })
	c2.SetReadDeadline(time.Now().Add(300 * time.Millisecond))

	buf := make([]byte, 1)
	_, err = c2.Read(buf)
	assert.Error(t, err, "second connection must still be blocked, unread, while the worker is saturated")

	close(release)
}

// TestIdleTimeoutIgnoredBeforeFirstAccept covers the "max_idle is ignored
// before the first accept" edge case of spec.md §4.2: a worker configured
// with a short max_idle must not drain itself while waiting for its very
// first connection.
func TestIdleTimeoutIgnoredBeforeFirstAccept(t *testing.T) {
	ln := newTestListener(t)
	opts := defaultOptions()
	opts.MaxThreads = 2
	opts.MaxIdle = 50 * time.Millisecond

	w, upReader := newTestWorker(t, ln, opts)
	w.handler = blockingEchoHandler(make(chan struct{}))
	w.handle = newWorkerHandle(1, opts)

	done := make(chan struct{})
	go func() { w.acceptLoop(); close(done) }()

	select {
	case <-done:
		t.Fatal("worker drained on idle timeout before accepting any connection")
	case <-time.After(200 * time.Millisecond):
	}

	// Force the pending Accept to return so acceptLoop can exit; with no
	// max_idle deadline armed yet, closing the listener is the only way
	// to unblock it (transitionStop alone cannot interrupt a live Accept).
	ln.Close()
	<-done
	_ = upReader
}

// TestIdleTimeoutAfterFirstAccept covers the complementary half: once a
// connection has been accepted and released, a subsequent idle period
// longer than max_idle drains the worker.
func TestIdleTimeoutAfterFirstAccept(t *testing.T) {
	ln := newTestListener(t)
	release := make(chan struct{})
	close(release) // handler returns immediately
	opts := defaultOptions()
	opts.MaxThreads = 2
	opts.MaxIdle = 80 * time.Millisecond
	opts.MaxUse = 0

	w, _ := newTestWorker(t, ln, opts)
	w.handler = blockingEchoHandler(release)
	w.handle = newWorkerHandle(1, opts)

	done := make(chan struct{})
	go func() { w.acceptLoop(); close(done) }()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	conn.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not drain after an idle period past max_idle")
	}
	assert.Equal(t, StateStop, w.currentState())
}

// TestMaxUseStopsAfterNthConnection covers spec.md §4.2's max_use cutoff:
// the worker must stop accepting once it has served exactly max_use
// connections.
func TestMaxUseStopsAfterNthConnection(t *testing.T) {
	ln := newTestListener(t)
	opts := defaultOptions()
	opts.MaxThreads = 4
	opts.MaxIdle = 0
	opts.MaxUse = 2

	var served int32
	w, _ := newTestWorker(t, ln, opts)
	w.handler = func(conn net.Conn, remote net.Addr, handle *WorkerHandle) {
		defer conn.Close()
		atomic.AddInt32(&served, 1)
	}
	w.handle = newWorkerHandle(1, opts)

	done := make(chan struct{})
	go func() { w.acceptLoop(); close(done) }()

	for i := 0; i < 2; i++ {
		conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
		require.NoError(t, err)
		conn.Close()
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after max_use connections")
	}
	assert.Equal(t, StateStop, w.currentState())
	assert.EqualValues(t, 2, atomic.LoadInt32(&served))
}

// TestStateMonotone covers spec.md §3 ("transitions are monotone"): once
// stopped, repeated transitionStop calls never resurrect state=run.
func TestStateMonotone(t *testing.T) {
	ln := newTestListener(t)
	opts := defaultOptions()
	w, _ := newTestWorker(t, ln, opts)
	w.handle = newWorkerHandle(1, opts)

	w.transitionStop()
	assert.Equal(t, StateStop, w.currentState())
	w.mu.Lock()
	w.state = StateExit
	w.mu.Unlock()
	w.transitionStop()
	assert.Equal(t, StateExit, w.currentState(), "transitionStop must never move state backwards")
}

// TestSendHeartbeatProducesHeartbeat covers the control activity's
// empty-content heartbeat (spec.md §4.2): on downstream silence,
// sendHeartbeat must encode a message that IsHeartbeat recognizes as one.
func TestSendHeartbeatProducesHeartbeat(t *testing.T) {
	ln := newTestListener(t)
	opts := defaultOptions()
	w, upReader := newTestWorker(t, ln, opts)
	w.handle = newWorkerHandle(1, opts)

	w.sendHeartbeat()
	msg, ok := upReader.ReadMessage()
	require.True(t, ok)
	assert.True(t, msg.IsHeartbeat())
}

// TestSendStatusIsNeverAHeartbeat covers the flip side: a live worker's
// state is never the zero value, so a real status report must never be
// mistaken for a heartbeat, even when it carries zero in-flight
// connections.
func TestSendStatusIsNeverAHeartbeat(t *testing.T) {
	ln := newTestListener(t)
	opts := defaultOptions()
	w, upReader := newTestWorker(t, ln, opts)
	w.handle = newWorkerHandle(1, opts)

	w.sendStatus()
	msg, ok := upReader.ReadMessage()
	require.True(t, ok)
	assert.False(t, msg.IsHeartbeat())
	assert.Equal(t, StateRun, msg.State)
}

// TestApplyReloadMergesAndWakesWaiters covers spec.md §4.2.2.2: a reload
// that raises max_threads must wake goroutines blocked in waitForCapacity.
func TestApplyReloadMergesAndWakesWaiters(t *testing.T) {
	ln := newTestListener(t)
	opts := defaultOptions()
	opts.MaxThreads = 1
	w, _ := newTestWorker(t, ln, opts)
	w.handle = newWorkerHandle(1, opts)
	w.inFlight["x"] = "1.2.3.4:1"

	woke := make(chan struct{})
	go func() {
		w.waitForCapacity()
		close(woke)
	}()

	select {
	case <-woke:
		t.Fatal("waiter woke before capacity was available")
	case <-time.After(50 * time.Millisecond):
	}

	w.applyReload(map[string]any{"max_threads": float64(2)})

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("raising max_threads via reload did not wake a blocked waiter")
	}
	assert.Equal(t, 2, w.opts.MaxThreads)
}
