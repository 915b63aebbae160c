package preforkd

import (
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testWorkerHandler is the handler every re-exec'd worker in this test
// binary runs: it just closes the connection. It must hold no
// parent-process-only state, since it crosses the re-exec boundary by
// name, not by closure (see supervisor.go's note on Start's handler).
func testWorkerHandler(conn net.Conn, remote net.Addr, handle *WorkerHandle) {
	conn.Close()
}

// TestMain lets this test binary double as the worker entrypoint: when
// re-exec'd by Supervisor.spawn (os.Args[0] is the compiled test binary
// itself), PREFORKD_WORKER=1 is set and this runs the worker runtime
// instead of the test suite — the standard Go helper-process pattern,
// applied here because process.go's spawn always re-execs os.Args[0].
func TestMain(m *testing.M) {
	if IsWorkerProcess() {
		RunWorker(testWorkerHandler)
		return
	}
	os.Exit(m.Run())
}

func newLoopbackSupervisor(t *testing.T, opts ...Option) *Supervisor {
	t.Helper()
	sup, err := NewAddr("127.0.0.1", 0, opts...)
	require.NoError(t, err)
	return sup
}

// TestSupervisorSpawnsMinProcesses covers spec.md §8 scenario 4:
// min_processes workers come up without any connection ever being made.
func TestSupervisorSpawnsMinProcesses(t *testing.T) {
	sup := newLoopbackSupervisor(t,
		WithMinProcesses(2),
		WithMaxProcesses(2),
		WithMaxThreads(2),
		WithStandbyThreads(0),
	)

	go sup.Start(testWorkerHandler)
	t.Cleanup(sup.StopForceful)

	require.Eventually(t, func() bool {
		return sup.Metrics().Spawned >= 2
	}, 10*time.Second, 50*time.Millisecond, "min_processes workers never spawned")

	require.Eventually(t, func() bool {
		return sup.liveLiveCount() == 2
	}, 10*time.Second, 50*time.Millisecond, "worker count never settled at min_processes")
}

// TestOnChildStartAndExitCallbacksFire covers spec.md §8 scenarios 9/10:
// on_child_start fires once per spawn, on_child_exit fires once per reap,
// with matching pids.
func TestOnChildStartAndExitCallbacksFire(t *testing.T) {
	var started, exited int64
	startedPid := make(chan int, 4)
	exitedPid := make(chan int, 4)

	sup := newLoopbackSupervisor(t,
		WithMinProcesses(1),
		WithMaxProcesses(1),
		WithMaxThreads(2),
		WithOnChildStart(func(pid int) {
			atomic.AddInt64(&started, 1)
			startedPid <- pid
		}),
		WithOnChildExit(func(pid, status int) {
			atomic.AddInt64(&exited, 1)
			exitedPid <- pid
		}),
	)

	go sup.Start(testWorkerHandler)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&started) >= 1
	}, 10*time.Second, 50*time.Millisecond)

	var pid int
	select {
	case pid = <-startedPid:
	case <-time.After(time.Second):
		t.Fatal("on_child_start never delivered a pid")
	}

	sup.StopForceful()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&exited) >= 1
	}, 10*time.Second, 50*time.Millisecond, "on_child_exit never fired after StopForceful")

	select {
	case got := <-exitedPid:
		assert.Equal(t, pid, got)
	case <-time.After(time.Second):
		t.Fatal("on_child_exit never delivered a pid")
	}
}

// TestReloadBroadcastsToWorkers covers spec.md §4.3/§4.4: a live reload
// changing max_threads is applied to the supervisor's live options and
// broadcast to already-running workers without restarting them (the
// reaped count stays put). Receipt of the options inside the workers is
// not observed by this test.
func TestReloadBroadcastsToWorkers(t *testing.T) {
	sup := newLoopbackSupervisor(t,
		WithMinProcesses(1),
		WithMaxProcesses(1),
		WithMaxThreads(1),
	)

	go sup.Start(testWorkerHandler)
	t.Cleanup(sup.StopForceful)

	require.Eventually(t, func() bool {
		return sup.liveLiveCount() == 1
	}, 10*time.Second, 50*time.Millisecond)

	reapedBefore := sup.Metrics().Reaped

	require.NoError(t, sup.Reload(WithMinProcesses(1), WithMaxProcesses(1), WithMaxThreads(4)))

	require.Eventually(t, func() bool {
		return sup.liveOptions().MaxThreads == 4
	}, 10*time.Second, 50*time.Millisecond, "reload never took effect on the supervisor's live options")

	// Give the broadcast a moment to land, then confirm no worker was
	// reaped/respawned to apply it.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, reapedBefore, sup.Metrics().Reaped, "reload must not restart workers")
}
