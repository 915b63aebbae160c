package preforkd

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// workerEnv is the sentinel environment variable a re-executed process
// checks to tell "I am a spawned worker" apart from "I am the supervisor
// process starting fresh". Go has no portable fork() without cgo (the
// cgo-only reaper in other pack repos is explicitly not a path this
// project takes); re-executing os.Args[0] and passing state through
// inherited file descriptors plus environment variables is the idiomatic
// substitute (grounded: Ankit-Kulkarni-go-experiments's SocketHandoff).
const workerEnv = "PREFORKD_WORKER"

// listenerCountEnv tells the child how many of its inherited ExtraFiles
// (starting at fd 3) are listeners, so it knows where the pipe fds begin.
const listenerCountEnv = "PREFORKD_LISTENER_COUNT"

// optionsEnv carries the serializable subset of Options (see
// Options.serializable) across the re-exec boundary as a flat
// key=value;key=value string (see encodeOptionsEnv). Closures do not
// survive exec(); runWorker starts from defaultOptions, so every
// callback field is unset in the child.
const optionsEnv = "PREFORKD_OPTIONS"

// IsWorkerProcess reports whether this process was re-executed by a
// Supervisor to run the worker runtime, rather than started normally. A
// binary embedding preforkd checks this before calling New/Start:
//
//	if preforkd.IsWorkerProcess() {
//	    preforkd.RunWorker(handler)
//	    return
//	}
func IsWorkerProcess() bool {
	return os.Getenv(workerEnv) == "1"
}

// spawn re-executes the current binary as a new worker, inheriting s's
// listeners and a fresh pipe pair through cmd.ExtraFiles. This stands in
// for spec.md §4.3's "Fork. In the child: close all inherited supervisor-
// side pipe ends... invoke on_start... run the worker runtime... hard-
// exit": re-exec naturally closes every fd not explicitly listed in
// ExtraFiles (Go sets close-on-exec by default), so sibling workers' pipe
// halves are never inherited — no explicit close loop is needed, unlike a
// true fork() which duplicates the entire fd table.
func (s *Supervisor) spawn() (*WorkerEntry, error) {
	listenerFiles := make([]*os.File, 0, len(s.listeners))
	for _, ln := range s.listeners {
		f, err := fileOf(ln)
		if err != nil {
			return nil, errors.Wrap(err, "preforkd: dup listener for spawn")
		}
		listenerFiles = append(listenerFiles, f)
	}

	upR, upW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "preforkd: create upstream pipe")
	}
	dnR, dnW, err := os.Pipe()
	if err != nil {
		upR.Close()
		upW.Close()
		return nil, errors.Wrap(err, "preforkd: create downstream pipe")
	}

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		workerEnv+"=1",
		fmt.Sprintf("%s=%d", listenerCountEnv, len(listenerFiles)),
		fmt.Sprintf("%s=%s", optionsEnv, encodeOptionsEnv(s.liveOptions())),
	)
	cmd.ExtraFiles = append(append([]*os.File{}, listenerFiles...), upW, dnR)
	// Each worker gets its own process group so stop!'s SIGTERM fan-out
	// (spec.md §4.3) targets workers only, never the supervisor itself
	// (grounded: other_examples zmux-server processmgr's Setpgid use).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		for _, f := range listenerFiles {
			f.Close()
		}
		upR.Close()
		upW.Close()
		dnR.Close()
		dnW.Close()
		return nil, errors.Wrap(err, "preforkd: spawn worker")
	}

	// Parent-side cleanup: the child now owns its own duplicated fds; the
	// parent's copies of the listener dups and the child-only pipe halves
	// are no longer needed here.
	for _, f := range listenerFiles {
		f.Close()
	}
	upW.Close()
	dnR.Close()

	// OnStart is a child-side hook, checked in runWorker; there is nothing
	// to call here in the parent. runWorker's Options come from defaults
	// plus the environment, which carries no callbacks, so a supervisor's
	// OnStart is not called in the worker.

	return newWorkerEntry(cmd.Process, upR, dnW), nil
}

// fileOf returns a dup'd *os.File for ln's underlying fd, suitable for
// cmd.ExtraFiles. Any listener with a File method (such as
// *net.TCPListener) is accepted; any other listener type returns an error.
func fileOf(ln net.Listener) (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}
	f, ok := ln.(filer)
	if !ok {
		return nil, errors.Errorf("preforkd: listener of type %T cannot be duplicated for a worker", ln)
	}
	return f.File()
}

// encodeOptionsEnv renders the wire-safe subset of o as a flat
// key=value;key=value string — simpler than JSON for an env var, and
// mergeable with the same intFromAny helper options.go already uses for
// the pipe-borne reload path.
func encodeOptionsEnv(o Options) string {
	m := o.serializable()
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ";")
}

func decodeOptionsEnv(s string) map[string]any {
	m := map[string]any{}
	if s == "" {
		return m
	}
	for _, kv := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil {
			m[k] = n
			continue
		}
		m[k] = v
	}
	return m
}

// RunWorker is the child-side entrypoint: it reconstructs the inherited
// listeners and pipe pair from well-known file descriptors, rebuilds the
// initial Options from the environment, and runs the worker runtime
// (spec.md §4.2) until it exits gracefully, then hard-exits the process —
// mirroring "the worker process terminates (hard exit) immediately after"
// (spec.md §4.2). handler must be the same callback the supervisor's
// caller would have passed to Start; it only ever runs inside a worker.
func RunWorker(handler HandlerFunc) {
	if err := runWorker(handler); err != nil {
		log.WithError(err).Error("worker exited with error")
		exitFunc(1)
		return
	}
	exitFunc(0)
}

// exitFunc is os.Exit by default, swapped out in tests so RunWorker's
// control flow can be exercised without killing the test binary.
var exitFunc = os.Exit

func runWorker(handler HandlerFunc) error {
	n, _ := strconv.Atoi(os.Getenv(listenerCountEnv))
	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		f := os.NewFile(uintptr(3+i), fmt.Sprintf("preforkd-listener-%d", i))
		ln, err := net.FileListener(f)
		if err != nil {
			return errors.Wrap(err, "preforkd: reconstruct inherited listener")
		}
		f.Close() // FileListener dups; our copy is no longer needed.
		listeners = append(listeners, ln)
	}

	upW := os.NewFile(uintptr(3+n), "preforkd-upstream-writer")
	dnR := os.NewFile(uintptr(3+n+1), "preforkd-downstream-reader")

	opts := defaultOptions()
	opts.mergeSerializable(decodeOptionsEnv(os.Getenv(optionsEnv)))

	w := newChildWorker(listeners, opts, upW, dnR, handler)
	if opts.OnStart != nil {
		safeCall(func() { opts.OnStart() })
	}
	w.run()
	return nil
}
