package preforkd

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

// broadcastDeadline is the per-writer cap a single slow or blocked worker
// gets before its write is abandoned (spec.md §4.3: "Broadcast semantics").
const broadcastDeadline = 1 * time.Second

// broadcast fans a message out to every entry's downstream pipe with
// per-writer isolation: one errgroup goroutine per worker, each bounded by
// its own write deadline, so a single stuck worker cannot stall the
// others. This replaces the teacher's ad-hoc `go func(){...}()` fan-out in
// pool.go's addWorker/scaleLoop with a bounded, joinable group (DESIGN
// NOTES §9). Failed or timed-out writes are logged and swallowed — the
// dead worker is reaped on the next tick via its upstream EOF.
func broadcast(entries []*WorkerEntry, msg Message) {
	var g errgroup.Group
	for _, e := range entries {
		e := e
		g.Go(func() error {
			if err := writeWithDeadline(e.downWriter, msg, broadcastDeadline); err != nil {
				logWorker(e.pid).WithError(err).Debug("broadcast write failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// writeWithDeadline encodes msg to f, bounding the write by d. Pipes
// created with os.Pipe are pollable, so SetWriteDeadline is honored even
// though f is a plain *os.File.
func writeWithDeadline(f *os.File, msg Message, d time.Duration) error {
	if err := f.SetWriteDeadline(time.Now().Add(d)); err != nil {
		return EncodeMessage(f, msg)
	}
	defer f.SetWriteDeadline(time.Time{})
	return EncodeMessage(f, msg)
}

// readOutcome classifies the result of a deadline-bounded pipe read.
type readOutcome int

const (
	readGot readOutcome = iota
	readTimedOut
	readPeerGone
)

// readWithTimeout waits up to d for fr's underlying pipe to become
// readable and decodes one frame, used by the worker's control activity
// (spec.md §4.2: "Wait for readability on the downstream reader with a
// 5-second timeout") and the supervisor's 100ms watch tick (spec.md §4.3:
// "select on all upstream readers with a 100 ms timeout"). A plain
// timeout (readTimedOut) is not "peer gone" — only a genuine EOF/short
// read is.
func readWithTimeout(f *os.File, fr *frameReader, d time.Duration) (Message, readOutcome) {
	if err := f.SetReadDeadline(time.Now().Add(d)); err != nil {
		return Message{}, readPeerGone
	}
	defer f.SetReadDeadline(time.Time{})

	m, err := fr.ReadMessageErr()
	if err == nil {
		return m, readGot
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Message{}, readTimedOut
	}
	return Message{}, readPeerGone
}
