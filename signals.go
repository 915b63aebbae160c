package preforkd

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalByName resolves a POSIX signal name (as accepted by the
// watchdog_signal option, e.g. "TERM", "KILL", "HUP") to a syscall.Signal.
// golang.org/x/sys/unix carries the full signal table across the
// platforms this project targets (linux/darwin), which the stdlib
// syscall package does not expose uniformly — grounded in the
// davidolrik-overseer manifest pairing of golang.org/x/sys with gopsutil
// for cross-platform process control.
func signalByName(name string) (syscall.Signal, bool) {
	name = strings.ToUpper(strings.TrimPrefix(strings.ToUpper(name), "SIG"))
	switch name {
	case "TERM":
		return syscall.Signal(unix.SIGTERM), true
	case "KILL":
		return syscall.Signal(unix.SIGKILL), true
	case "HUP":
		return syscall.Signal(unix.SIGHUP), true
	case "INT":
		return syscall.Signal(unix.SIGINT), true
	case "USR1":
		return syscall.Signal(unix.SIGUSR1), true
	case "USR2":
		return syscall.Signal(unix.SIGUSR2), true
	case "QUIT":
		return syscall.Signal(unix.SIGQUIT), true
	default:
		return 0, false
	}
}

// mustSignal resolves name, falling back to SIGTERM for an unrecognized
// name rather than failing the watchdog outright — an operator typo in
// watchdog_signal should not disable the safety net.
func mustSignal(name string) syscall.Signal {
	if sig, ok := signalByName(name); ok {
		return sig
	}
	return syscall.SIGTERM
}
