// Package testutil wraps process inspection for scenario tests. spec.md
// §1 explicitly places "the process-inspection used to detect liveness in
// tests" out of core scope as an external collaborator; this package is
// that collaborator, backed by gopsutil (grounded: rclone-rclone/go.mod).
package testutil

import (
	"github.com/shirou/gopsutil/v3/process"
)

// IsAlive reports whether pid currently names a live OS process.
func IsAlive(pid int) bool {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	return err == nil && running
}

// CountChildren returns how many live child processes ppid currently has,
// used by scenario tests that assert an exact worker population (spec.md
// §8, scenarios 4 and 8: "verified via external process inspection").
func CountChildren(ppid int) (int, error) {
	procs, err := process.Processes()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, p := range procs {
		parent, err := p.Ppid()
		if err != nil {
			continue
		}
		if int(parent) == ppid {
			alive, err := p.IsRunning()
			if err == nil && alive {
				count++
			}
		}
	}
	return count, nil
}
