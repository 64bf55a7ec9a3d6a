//go:build linux

package ults

import "golang.org/x/sys/unix"

// setAffinity pins the calling OS thread to cpus via sched_setaffinity.
// Xstream.SetAffinity only has an effect when called from the goroutine
// actually running the xstream's scheduler loop, since Go exposes thread
// affinity per calling thread rather than per goroutine handle.
func setAffinity(cpus []int) error {
	if len(cpus) == 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	return unix.SchedSetaffinity(0, &set)
}
