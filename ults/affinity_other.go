//go:build !linux

package ults

// setAffinity is a no-op on platforms without a native affinity syscall.
func setAffinity(cpus []int) error {
	return nil
}
