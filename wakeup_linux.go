//go:build linux

package guestloop

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates an eventfd for interrupting a blocked worker (Linux).
// Returns the single eventfd as both read and write ends.
func createWakeFd() (int, int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}
