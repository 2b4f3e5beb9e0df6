//go:build linux

package datafile

import (
	"os"

	"golang.org/x/sys/unix"
)

// openDirectFile opens path with O_DIRECT. Many filesystems used in
// development (tmpfs, overlayfs) reject O_DIRECT outright; rather than
// fail the cold read, fall back to a normal buffered open.
func openDirectFile(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECT, 0)
	if err != nil {
		return os.Open(path)
	}
	return os.NewFile(uintptr(fd), path), nil
}
