//go:build !linux

package datafile

import "os"

// openDirectFile falls back to a normal buffered open on platforms
// without O_DIRECT (matches spec.md SPEC_FULL.md's "no-op shim
// elsewhere").
func openDirectFile(path string) (*os.File, error) {
	return os.Open(path)
}
