//go:build unix

package mpmc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Alloc maps size bytes of zeroed memory outside the Go heap for a ring.
// The GC never moves or scans it; release it with Free.
func Alloc(size uintptr) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mpmc: mmap %d bytes: %w", size, err)
	}
	return b, nil
}

// Free releases memory returned by Alloc.
func Free(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}
