//go:build !unix

package mpmc

import "unsafe"

// Alloc falls back to heap memory where mmap is unavailable.
func Alloc(size uintptr) ([]byte, error) {
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*8), nil
}

func Free(b []byte) error { return nil }
