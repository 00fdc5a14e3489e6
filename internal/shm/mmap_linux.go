//go:build linux

package shm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapMapper maps private anonymous memory with mmap(2).
// Fixed-address requests use MAP_FIXED_NOREPLACE so an occupied range is
// reported instead of silently replaced.
type MmapMapper struct{}

func (MmapMapper) Map(addr uintptr, length int, prot Prot) ([]byte, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if addr != 0 {
		flags |= unix.MAP_FIXED_NOREPLACE
	}

	ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(addr), uintptr(length), sysProt(prot), flags)
	if err != nil {
		if addr != 0 {
			return nil, fmt.Errorf("%w: %#x: %w", ErrFixedAddress, addr, err)
		}
		return nil, fmt.Errorf("shm: mmap %d bytes: %w", length, err)
	}

	// Kernels older than 4.17 ignore MAP_FIXED_NOREPLACE and treat addr as a hint.
	if addr != 0 && uintptr(ptr) != addr {
		unix.MunmapPtr(ptr, uintptr(length))
		return nil, fmt.Errorf("%w: wanted %#x, got %#x", ErrFixedAddress, addr, uintptr(ptr))
	}

	return unsafe.Slice((*byte)(ptr), length), nil
}

func (MmapMapper) Protect(b []byte, prot Prot) error {
	if err := unix.Mprotect(b, sysProt(prot)); err != nil {
		return fmt.Errorf("shm: mprotect: %w", err)
	}
	return nil
}

func (MmapMapper) Discard(b []byte) error {
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("shm: madvise: %w", err)
	}
	return nil
}

// Install fills a staging mapping and moves it over b, so the contents and
// the access rights arrive together. Each installed page becomes its own
// mapping and does not merge with its neighbours.
func (MmapMapper) Install(b, src []byte) error {
	length := uintptr(len(b))
	stage, err := unix.MmapPtr(-1, 0, nil, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("shm: mmap staging page: %w", err)
	}
	copy(unsafe.Slice((*byte)(stage), len(b)), src)

	dst := unsafe.Pointer(unsafe.SliceData(b))
	if _, err := unix.MremapPtr(stage, length, dst, length, unix.MREMAP_MAYMOVE|unix.MREMAP_FIXED); err != nil {
		unix.MunmapPtr(stage, length)
		if errors.Is(err, unix.ENOMEM) {
			return fmt.Errorf("shm: mremap (mapping count may have reached vm.max_map_count): %w", err)
		}
		return fmt.Errorf("shm: mremap: %w", err)
	}
	return nil
}

func (MmapMapper) Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.MunmapPtr(unsafe.Pointer(unsafe.SliceData(b)), uintptr(len(b)))
}

func sysProt(p Prot) int {
	switch p {
	case ProtRead:
		return unix.PROT_READ
	case ProtReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	default:
		return unix.PROT_NONE
	}
}
