//go:build !linux

package shm

// MmapMapper is only implemented on Linux.
type MmapMapper struct{}

func (MmapMapper) Map(addr uintptr, length int, prot Prot) ([]byte, error) {
	return nil, ErrUnsupported
}

func (MmapMapper) Protect(b []byte, prot Prot) error { return ErrUnsupported }

func (MmapMapper) Discard(b []byte) error { return ErrUnsupported }

func (MmapMapper) Install(b, src []byte) error { return ErrUnsupported }

func (MmapMapper) Unmap(b []byte) error { return ErrUnsupported }
