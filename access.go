package dsm

import (
	"fmt"
	"io"
	"sync/atomic"
	"unsafe"

	"gosuda.org/dsm/internal/trap"
)

// Access runs fn over the whole region. If fn touches a page this node does
// not own, the page is fetched from the peer and fn is run again from the
// start, so fn must tolerate being restarted. Only faults inside the region
// are handled; any other panic propagates.
func (s *Session) Access(fn func(mem []byte)) error {
	for {
		if s.closed.Load() {
			return ErrClosed
		}

		addr, faulted := trap.Guard(s.region.Contains, func() {
			fn(s.region.Bytes())
		})
		if !faulted {
			return nil
		}
		if err := s.engine.Fault(addr); err != nil {
			return err
		}
	}
}

func (s *Session) word(off int) (*uint32, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if off < 0 || off > s.region.Len()-4 {
		return nil, fmt.Errorf("%w: offset %d", ErrRange, off)
	}
	if off%4 != 0 {
		return nil, fmt.Errorf("%w: offset %d", ErrAlign, off)
	}
	return (*uint32)(unsafe.Pointer(&s.region.Bytes()[off])), nil
}

// LoadUint32 atomically loads the 32-bit word at byte offset off.
func (s *Session) LoadUint32(off int) (uint32, error) {
	p, err := s.word(off)
	if err != nil {
		return 0, err
	}
	var v uint32
	err = s.Access(func([]byte) { v = atomic.LoadUint32(p) })
	return v, err
}

// StoreUint32 atomically stores v at byte offset off.
func (s *Session) StoreUint32(off int, v uint32) error {
	p, err := s.word(off)
	if err != nil {
		return err
	}
	return s.Access(func([]byte) { atomic.StoreUint32(p, v) })
}

// AddUint32 atomically adds delta to the word at byte offset off and returns
// the new value. The page stays local for the duration of the add, so
// increments from both nodes are never lost.
func (s *Session) AddUint32(off int, delta uint32) (uint32, error) {
	p, err := s.word(off)
	if err != nil {
		return 0, err
	}
	var v uint32
	err = s.Access(func([]byte) { v = atomic.AddUint32(p, delta) })
	return v, err
}

// ReadAt copies region bytes starting at off into p, fetching pages as needed.
// It returns io.EOF when fewer than len(p) bytes remain.
func (s *Session) ReadAt(p []byte, off int64) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if off < 0 || off > int64(s.region.Len()) {
		return 0, fmt.Errorf("%w: offset %d", ErrRange, off)
	}
	var n int
	if err := s.Access(func(mem []byte) { n = copy(p, mem[off:]) }); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt copies p into the region at off. The whole write must fit.
func (s *Session) WriteAt(p []byte, off int64) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if off < 0 || off+int64(len(p)) > int64(s.region.Len()) {
		return 0, fmt.Errorf("%w: %d bytes at offset %d", ErrRange, len(p), off)
	}
	if err := s.Access(func(mem []byte) { copy(mem[off:], p) }); err != nil {
		return 0, err
	}
	return len(p), nil
}
