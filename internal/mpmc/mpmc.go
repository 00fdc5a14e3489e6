package mpmc

import (
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"
)

// MPMCRing is a bounded lock-free Multi-Producer Multi-Consumer ring living in
// caller-provided memory. Each slot carries a sequence number that tells
// producers and consumers whose turn it is, which also rules out ABA.
//
// T must not contain Go pointers: the ring memory is not scanned by the GC.
type MPMCRing[T any] struct {
	_mask uint64  // size - 1
	_size uint64  // power of 2
	_head uintptr // ring header
	_data uintptr // first element
}

// MPMCInit lays out a ring of at least size elements at h.
// It returns false if a ring is already initialised there.
//
// The memory layout is:
//
//	[Header (_headerSize bytes)][Data Elements]
func MPMCInit[T any](h uintptr, size uint64) bool {
	size = _RoundUpPowerOf2(size)
	_r := (*_mring)(unsafe.Pointer(h))

	magic := atomic.LoadUint64(&_r._magic)
	if magic == _mpmc_magic {
		return false
	}
	if !atomic.CompareAndSwapUint64(&_r._magic, magic, _mpmc_magic) {
		return false
	}

	atomic.StoreUint64(&_r._size, size)
	_data := h + _headerSize
	for i := uint64(0); i < size; i++ {
		_e := _elemAt[T](_data, i)
		_e._data = *new(T)
		_e._seq = i
	}
	atomic.StoreUint64(&_r.r, 0)
	atomic.StoreUint64(&_r.w, 0)
	atomic.StoreUint64(&_r._flag, uint64(_mpmc_init))
	return true
}

// MPMCAttach returns a handle to the ring at h, waiting up to timeout
// (0 = forever) for it to be initialised. It returns nil on timeout.
func MPMCAttach[T any](h uintptr, timeout time.Duration) *MPMCRing[T] {
	_tt := time.Now()
	_r := (*_mring)(unsafe.Pointer(h))

	for {
		magic := atomic.LoadUint64(&_r._magic)
		flag := atomic.LoadUint64(&_r._flag)
		if magic == _mpmc_magic && flag&uint64(_mpmc_init) != 0 {
			size := atomic.LoadUint64(&_r._size)
			return &MPMCRing[T]{
				_size: size,
				_mask: size - 1,
				_head: h,
				_data: h + _headerSize,
			}
		}
		if timeout > 0 && time.Since(_tt) >= timeout {
			return nil
		}
		runtime.Gosched()
	}
}

// Cap returns the number of slots in the ring.
func (m *MPMCRing[T]) Cap() int {
	return int(m._size)
}

// TryEnqueue adds elem unless the ring is full.
func (m *MPMCRing[T]) TryEnqueue(elem T) bool {
	_h := (*_mring)(unsafe.Pointer(m._head))
	p := atomic.LoadUint64(&_h.w)

	for {
		c := _elemAt[T](m._data, p&m._mask)
		seq := atomic.LoadUint64(&c._seq)
		switch diff := int64(seq - p); {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&_h.w, p, p+1) {
				c._data = elem
				// Publish the element after its data is in place.
				atomic.StoreUint64(&c._seq, p+1)
				return true
			}
		case diff < 0:
			// The slot still holds an element from the previous lap.
			return false
		default:
			p = atomic.LoadUint64(&_h.w)
		}
	}
}

// TryDequeue removes the oldest element, reporting false if the ring is empty.
func (m *MPMCRing[T]) TryDequeue() (elem T, ok bool) {
	_h := (*_mring)(unsafe.Pointer(m._head))
	p := atomic.LoadUint64(&_h.r)

	for {
		c := _elemAt[T](m._data, p&m._mask)
		seq := atomic.LoadUint64(&c._seq)
		switch diff := int64(seq - (p + 1)); {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&_h.r, p, p+1) {
				elem = c._data
				// Hand the slot back to producers for the next lap.
				atomic.StoreUint64(&c._seq, p+m._mask+1)
				return elem, true
			}
		case diff < 0:
			return elem, false
		default:
			p = atomic.LoadUint64(&_h.r)
		}
	}
}

// Magic number to identify initialized MPMC rings
const _mpmc_magic uint64 = 0xc9d8c1d43f096701

type _mpmcflag uint64

const (
	_mpmc_reserved = _mpmcflag(1) << iota
	_mpmc_init
)

// 16 words of padding keeps r and w on separate cache lines.
const _CACHE_LINE = 16

// _mring is the ring header stored at the start of the ring memory.
type _mring struct {
	_magic uint64
	_size  uint64
	_flag  uint64
	/* ======== Cache line boundary ======== */
	r   uint64
	_p0 [_CACHE_LINE - 4]uint64
	w   uint64
	_p1 [_CACHE_LINE - 1]uint64
}

const _headerSize = unsafe.Sizeof(_mring{})

type _melem[T any] struct {
	_data T
	_seq  uint64
}

func _elemAt[T any](data uintptr, i uint64) *_melem[T] {
	return (*_melem[T])(unsafe.Pointer(data + unsafe.Sizeof(_melem[T]{})*uintptr(i)))
}

// _RoundUpPowerOf2 rounds up a number to the next power of 2
//
// Algorithm from: https://graphics.stanford.edu/~seander/bithacks.html#RoundUpPowerOf2
func _RoundUpPowerOf2(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return v
}

// SizeMPMCRing returns the bytes needed for a ring holding len elements,
// accounting for the power-of-2 rounding done by MPMCInit.
func SizeMPMCRing[T any](len uintptr) uintptr {
	n := uintptr(_RoundUpPowerOf2(uint64(len)))
	return _headerSize + unsafe.Sizeof(_melem[T]{})*n
}
