package shm

import (
	"errors"
	"fmt"
	"os"
	"unsafe"
)

// DefaultPageSize is used when the host does not report a usable page size.
const DefaultPageSize = 4096

// PageSize returns the host's native page size.
func PageSize() int {
	if n := os.Getpagesize(); n > 0 {
		return n
	}
	return DefaultPageSize
}

// Role selects how the region is created.
// The initiator picks the base address; the joiner maps at the initiator's base.
type Role uint8

const (
	RoleInitiator Role = iota // OS-chosen address, read/write
	RoleJoiner                // fixed address, no access
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleJoiner:
		return "joiner"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// Prot is the local accessibility of a page.
type Prot uint8

const (
	ProtNone Prot = iota
	ProtRead
	ProtReadWrite
)

var (
	ErrFixedAddress = errors.New("shm: cannot map region at the requested fixed address")
	ErrInvalidSize  = errors.New("shm: invalid region size")
	ErrPageIndex    = errors.New("shm: page index out of range")
	ErrUnsupported  = errors.New("shm: memory mapping is not supported on this platform")
)

// Mapper is the OS facility behind a Region.
type Mapper interface {
	// Map creates an anonymous mapping of length bytes. A zero addr lets the
	// OS choose; a non-zero addr must be honoured exactly or Map fails.
	Map(addr uintptr, length int, prot Prot) ([]byte, error)
	Protect(b []byte, prot Prot) error
	// Discard drops the contents of b so that the next access sees fresh memory.
	Discard(b []byte) error
	// Install replaces b with a read/write copy of src. No access to b can
	// observe the old contents once it is accessible.
	Install(b, src []byte) error
	Unmap(b []byte) error
}

// Region represents the shared region mapped at the same base on both nodes.
// Raw address arithmetic on the region is confined to this type.
type Region struct {
	mem      []byte
	base     uintptr
	pageSize int
	pages    int
	mapper   Mapper
}

// Create maps a region of pages*pageSize bytes.
// For RoleJoiner, base must be the initiator's base address.
func Create(m Mapper, role Role, pages, pageSize int, base uintptr) (*Region, error) {
	if pages <= 0 || pageSize <= 0 {
		return nil, ErrInvalidSize
	}
	if m == nil {
		m = MmapMapper{}
	}

	length := pages * pageSize
	var (
		mem []byte
		err error
	)
	switch role {
	case RoleInitiator:
		mem, err = m.Map(0, length, ProtReadWrite)
	case RoleJoiner:
		if base == 0 || base%uintptr(pageSize) != 0 {
			return nil, fmt.Errorf("%w: %#x", ErrFixedAddress, base)
		}
		mem, err = m.Map(base, length, ProtNone)
	default:
		return nil, fmt.Errorf("shm: unknown role %v", role)
	}
	if err != nil {
		return nil, err
	}

	return &Region{
		mem:      mem,
		base:     uintptr(unsafe.Pointer(unsafe.SliceData(mem))),
		pageSize: pageSize,
		pages:    pages,
		mapper:   m,
	}, nil
}

// Base returns the region's base virtual address.
func (r *Region) Base() uintptr {
	return r.base
}

// Len returns the size of the region in bytes.
func (r *Region) Len() int {
	return len(r.mem)
}

// PageSize returns the size of one page in bytes.
func (r *Region) PageSize() int {
	return r.pageSize
}

// Pages returns the number of pages in the region.
func (r *Region) Pages() int {
	return r.pages
}

// Bytes returns the whole region. Touching a page the local node does not
// own faults.
func (r *Region) Bytes() []byte {
	return r.mem
}

// Contains reports whether addr falls inside the region.
func (r *Region) Contains(addr uintptr) bool {
	return addr >= r.base && addr-r.base < uintptr(len(r.mem))
}

// PageIndex maps an address inside the region to its page index.
func (r *Region) PageIndex(addr uintptr) (int, bool) {
	if !r.Contains(addr) {
		return 0, false
	}
	return int((addr - r.base) / uintptr(r.pageSize)), true
}

// Page returns the bytes of page i.
func (r *Region) Page(i int) ([]byte, error) {
	if i < 0 || i >= r.pages {
		return nil, fmt.Errorf("%w: %d", ErrPageIndex, i)
	}
	start := i * r.pageSize
	end := start + r.pageSize
	return r.mem[start:end:end], nil
}

// Protect sets the local accessibility of page i.
func (r *Region) Protect(i int, prot Prot) error {
	p, err := r.Page(i)
	if err != nil {
		return err
	}
	return r.mapper.Protect(p, prot)
}

// Install makes page i read/write with the contents of src.
func (r *Region) Install(i int, src []byte) error {
	p, err := r.Page(i)
	if err != nil {
		return err
	}
	if len(src) != len(p) {
		return fmt.Errorf("%w: %d bytes for a %d byte page", ErrInvalidSize, len(src), len(p))
	}
	return r.mapper.Install(p, src)
}

// Discard drops the local contents of page i.
func (r *Region) Discard(i int) error {
	p, err := r.Page(i)
	if err != nil {
		return err
	}
	return r.mapper.Discard(p)
}

// Close unmaps the region.
func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}
	err := r.mapper.Unmap(r.mem)
	r.mem = nil
	return err
}
