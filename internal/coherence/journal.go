package coherence

import (
	"sync/atomic"
	"time"
	"unsafe"

	"gosuda.org/dsm/internal/mpmc"
)

//go:generate go tool stringer -type=EventKind -trimprefix=Event
type EventKind uint32

const (
	EventFault         EventKind = iota // local access trapped
	EventFaultResolved                  // fault found the page already present
	EventPageRequested                  // PageReq sent to the peer
	EventPageReceived                   // PageRsp applied locally
	EventPageServed                     // PageRsp sent to the peer
	EventRequestDropped                 // inbound request ignored
	EventFetchFailed                    // fetch aborted, entry reset
)

// Event is one step of the protocol as seen by this node.
type Event struct {
	Kind EventKind
	Page uint32
	At   int64 // unix nanoseconds
}

// Journal is a bounded, lock-free log of protocol events.
// Recording never blocks; when the ring is full the event is counted as dropped.
type Journal struct {
	mem     []byte // ring memory, outside the Go heap
	ring    *mpmc.MPMCRing[Event]
	dropped atomic.Uint64
}

// NewJournal creates a journal holding at least size events.
func NewJournal(size int) (*Journal, error) {
	if size <= 0 {
		size = 1
	}
	mem, err := mpmc.Alloc(mpmc.SizeMPMCRing[Event](uintptr(size)))
	if err != nil {
		return nil, err
	}
	j := &Journal{mem: mem}

	h := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
	mpmc.MPMCInit[Event](h, uint64(size))
	j.ring = mpmc.MPMCAttach[Event](h, 0)
	return j, nil
}

// Close releases the ring. The journal must not be used afterwards.
func (j *Journal) Close() error {
	mem := j.mem
	j.mem, j.ring = nil, nil
	return mpmc.Free(mem)
}

func (j *Journal) Record(kind EventKind, page int) {
	e := Event{Kind: kind, Page: uint32(page), At: time.Now().UnixNano()}
	if !j.ring.TryEnqueue(e) {
		j.dropped.Add(1)
	}
}

// Drain removes and returns every buffered event in record order.
func (j *Journal) Drain() []Event {
	var out []Event
	for {
		e, ok := j.ring.TryDequeue()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

// Dropped counts events lost to a full ring.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}
