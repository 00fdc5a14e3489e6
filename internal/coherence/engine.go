// Package coherence implements migratory single-writer page ownership between
// two nodes.
//
// Exactly one node owns each page. A local access to a page this node does
// not own is reported to Fault, which fetches the page (bytes and ownership)
// from the peer. The peer's listener serves that request by giving the page
// up: it copies the bytes out, revokes its own access and replies.
package coherence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gosuda.org/dsm/internal/channel"
	"gosuda.org/dsm/internal/future"
	"gosuda.org/dsm/internal/pagetable"
	"gosuda.org/dsm/internal/protocol"
	"gosuda.org/dsm/internal/shm"
	"gosuda.org/dsm/internal/trace"
)

var (
	ErrOutOfRange = errors.New("coherence: address outside shared region")
	ErrFetch      = errors.New("coherence: page fetch failed")
	ErrMismatch   = errors.New("coherence: response does not match request")
	ErrAccess     = errors.New("coherence: cannot restore access to owned page")
)

// Options configures an Engine.
type Options struct {
	// Peer opens exchange connections to the other node.
	Peer *channel.Dialer

	// FetchTimeout bounds connecting to the peer and sending a PageReq.
	// Once the request is out, the reply is awaited until it arrives or the
	// connection closes. Zero or negative waits indefinitely.
	FetchTimeout time.Duration

	// JournalSize is the number of events the journal buffers.
	JournalSize int
}

// Stats are cumulative protocol counters for one node.
type Stats struct {
	Faults   uint64 // local accesses trapped
	Requests uint64 // PageReq messages sent
	Received uint64 // pages installed locally
	Served   uint64 // pages handed to the peer
	Dropped  uint64 // inbound messages ignored
	Failures uint64 // exchanges that failed mid-way
}

// Engine is the per-node coherence state machine.
// It is the only writer of the page table.
type Engine struct {
	peer         *channel.Dialer
	fetchTimeout time.Duration
	journal      *Journal

	// ready is settled once region and table are attached.
	ready  *future.Future[struct{}]
	region *shm.Region
	table  *pagetable.Table

	// base receives the initiator's base address on the joiner.
	base *future.Future[uintptr]

	faults   atomic.Uint64
	requests atomic.Uint64
	received atomic.Uint64
	served   atomic.Uint64
	dropped  atomic.Uint64
	failures atomic.Uint64
}

func New(opts Options) (*Engine, error) {
	size := opts.JournalSize
	if size <= 0 {
		size = 1024
	}
	journal, err := NewJournal(size)
	if err != nil {
		return nil, err
	}
	return &Engine{
		peer:         opts.Peer,
		fetchTimeout: opts.FetchTimeout,
		journal:      journal,
		ready:        future.New[struct{}](),
		base:         future.New[uintptr](),
	}, nil
}

// Close releases the journal. Nothing may call into the engine afterwards.
func (e *Engine) Close() error {
	return e.journal.Close()
}

// Attach hands the engine its region and page table. Inbound requests that
// arrived earlier are held until Attach is called.
func (e *Engine) Attach(r *shm.Region, t *pagetable.Table) {
	e.region = r
	e.table = t
	e.ready.Resolve(struct{}{})
}

// Abort releases held inbound requests when startup fails.
func (e *Engine) Abort(err error) {
	e.ready.Reject(err)
	e.base.Reject(err)
}

func (e *Engine) Region() *shm.Region     { return e.region }
func (e *Engine) Table() *pagetable.Table { return e.table }
func (e *Engine) Journal() *Journal       { return e.journal }

func (e *Engine) Stats() Stats {
	return Stats{
		Faults:   e.faults.Load(),
		Requests: e.requests.Load(),
		Received: e.received.Load(),
		Served:   e.served.Load(),
		Dropped:  e.dropped.Load(),
		Failures: e.failures.Load(),
	}
}

// RequestBase asks the initiator for the region's base address, retrying the
// connection until the initiator is listening. Used by the joiner at startup.
func (e *Engine) RequestBase(ctx context.Context) (uintptr, error) {
	c, err := e.peer.Dial(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	if err := c.Send(protocol.NewInitRegionReq()); err != nil {
		return 0, err
	}
	m, err := c.Receive()
	if err != nil {
		return 0, err
	}
	if m.Kind != protocol.KindInitRegionRsp {
		return 0, fmt.Errorf("%w: sent %v, got %v", ErrMismatch, protocol.KindInitRegionReq, m.Kind)
	}
	e.handleInitRegionRsp(m)

	return e.base.Wait(ctx)
}

// LearnedBase returns the base address received from the initiator, if any.
func (e *Engine) LearnedBase() (uintptr, bool) {
	select {
	case <-e.base.Done():
		v, err := e.base.Wait(context.Background())
		return v, err == nil
	default:
		return 0, false
	}
}

// ServeMessage dispatches one inbound message. It runs on the listener goroutine.
func (e *Engine) ServeMessage(c *channel.Conn, m protocol.Message) {
	if _, err := e.ready.Wait(context.Background()); err != nil {
		trace.Warnf("dropping %v: region unavailable: %v", m.Kind, err)
		e.dropped.Add(1)
		return
	}

	switch m.Kind {
	case protocol.KindInitRegionReq:
		e.handleInitRegionReq(c)
	case protocol.KindPageReq:
		e.handlePageReq(c, m)
	case protocol.KindInitRegionRsp, protocol.KindPageRsp:
		trace.Warnf("dropping unsolicited %v from %v", m.Kind, c.RemoteAddr())
		e.dropped.Add(1)
	default:
		trace.Errorf("invalid message kind %v from %v", m.Kind, c.RemoteAddr())
		e.dropped.Add(1)
	}
}

func (e *Engine) handleInitRegionReq(c *channel.Conn) {
	base := e.region.Base()
	if err := c.Send(protocol.NewInitRegionRsp(base)); err != nil {
		trace.Errorf("reply with base address: %v", err)
		e.failures.Add(1)
		return
	}
	trace.Infof("reported region base %#x to %v", base, c.RemoteAddr())
}

func (e *Engine) handleInitRegionRsp(m protocol.Message) {
	base, err := m.InitRegionRsp()
	if err != nil {
		trace.Errorf("decode base address: %v", err)
		e.base.Reject(err)
		return
	}
	trace.Infof("learned region base %#x", base)
	e.base.Resolve(base)
}

// Fault resolves a trapped access at addr. When it returns nil the page
// holding addr is present locally and the access can be retried.
func (e *Engine) Fault(addr uintptr) error {
	e.faults.Add(1)
	idx, ok := e.region.PageIndex(addr)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrOutOfRange, addr)
	}
	e.journal.Record(EventFault, idx)
	return e.Acquire(idx)
}

// Acquire makes page idx present locally, fetching it from the peer unless
// another local goroutine already did.
func (e *Engine) Acquire(idx int) error {
	ent, err := e.table.At(idx)
	if err != nil {
		return err
	}

	ent.Lock()
	defer ent.Unlock()

	for s := ent.Status(); s == pagetable.StatusRequested || s == pagetable.StatusInTransfer; s = ent.Status() {
		ent.Wait()
	}
	if ent.Status() == pagetable.StatusPresent {
		e.journal.Record(EventFaultResolved, idx)
		return nil
	}
	if ent.Owner() {
		return e.reclaim(ent, idx)
	}

	err = e.fetch(ent, idx)
	ent.Broadcast()
	return err
}

// fetch runs one PageReq/PageRsp exchange for page idx. ent is locked.
func (e *Engine) fetch(ent *pagetable.Entry, idx int) (err error) {
	ctx := context.Background()
	if e.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.fetchTimeout)
		defer cancel()
	}

	defer func() {
		if err == nil {
			return
		}
		ent.Set(false, pagetable.StatusNotPresent)
		e.failures.Add(1)
		e.journal.Record(EventFetchFailed, idx)
		trace.Errorf("fetch page %d: %v", idx, err)
		err = fmt.Errorf("%w: page %d: %w", ErrFetch, idx, err)
	}()

	c, err := e.peer.Dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ent.Set(false, pagetable.StatusRequested)
	if err := c.Send(protocol.NewPageReq(uint32(idx))); err != nil {
		return err
	}
	e.requests.Add(1)
	e.journal.Record(EventPageRequested, idx)
	ent.Set(false, pagetable.StatusInTransfer)

	// The owner may give the page up as soon as it reads the request. Past
	// this point only its reply or a closed connection ends the exchange.
	if err := c.SetDeadline(time.Time{}); err != nil {
		return err
	}

	m, err := c.Receive()
	if err != nil {
		return err
	}
	got, page, err := m.PageRsp()
	if err != nil {
		return err
	}
	if int(got) != idx || len(page) != e.region.PageSize() {
		return fmt.Errorf("%w: page %d (%d bytes)", ErrMismatch, got, len(page))
	}
	return e.applyPageRsp(ent, idx, page)
}

// applyPageRsp installs the received bytes and takes ownership of page idx. ent is locked.
func (e *Engine) applyPageRsp(ent *pagetable.Entry, idx int, page []byte) error {
	if err := e.region.Install(idx, page); err != nil {
		return err
	}
	ent.Set(true, pagetable.StatusPresent)

	e.received.Add(1)
	e.journal.Record(EventPageReceived, idx)
	trace.Debugf("page %d installed", idx)
	return nil
}

// handlePageReq gives page idx to the peer if this node owns it.
func (e *Engine) handlePageReq(c *channel.Conn, m protocol.Message) {
	i, err := m.PageReq()
	if err != nil {
		trace.Warnf("dropping malformed %v: %v", m.Kind, err)
		e.dropped.Add(1)
		return
	}
	idx := int(i)
	ent, err := e.table.At(idx)
	if err != nil {
		trace.Warnf("dropping %v: %v", m.Kind, err)
		e.dropped.Add(1)
		e.journal.Record(EventRequestDropped, idx)
		return
	}

	ent.Lock()
	defer ent.Unlock()

	if !ent.Owner() {
		trace.Warnf("dropping request for page %d: not owner (%v)", idx, ent.Status())
		e.dropped.Add(1)
		e.journal.Record(EventRequestDropped, idx)
		return
	}

	// Stop local writers while the bytes are copied out, then revoke access.
	if err := e.region.Protect(idx, shm.ProtRead); err != nil {
		trace.Errorf("page %d: %v", idx, err)
		e.failures.Add(1)
		return
	}
	src, _ := e.region.Page(idx)
	rsp := protocol.NewPageRsp(i, src)
	if err := e.region.Protect(idx, shm.ProtNone); err != nil {
		trace.Errorf("page %d: %v", idx, err)
		e.failures.Add(1)
		e.restore(ent, idx)
		return
	}
	ent.Set(false, pagetable.StatusInTransfer)

	if err := c.Send(rsp); err != nil {
		// The requester never saw the bytes; the page stays here.
		trace.Errorf("serve page %d: %v", idx, err)
		e.failures.Add(1)
		e.restore(ent, idx)
		ent.Broadcast()
		return
	}

	if err := e.region.Discard(idx); err != nil {
		trace.Warnf("page %d: %v", idx, err)
	}
	ent.Set(false, pagetable.StatusNotPresent)
	e.served.Add(1)
	e.journal.Record(EventPageServed, idx)
	trace.Debugf("page %d served to %v", idx, c.RemoteAddr())
	ent.Broadcast()
}

// restore gives local access to an owned page back after a failed hand-over.
// If the protection change fails the entry stays owned but not present, so
// the next Acquire retries it instead of reporting the page usable. ent is locked.
func (e *Engine) restore(ent *pagetable.Entry, idx int) {
	if err := e.region.Protect(idx, shm.ProtReadWrite); err != nil {
		trace.Errorf("page %d: restore access: %v", idx, err)
		ent.Set(true, pagetable.StatusNotPresent)
		return
	}
	ent.Set(true, pagetable.StatusPresent)
}

// reclaim grants local access to a page this node owns but could not
// re-enable earlier. ent is locked.
func (e *Engine) reclaim(ent *pagetable.Entry, idx int) error {
	if err := e.region.Protect(idx, shm.ProtReadWrite); err != nil {
		e.failures.Add(1)
		return fmt.Errorf("%w: page %d: %w", ErrAccess, idx, err)
	}
	ent.Set(true, pagetable.StatusPresent)
	e.journal.Record(EventFaultResolved, idx)
	trace.Infof("page %d access restored", idx)
	return nil
}
