// Package dsm shares a region of memory between two nodes.
//
// The region is mapped at the same virtual address on both nodes and split
// into pages. Each page is owned by exactly one node at a time; touching a
// page the local node does not own migrates it, bytes and ownership, from
// the peer before the access completes.
package dsm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gosuda.org/dsm/internal/channel"
	"gosuda.org/dsm/internal/coherence"
	"gosuda.org/dsm/internal/pagetable"
	"gosuda.org/dsm/internal/protocol"
	"gosuda.org/dsm/internal/shm"
	"gosuda.org/dsm/internal/trace"
)

// Role selects which node creates the region.
// The initiator maps it first and owns every page; the joiner maps it at the
// initiator's address and owns none.
type Role = shm.Role

const (
	Initiator = shm.RoleInitiator // picks the base address, owns every page at start
	Joiner    = shm.RoleJoiner    // learns the base address from the initiator
)

// Mapper is the OS facility used to map and protect the region.
type Mapper = shm.Mapper

// PageState is one page table entry as seen by Session.Snapshot.
type PageState = pagetable.State

// Stats are cumulative protocol counters, see Session.Stats.
type Stats = coherence.Stats

// Event is one journaled protocol step, see Session.Events.
type Event = coherence.Event

// Defaults applied by InitializeSession to zero Config fields.
const (
	DefaultDialBackoff  = 100 * time.Millisecond
	DefaultFetchTimeout = 10 * time.Second
	DefaultJournalSize  = 1024
)

// Error definitions for session operations
var (
	ErrConfig = errors.New("dsm: invalid configuration")
	ErrClosed = errors.New("dsm: session closed")
	ErrRange  = errors.New("dsm: access outside shared region")
	ErrAlign  = errors.New("dsm: misaligned access")
)

// Config describes one node of a session. It is not modified after
// InitializeSession returns.
type Config struct {
	Role       Role   // Initiator or Joiner
	ListenAddr string // address this node accepts peer requests on
	PeerAddr   string // address of the other node's listener
	Pages      int    // number of pages in the region

	// PageSize defaults to the host page size. It must be a multiple of it.
	PageSize int

	DialBackoff  time.Duration // pause between connection attempts
	DialAttempts int           // 0 retries until the context ends
	FetchTimeout time.Duration // bound on reaching the peer with a page request
	JournalSize  int           // events buffered for Session.Events

	// Mapper overrides the mmap-backed region. Optional.
	Mapper Mapper
	// Listener is used instead of listening on ListenAddr. Optional.
	Listener net.Listener
}

func (c Config) withDefaults() (Config, error) {
	host := shm.PageSize()
	if c.PageSize <= 0 {
		c.PageSize = host
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = DefaultDialBackoff
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.JournalSize <= 0 {
		c.JournalSize = DefaultJournalSize
	}

	switch {
	case c.Role != Initiator && c.Role != Joiner:
		return c, fmt.Errorf("%w: unknown role %v", ErrConfig, c.Role)
	case c.Pages <= 0:
		return c, fmt.Errorf("%w: %d pages", ErrConfig, c.Pages)
	case c.PageSize%host != 0:
		return c, fmt.Errorf("%w: page size %d is not a multiple of %d", ErrConfig, c.PageSize, host)
	case c.PeerAddr == "":
		return c, fmt.Errorf("%w: missing peer address", ErrConfig)
	case c.ListenAddr == "" && c.Listener == nil:
		return c, fmt.Errorf("%w: missing listen address", ErrConfig)
	}
	return c, nil
}

// Session is one node's view of the shared region.
// Accessors may be called from any number of goroutines.
type Session struct {
	cfg Config

	// Protocol state
	engine   *coherence.Engine
	listener *channel.Listener
	served   chan struct{} // closed when the listener goroutine exits

	// Region state, set once startup completes
	region *shm.Region
	table  *pagetable.Table

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// InitializeSession brings up this node's side of the region and returns
// once the region is mapped and the page table is ready.
//
// The initiator maps the region, then starts answering the joiner. The
// joiner starts its listener, asks the initiator for the base address
// (retrying until the initiator is up) and maps the region there.
// Any startup failure is returned; nothing is left running.
func InitializeSession(ctx context.Context, cfg Config) (*Session, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	maxPayload := protocol.MaxPayload(cfg.PageSize)
	engine, err := coherence.New(coherence.Options{
		Peer: &channel.Dialer{
			Addr:       cfg.PeerAddr,
			MaxPayload: maxPayload,
			Backoff:    cfg.DialBackoff,
			Attempts:   cfg.DialAttempts,
		},
		FetchTimeout: cfg.FetchTimeout,
		JournalSize:  cfg.JournalSize,
	})
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:    cfg,
		served: make(chan struct{}),
		engine: engine,
	}

	ln := cfg.Listener
	if ln == nil {
		if ln, err = net.Listen("tcp", cfg.ListenAddr); err != nil {
			engine.Close()
			return nil, fmt.Errorf("dsm: listen on %s: %w", cfg.ListenAddr, err)
		}
	}
	s.listener = channel.NewListener(ln, maxPayload)

	if cfg.Role == Initiator {
		err = s.initiate()
	} else {
		err = s.join(ctx)
	}
	if err != nil {
		s.engine.Abort(err)
		s.listener.Close()
		<-s.served
		if s.region != nil {
			s.region.Close()
		}
		s.engine.Close()
		return nil, err
	}

	trace.Infof("%v ready: %d pages of %d bytes at %#x", cfg.Role, cfg.Pages, cfg.PageSize, s.region.Base())
	return s, nil
}

func (s *Session) initiate() error {
	if err := s.mapRegion(0); err != nil {
		close(s.served)
		return err
	}
	s.serve()
	return nil
}

func (s *Session) join(ctx context.Context) error {
	s.serve()

	base, err := s.engine.RequestBase(ctx)
	if err != nil {
		return fmt.Errorf("dsm: learn base address from %s: %w", s.cfg.PeerAddr, err)
	}
	return s.mapRegion(base)
}

func (s *Session) mapRegion(base uintptr) error {
	region, err := shm.Create(s.cfg.Mapper, s.cfg.Role, s.cfg.Pages, s.cfg.PageSize, base)
	if err != nil {
		return err
	}
	table, err := pagetable.New(s.cfg.Role == Initiator, s.cfg.Pages)
	if err != nil {
		region.Close()
		return err
	}

	s.region, s.table = region, table
	s.engine.Attach(region, table)
	return nil
}

// serve runs the listener on its own goroutine.
func (s *Session) serve() {
	go func() {
		defer close(s.served)
		if err := s.listener.Serve(s.engine); err != nil {
			trace.Errorf("listener on %v stopped: %v", s.listener.Addr(), err)
		}
	}()
}

func (s *Session) Role() Role { return s.cfg.Role }

// Base returns the address the region is mapped at on this node.
func (s *Session) Base() uintptr { return s.region.Base() }

// LearnedBase returns the base address the joiner received from the
// initiator. It reports false on the initiator.
func (s *Session) LearnedBase() (uintptr, bool) { return s.engine.LearnedBase() }

// Region returns the region handle.
func (s *Session) Region() *shm.Region { return s.region }

func (s *Session) Pages() int    { return s.region.Pages() }
func (s *Session) PageSize() int { return s.region.PageSize() }
func (s *Session) Len() int      { return s.region.Len() }

// Addr returns the address the listener accepts peer requests on.
func (s *Session) Addr() net.Addr { return s.listener.Addr() }

// Snapshot returns the state of every page table entry.
func (s *Session) Snapshot() []PageState { return s.table.Snapshot() }

func (s *Session) Stats() Stats { return s.engine.Stats() }

// Events drains the protocol journal.
func (s *Session) Events() []Event { return s.engine.Journal().Drain() }

// Close stops serving the peer and unmaps the region. Accessors must not be
// running concurrently with Close. Pages owned here are lost to the peer.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.listener.Close()
		<-s.served
		s.closeErr = errors.Join(s.region.Close(), s.engine.Close())
		trace.Infof("%v closed", s.cfg.Role)
	})
	return s.closeErr
}
