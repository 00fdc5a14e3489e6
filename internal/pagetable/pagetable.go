// Package pagetable tracks, per page of the shared region, whether this node
// owns the page and where the page is in its migration.
package pagetable

import (
	"errors"
	"fmt"
	"sync"
)

//go:generate go tool stringer -type=Status -trimprefix=Status
type Status uint8

const (
	StatusNotPresent Status = iota // not held locally, inaccessible
	StatusRequested                // request sent to the owner
	StatusInTransfer               // response bytes are being produced or consumed
	StatusPresent                  // held locally, accessible, owned
)

var (
	ErrIndex = errors.New("pagetable: page index out of range")
	ErrSize  = errors.New("pagetable: page count must be positive")
)

// Entry is the ownership record of one page.
// Owner and Status may only be read or changed while the entry is locked.
type Entry struct {
	mu     sync.Mutex
	cond   sync.Cond
	owner  bool
	status Status
}

func (e *Entry) Lock()   { e.mu.Lock() }
func (e *Entry) Unlock() { e.mu.Unlock() }

// Wait releases the lock until Broadcast is called, then reacquires it.
func (e *Entry) Wait() { e.cond.Wait() }

// Broadcast wakes every goroutine waiting on the entry.
func (e *Entry) Broadcast() { e.cond.Broadcast() }

func (e *Entry) Owner() bool    { return e.owner }
func (e *Entry) Status() Status { return e.status }

// Set records a new owner flag and status.
func (e *Entry) Set(owner bool, status Status) {
	e.owner = owner
	e.status = status
}

// State is a point-in-time copy of an entry.
type State struct {
	Owner  bool
	Status Status
}

// Table is the page table of one node, indexed by page number.
type Table struct {
	entries []Entry
}

// New builds a table of pages entries. The initiator starts owning every
// page; the joiner starts owning none.
func New(owner bool, pages int) (*Table, error) {
	if pages <= 0 {
		return nil, ErrSize
	}

	status := StatusNotPresent
	if owner {
		status = StatusPresent
	}

	t := &Table{entries: make([]Entry, pages)}
	for i := range t.entries {
		e := &t.entries[i]
		e.cond.L = &e.mu
		e.owner = owner
		e.status = status
	}
	return t, nil
}

// Len returns the number of pages tracked.
func (t *Table) Len() int {
	return len(t.entries)
}

// At returns the entry for page i.
func (t *Table) At(i int) (*Entry, error) {
	if i < 0 || i >= len(t.entries) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndex, i, len(t.entries))
	}
	return &t.entries[i], nil
}

// Snapshot copies every entry, locking each in turn.
// Entries are consistent individually, not with each other.
func (t *Table) Snapshot() []State {
	out := make([]State, len(t.entries))
	for i := range t.entries {
		e := &t.entries[i]
		e.Lock()
		out[i] = State{Owner: e.owner, Status: e.status}
		e.Unlock()
	}
	return out
}

// Owned counts the pages this node currently owns.
func (t *Table) Owned() int {
	n := 0
	for _, s := range t.Snapshot() {
		if s.Owner {
			n++
		}
	}
	return n
}
