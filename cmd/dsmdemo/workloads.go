package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"gosuda.org/dsm"
	"gosuda.org/dsm/internal/trace"
)

type workload struct {
	defaultN int
	run      func(ctx context.Context, s *dsm.Session, n int) error
}

var workloads = map[string]workload{
	"counting": {20, counting},
	"conflict": {9000, conflict},
	"list":     {10000, list},
	"ordering": {1000, ordering},
	"mutual":   {20000, mutual},
}

func workloadNames() []string {
	names := make([]string, 0, len(workloads))
	for name := range workloads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var errMismatch = errors.New("dsmdemo: consistency check failed")

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// counting has the initiator publish a counter in word 0 while the joiner
// adds 5 to word 1; each side prints what the other wrote.
func counting(ctx context.Context, s *dsm.Session, n int) error {
	for i := 0; i < n; i++ {
		if err := sleep(ctx, 500*time.Millisecond); err != nil {
			return err
		}
		if s.Role() == dsm.Initiator {
			if err := s.StoreUint32(0, uint32(i)); err != nil {
				return err
			}
			v, err := s.LoadUint32(4)
			if err != nil {
				return err
			}
			trace.Infof("peer counter %d", v)
		} else {
			v, err := s.LoadUint32(0)
			if err != nil {
				return err
			}
			trace.Infof("initiator counter %d", v)
			if _, err := s.AddUint32(4, 5); err != nil {
				return err
			}
		}
	}
	return nil
}

// conflict has both nodes increment different words of the same page.
// Each word must end up equal to its own node's iteration count.
func conflict(ctx context.Context, s *dsm.Session, n int) error {
	off := 0
	if s.Role() == dsm.Joiner {
		off = 4
	}
	for i := 0; i < n; i++ {
		if _, err := s.AddUint32(off, 1); err != nil {
			return err
		}
		if err := sleep(ctx, 2*time.Microsecond); err != nil {
			return err
		}
	}

	v, err := s.LoadUint32(off)
	if err != nil {
		return err
	}
	trace.Infof("word %d = %d, expected %d", off/4, v, n)
	if v != uint32(n) {
		return fmt.Errorf("%w: word %d is %d, expected %d", errMismatch, off/4, v, n)
	}
	return nil
}

// list has the initiator build a linked list of {self, next} address pairs
// that the joiner chases. Addresses are valid on both nodes because the
// region sits at the same base on each.
func list(ctx context.Context, s *dsm.Session, n int) error {
	const node = 16
	if n*node+node > s.Len() {
		return fmt.Errorf("dsmdemo: %d list nodes need %d bytes, region has %d", n, n*node+node, s.Len())
	}
	base := uint64(s.Base())
	if lb, ok := s.LearnedBase(); ok {
		base = uint64(lb)
	}

	if s.Role() == dsm.Initiator {
		for i := 0; i < n; i++ {
			off := i * node
			if err := s.Access(func(mem []byte) {
				binary.NativeEndian.PutUint64(mem[off:], base+uint64(off))
				binary.NativeEndian.PutUint64(mem[off+8:], base+uint64(off+node))
			}); err != nil {
				return err
			}
			if err := sleep(ctx, 2*time.Microsecond); err != nil {
				return err
			}
		}
		return nil
	}

	off := 0
	for i := 0; i < n; i++ {
		var self, next uint64
		for next == 0 {
			if err := s.Access(func(mem []byte) {
				self = binary.NativeEndian.Uint64(mem[off:])
				next = binary.NativeEndian.Uint64(mem[off+8:])
			}); err != nil {
				return err
			}
			if next == 0 {
				if err := sleep(ctx, time.Millisecond); err != nil {
					return err
				}
			}
		}
		if self != base+uint64(off) {
			return fmt.Errorf("%w: node %d at %#x records %#x", errMismatch, i, base+uint64(off), self)
		}
		off = int(next - base)
	}
	trace.Infof("chased %d list nodes", n)
	return nil
}

// orderingOffset puts the second word on a different page from the first.
const orderingOffset = 8000 * 4

// ordering has the initiator write i to word A then word B; the joiner reads
// B then A and must never see A behind B.
func ordering(ctx context.Context, s *dsm.Session, n int) error {
	if orderingOffset+4 > s.Len() {
		return fmt.Errorf("dsmdemo: ordering needs at least %d bytes, region has %d", orderingOffset+4, s.Len())
	}

	if s.Role() == dsm.Initiator {
		if err := sleep(ctx, time.Second); err != nil {
			return err
		}
		for i := 0; i <= n; i++ {
			if err := s.StoreUint32(0, uint32(i)); err != nil {
				return err
			}
			if err := s.StoreUint32(orderingOffset, uint32(i)); err != nil {
				return err
			}
			if err := sleep(ctx, 5*time.Millisecond); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		v1, err := s.LoadUint32(orderingOffset)
		if err != nil {
			return err
		}
		v2, err := s.LoadUint32(0)
		if err != nil {
			return err
		}
		if v2 < v1 {
			return fmt.Errorf("%w: read %d after %d", errMismatch, v2, v1)
		}
		if v2%100 == 0 {
			trace.Infof("%d %d", v1, v2)
		}
		if v2 == uint32(n) {
			return nil
		}
		if err := sleep(ctx, 5*time.Millisecond); err != nil {
			return err
		}
	}
}

// mutual has both nodes increment the same word; the node finishing last
// sees twice the iteration count.
func mutual(ctx context.Context, s *dsm.Session, n int) error {
	for i := 0; i < n; i++ {
		if _, err := s.AddUint32(0, 1); err != nil {
			return err
		}
		if err := sleep(ctx, time.Microsecond); err != nil {
			return err
		}
	}
	v, err := s.LoadUint32(0)
	if err != nil {
		return err
	}
	trace.Infof("%d: one of the two nodes should report %d", v, 2*n)
	return nil
}
