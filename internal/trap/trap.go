// Package trap turns a memory protection fault raised by the calling goroutine
// into an ordinary return value carrying the faulting address.
package trap

import (
	"runtime"
	"runtime/debug"
)

// addressed is implemented by the runtime.Error values produced for memory faults.
type addressed interface {
	Addr() uintptr
}

// Guard runs fn with panic-on-fault enabled for the calling goroutine.
// If fn faults at an address claimed by owns, Guard returns that address and
// true. Any other panic, including faults outside owns, propagates unchanged.
// The previous panic-on-fault setting is restored before Guard returns.
func Guard(owns func(addr uintptr) bool, fn func()) (addr uintptr, faulted bool) {
	prev := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(prev)
		r := recover()
		if r == nil {
			return
		}
		if _, ok := r.(runtime.Error); ok {
			if a, ok := r.(addressed); ok && owns(a.Addr()) {
				addr, faulted = a.Addr(), true
				return
			}
		}
		panic(r)
	}()

	fn()
	return 0, false
}
