package store

import (
	"runtime"
	"sync/atomic"
)

// guard implements the reader-draining protocol that lets the cache be torn down without a
// mutex on the hot read path. A non-negative counter holds the number of active readers.
// Closing flips the counter to -(R+1) so no new reader can enter, then spins until every
// in-flight reader has exited and the counter sits at exactly -1.
type guard struct {
	readers atomic.Int32
}

// enter registers a reader. It fails only when the guard is closed or closing.
func (g *guard) enter() bool {
	for {
		r := g.readers.Load()
		if r < 0 {
			return false
		}
		if g.readers.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

// exit unregisters a reader. While closing, the counter is negative and moves up toward -1;
// otherwise it moves down toward 0.
func (g *guard) exit() {
	for {
		r := g.readers.Load()
		next := r - 1
		if r < 0 {
			next = r + 1
		}
		if g.readers.CompareAndSwap(r, next) {
			return
		}
	}
}

// close blocks new readers and waits for active ones to drain. Safe to call more than once;
// later calls wait for the same drain.
func (g *guard) close() {
	for {
		r := g.readers.Load()
		if r < 0 {
			break
		}
		if g.readers.CompareAndSwap(r, -(r + 1)) {
			break
		}
	}
	for g.readers.Load() != -1 {
		runtime.Gosched()
	}
}

// isClosed reports whether close began. Readers may still be draining.
func (g *guard) isClosed() bool {
	return g.readers.Load() < 0
}
