// Package hammer runs a test body concurrently from many goroutines, released at the same
// instant, to shake out races in the cache's lookup, materialize and teardown paths.
package hammer

import (
	"runtime"
	"sync"
	"testing"
)

// Hammer runs a test body in P goroutines, N iterations each.
type Hammer interface {
	// Run launches the goroutines, waits until all are scheduled, calls onRunning (may be
	// nil), then releases them simultaneously and blocks until every goroutine finishes.
	// Panics inside test, including require failures, are reported on the owning test.
	Run(test func(p, n int), onRunning func())
}

// NewHammer returns a Hammer with P goroutines of N iterations. Size P*N so a run stays
// well under a second; the point is the simultaneous release, not the volume.
func NewHammer(t *testing.T, p, n int) Hammer {
	return &hammer{t: t, p: p, n: n}
}

type hammer struct {
	t    *testing.T
	p, n int
}

func (h *hammer) Run(test func(p, n int), onRunning func()) {
	// Fewer procs than goroutines forces core switches mid-test.
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(h.p / 2))

	running := make(chan int)
	finished := make(chan int)
	var unblocked sync.WaitGroup
	unblocked.Add(h.p)

	for p := 0; p < h.p; p++ {
		p := p
		go func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					h.t.Error(recovered)
				}
				finished <- 1
			}()
			running <- 1

			unblocked.Wait()
			for n := 0; n < h.n; n++ {
				test(p, n)
			}
		}()
	}

	for i := 0; i < h.p; i++ {
		<-running
	}
	if onRunning != nil {
		onRunning()
	}
	unblocked.Add(-h.p)

	for i := 0; i < h.p; i++ {
		<-finished
	}
}
