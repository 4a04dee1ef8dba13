// Package dispatch implements the single-threaded cooperative timer service
// (spec.md §4.1, C2): every scheduled callback, and every task posted with
// Run, executes serialized on one dispatcher goroutine. Nothing else in the
// agent needs its own locks around dispatcher-owned state as long as all
// mutations flow through Schedule/Run.
package dispatch

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// Handle identifies a scheduled callback for cancellation. The zero Handle
// is never issued by Schedule, so it is safe to use as an "unset" sentinel.
type Handle uint64

// Dispatcher runs callbacks serially on a single goroutine.
type Dispatcher struct {
	log *slog.Logger

	mu      sync.Mutex
	timers  timerHeap
	nextID  Handle
	wake    chan struct{}
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	firing Handle // handle currently executing, 0 if none
}

type timerEntry struct {
	id       Handle
	deadline time.Time
	cb       func()
	index    int
	canceled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// New creates a Dispatcher and starts its goroutine.
func New(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		log:    log.With("component", "dispatch"),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Schedule runs cb on the dispatcher goroutine after delay. It returns a
// Handle usable with Cancel. Scheduling after Stop is a no-op that returns
// the zero Handle.
func (d *Dispatcher) Schedule(delay time.Duration, cb func()) Handle {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return 0
	}
	d.nextID++
	id := d.nextID
	entry := &timerEntry{id: id, deadline: time.Now().Add(delay), cb: cb}
	heap.Push(&d.timers, entry)
	d.mu.Unlock()
	d.poke()
	return id
}

// Run posts fn to execute on the dispatcher goroutine with zero delay,
// giving the caller the same single-thread serialization guarantee as a
// scheduled callback.
func (d *Dispatcher) Run(fn func()) { d.Schedule(0, fn) }

// Cancel cancels a previously scheduled callback. It is idempotent and may
// be called from any goroutine, including from inside the firing callback
// itself (in which case it is a no-op: the callback is already running).
func (d *Dispatcher) Cancel(h Handle) {
	if h == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == d.firing {
		return
	}
	for _, e := range d.timers {
		if e.id == h {
			e.canceled = true
			return
		}
	}
}

// Stop halts the dispatcher goroutine. Pending callbacks are dropped, not
// run. Stop blocks until the goroutine has exited.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		d.mu.Lock()
		var wait time.Duration
		var due *timerEntry
		for d.timers.Len() > 0 {
			next := d.timers[0]
			if next.canceled {
				heap.Pop(&d.timers)
				continue
			}
			if !next.deadline.After(time.Now()) {
				due = heap.Pop(&d.timers).(*timerEntry)
			}
			break
		}
		if due == nil && d.timers.Len() > 0 {
			wait = time.Until(d.timers[0].deadline)
		} else if due == nil {
			wait = time.Hour
		}
		if due != nil {
			d.firing = due.id
		}
		d.mu.Unlock()

		if due != nil {
			d.safeInvoke(due)
			d.mu.Lock()
			d.firing = 0
			d.mu.Unlock()
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-d.stopCh:
			return
		case <-d.wake:
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) safeInvoke(e *timerEntry) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatcher callback panicked", "recovered", r)
		}
	}()
	e.cb()
}
