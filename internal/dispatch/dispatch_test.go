package dispatch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleFires(t *testing.T) {
	d := New(nil)
	defer d.Stop()

	done := make(chan struct{})
	d.Schedule(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	d := New(nil)
	defer d.Stop()

	var fired int32
	h := d.Schedule(30*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	d.Cancel(h)
	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fired))
}

func TestCancelIsIdempotent(t *testing.T) {
	d := New(nil)
	defer d.Stop()
	h := d.Schedule(time.Minute, func() {})
	d.Cancel(h)
	d.Cancel(h)
}

func TestCallbacksAreSerialized(t *testing.T) {
	d := New(nil)
	defer d.Stop()

	var order []int
	results := make(chan struct{})
	n := 20
	for i := 0; i < n; i++ {
		i := i
		d.Run(func() {
			order = append(order, i)
			if len(order) == n {
				close(results)
			}
		})
	}
	select {
	case <-results:
	case <-time.After(time.Second):
		t.Fatal("not all callbacks ran")
	}
	require.Len(t, order, n)
}

func TestCancelFromWithinFiringCallbackIsNoop(t *testing.T) {
	d := New(nil)
	defer d.Stop()

	done := make(chan struct{})
	var h Handle
	h = d.Schedule(5*time.Millisecond, func() {
		d.Cancel(h) // no-op: this callback is already running
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestStopDropsPendingCallbacks(t *testing.T) {
	d := New(nil)
	var fired int32
	d.Schedule(50*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	d.Stop()
	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fired))
}

func TestScheduleAfterStopIsNoop(t *testing.T) {
	d := New(nil)
	d.Stop()
	h := d.Schedule(time.Millisecond, func() {})
	assert.Equal(t, Handle(0), h)
}
