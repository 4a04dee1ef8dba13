// Package timelinesync implements the timeline synchronizer (spec.md
// §4.5, C10): given a source timeline (local recordings) and a
// destination timeline (remote cloud storage), it uploads the source data
// not already present remotely, walking in fixed-size chunks, coalescing
// overlapping requests into a single contiguous remote timeline, pacing
// real-time tails, and reporting monotonic per-request progress under
// cancellation and failure.
package timelinesync

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vxg-embedded/cloud-agent/internal/clock"
	"github.com/vxg-embedded/cloud-agent/internal/dispatch"
	"github.com/vxg-embedded/cloud-agent/internal/storage"
)

// DefaultStep is the chunk size used when a Synchronizer is built without
// an explicit one (spec.md §6 record_by_event_upload_step default).
const DefaultStep = 15 * time.Second

// MaxItemDuration bounds a single source item; longer items are skipped
// with a warning since they indicate a broken source.
const MaxItemDuration = 10 * time.Minute

// Status is a sync request's terminal (or pending) outcome.
type Status int

const (
	StatusPending Status = iota
	StatusDone
	StatusError
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusError:
		return "error"
	case StatusCanceled:
		return "canceled"
	default:
		return "pending"
	}
}

// StatusCallback reports progress (0-100) and status for one sync
// request. The terminal status (everything but StatusPending) is
// reported exactly once.
type StatusCallback func(progress int, status Status)

// segmenter is the sync segmenter S of spec.md §3.
type segmenter struct {
	id       string
	begin    clock.Time
	end      clock.Time // Null = open tail
	curBegin clock.Time
	curEnd   clock.Time
	step     time.Duration

	lastProcessedTime time.Time
	delay             time.Duration

	processed bool
	finished  bool
	canceled  bool
	realtime  bool
	ticket    string

	planned, done, failed int

	cb                   StatusCallback
	finalStatusReported bool
}

func (seg *segmenter) requestPeriod() clock.Period {
	return clock.NewPeriod(seg.begin, seg.end)
}

// nextEnd computes cur_end for a window starting at from: from+step,
// capped at seg.end when the segmenter is not an open tail.
func (seg *segmenter) nextEnd(from clock.Time) clock.Time {
	candidate := from.Add(seg.step)
	if seg.end.IsNull() {
		return candidate
	}
	if candidate.After(seg.end) {
		return seg.end
	}
	return candidate
}

// Handle references one outstanding sync request, returned by Sync and
// consumed by Finalize.
type Handle struct {
	id  string
	seg *segmenter
}

// Synchronizer runs the segmenter engine on a dispatcher. All segmenter
// state is mutated only from dispatcher callbacks, the same
// single-threaded-owner discipline internal/session and internal/events
// use.
type Synchronizer struct {
	disp          *dispatch.Dispatcher
	source        storage.Timeline
	dest          storage.Timeline
	step          time.Duration
	queueLateness time.Duration
	log           *slog.Logger

	segments   []*segmenter
	loopHandle dispatch.Handle
	stopped    bool

	droppedForLateness atomic.Int64
}

// New builds a Synchronizer moving data from source to dest in step-sized
// chunks (step <= 0 uses DefaultStep). maxQueueLateness bounds how far a
// planned video chunk may trail the wall clock before runStep drops it
// instead of uploading it (spec.md §6 max_video_uploads_queue_lateness);
// <= 0 disables the check.
func New(disp *dispatch.Dispatcher, source, dest storage.Timeline, step, maxQueueLateness time.Duration, log *slog.Logger) *Synchronizer {
	if step <= 0 {
		step = DefaultStep
	}
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{
		disp:          disp,
		source:        source,
		dest:          dest,
		step:          step,
		queueLateness: maxQueueLateness,
		log:           log.With("component", "timelinesync"),
	}
}

// DroppedForLateness returns how many planned video chunks have been
// dropped for trailing the wall clock by more than maxQueueLateness.
func (sy *Synchronizer) DroppedForLateness() int64 {
	return sy.droppedForLateness.Load()
}

// Sync requests synchronization of [begin,end) into the destination
// timeline. end may be clock.Null() for an open-ended tail that keeps
// extending until Finalize closes it. delay defers the segmenter's first
// step, letting event-triggered uploads merge with neighbors before the
// remote timeline is queried. ticket, if non-empty, lets Cancel abort this
// (and any sibling) request later.
func (sy *Synchronizer) Sync(begin, end clock.Time, ticket string, delay time.Duration, cb StatusCallback) *Handle {
	seg := &segmenter{
		id:       uuid.NewString(),
		begin:    begin,
		end:      end,
		curBegin: begin,
		step:     sy.step,
		realtime: end.IsNull(),
		ticket:   ticket,
		cb:       cb,
	}
	seg.curEnd = seg.nextEnd(begin)

	sy.disp.Schedule(delay, func() {
		if sy.stopped {
			return
		}
		sy.segments = append(sy.segments, seg)
		sy.kick()
	})
	return &Handle{id: seg.id, seg: seg}
}

// Finalize closes an open-ended segmenter's tail at actualEnd, letting it
// drain to completion instead of tailing forever.
func (sy *Synchronizer) Finalize(h *Handle, actualEnd clock.Time) {
	sy.disp.Run(func() {
		// The segmenter is reached through the handle, so a Finalize that
		// arrives before Sync's delay has elapsed still closes the tail.
		h.seg.end = actualEnd
		h.seg.realtime = false
		sy.kick()
	})
}

// Cancel marks every segmenter carrying ticket as canceled. Already
// in-flight store_async calls for those segmenters still resolve, but as
// no-ops against the reporting callback (reportStatus's terminal latch).
func (sy *Synchronizer) Cancel(ticket string) {
	if ticket == "" {
		return
	}
	sy.disp.Run(func() {
		for _, seg := range sy.segments {
			if seg.ticket == ticket && !seg.canceled {
				seg.canceled = true
				sy.reportStatus(seg)
			}
		}
		sy.kick()
	})
}

// Stop halts the processing loop. In-flight onDone callbacks already
// scheduled on the dispatcher still run, but onChunkDone becomes a no-op
// once stopped is observed.
func (sy *Synchronizer) Stop() {
	done := make(chan struct{})
	sy.disp.Run(func() {
		sy.stopped = true
		if sy.loopHandle != 0 {
			sy.disp.Cancel(sy.loopHandle)
			sy.loopHandle = 0
		}
		sy.segments = nil
		close(done)
	})
	<-done
}

func (sy *Synchronizer) kick() {
	if sy.stopped || sy.loopHandle != 0 {
		return
	}
	sy.loopHandle = sy.disp.Schedule(0, sy.runLoop)
}

// runLoop is the dispatcher-owned processing loop (spec.md §4.5.2): one
// coalescing pass, then one step of the earliest-begin steppable
// segmenter, then a reschedule.
func (sy *Synchronizer) runLoop() {
	sy.loopHandle = 0
	if sy.stopped {
		return
	}

	sy.coalesce()
	sy.pruneTerminal()

	seg := sy.pickCurrent()
	if seg == nil {
		return
	}
	sy.runStep(seg)
	sy.pruneTerminal()

	steppable := 0
	for _, s := range sy.segments {
		if !s.processed {
			steppable++
		}
	}
	if steppable == 0 {
		return
	}

	nextDelay := time.Duration(0)
	if steppable == 1 && seg.realtime && !seg.processed {
		nextDelay = seg.delay
	}
	sy.loopHandle = sy.disp.Schedule(nextDelay, sy.runLoop)
}

func (sy *Synchronizer) pickCurrent() *segmenter {
	var best *segmenter
	for _, seg := range sy.segments {
		if seg.processed || seg.canceled {
			continue
		}
		if best == nil || seg.curBegin.Before(best.curBegin) {
			best = seg
		}
	}
	return best
}

// coalesce implements spec.md §4.5.3: a current segmenter whose window
// intersects an already-processed sibling's covered range adopts that
// sibling's frontier instead of re-uploading it. Repeats to a fixpoint
// since adopting one sibling's frontier can newly intersect another.
func (sy *Synchronizer) coalesce() {
	for sy.coalesceOnce() {
	}
}

func (sy *Synchronizer) coalesceOnce() bool {
	changed := false
	for _, seg := range sy.segments {
		if seg.processed || seg.canceled {
			continue
		}
		for _, other := range sy.segments {
			if other == seg || !other.processed {
				continue
			}
			if !seg.requestPeriod().Intersects(other.requestPeriod()) {
				continue
			}
			if !other.curBegin.After(seg.curBegin) {
				continue
			}
			seg.curBegin = other.curBegin
			seg.curEnd = seg.nextEnd(seg.curBegin)
			seg.planned++
			seg.done++
			changed = true
			sy.maybeClose(seg)
		}
	}
	return changed
}

func (sy *Synchronizer) pruneTerminal() {
	kept := sy.segments[:0]
	for _, seg := range sy.segments {
		if seg.canceled || seg.finished {
			continue
		}
		kept = append(kept, seg)
	}
	sy.segments = kept
}

// runStep runs spec.md §4.5.2's single-step algorithm for seg.
func (sy *Synchronizer) runStep(seg *segmenter) {
	ctx := context.Background()
	window := clock.NewPeriod(seg.curBegin, seg.curEnd)

	remote, err := sy.dest.List(ctx, window)
	if err != nil {
		sy.log.Error("destination list failed", "error", err)
		return
	}

	if slice, ok := firstIntersecting(remote, window); ok {
		if covers(slice.Period, window) {
			seg.planned++
			seg.done++
		}
		seg.curBegin = slice.Period.End
		seg.curEnd = seg.nextEnd(seg.curBegin)
	} else {
		items, err := sy.source.List(ctx, window)
		if err != nil {
			sy.log.Error("source list failed", "error", err)
			return
		}
		switch {
		case len(items) == 0:
			seg.curBegin = seg.curEnd
			seg.curEnd = seg.nextEnd(seg.curBegin)
		case items[0].Period.Duration() > MaxItemDuration:
			sy.log.Warn("source item exceeds max duration, skipping", "duration", items[0].Period.Duration())
			seg.curBegin = items[0].Period.End
			seg.curEnd = seg.nextEnd(seg.curBegin)
		case sy.queueLateness > 0 && items[0].Category == "video" && time.Since(items[0].Period.Begin.Std()) > sy.queueLateness:
			sy.log.Warn("planned video upload exceeds queue lateness, dropping",
				"age", time.Since(items[0].Period.Begin.Std()), "max", sy.queueLateness)
			sy.droppedForLateness.Add(1)
			seg.curBegin = items[0].Period.End
			seg.curEnd = seg.nextEnd(seg.curBegin)
		default:
			item := items[0]
			seg.planned++
			s := seg
			sy.dest.StoreAsync(item, func(ok bool) { sy.onChunkDone(s, ok) }, func() bool { return s.canceled })
			seg.curBegin = item.Period.End
			seg.curEnd = seg.nextEnd(seg.curBegin)
		}
	}

	if seg.realtime {
		now := time.Now()
		if !seg.lastProcessedTime.IsZero() {
			elapsed := now.Sub(seg.lastProcessedTime)
			next := seg.step - (elapsed - seg.delay)
			if next < 0 {
				next = 0
			}
			seg.delay = next
		}
		seg.lastProcessedTime = now
	} else {
		seg.delay = 0
	}

	sy.maybeClose(seg)
}

func firstIntersecting(items []storage.Item, window clock.Period) (storage.Item, bool) {
	for _, item := range items {
		if item.Period.Intersects(window) {
			return item, true
		}
	}
	return storage.Item{}, false
}

func covers(slice, window clock.Period) bool {
	return !slice.Begin.After(window.Begin) && !slice.End.Before(window.End)
}

func (sy *Synchronizer) maybeClose(seg *segmenter) {
	if seg.processed || seg.end.IsNull() {
		return
	}
	if seg.curBegin.Before(seg.end) {
		return
	}
	seg.processed = true
	seg.finished = seg.done+seg.failed >= seg.planned
	sy.reportStatus(seg)
}

func (sy *Synchronizer) onChunkDone(seg *segmenter, ok bool) {
	sy.disp.Run(func() {
		if sy.stopped {
			return
		}
		if ok {
			seg.done++
		} else {
			seg.failed++
		}
		if seg.processed {
			seg.finished = seg.done+seg.failed >= seg.planned
		}
		sy.reportStatus(seg)
		sy.kick()
	})
}

// reportStatus implements spec.md §4.5.5's status classification and the
// final_status_reported latch: once a terminal status has been reported,
// no further callback invocations happen for this segmenter.
func (sy *Synchronizer) reportStatus(seg *segmenter) {
	if seg.finalStatusReported {
		return
	}
	status := StatusPending
	switch {
	case seg.canceled:
		status = StatusCanceled
	case seg.finished && seg.done >= 1:
		status = StatusDone
	case seg.finished && seg.done == 0:
		status = StatusError
	}

	progress := 0
	if seg.processed {
		if seg.planned > 0 {
			progress = 100 * (seg.done + seg.failed) / seg.planned
		} else {
			progress = 100
		}
	}

	if seg.cb != nil {
		seg.cb(progress, status)
	}
	if status != StatusPending {
		seg.finalStatusReported = true
	}
}
