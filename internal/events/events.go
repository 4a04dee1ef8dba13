// Package events implements the event engine (spec.md §4.4, C8): config
// composition from producers/cloud/internal sources, periodic event
// scheduling, a per-event stateful/stateless state machine, and
// state-emulation continuation ticks.
//
// Every mutation of engine-owned state (configs, per-event state, timer
// handles) runs on the dispatcher (internal/dispatch), the same
// single-threaded-owner discipline internal/session uses. Producers call
// Notify from arbitrary goroutines; it only enqueues onto a bounded FIFO
// (internal/queue), whose single consumer hands the item to the
// dispatcher.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vxg-embedded/cloud-agent/internal/clock"
	"github.com/vxg-embedded/cloud-agent/internal/dispatch"
	"github.com/vxg-embedded/cloud-agent/internal/protocol"
	"github.com/vxg-embedded/cloud-agent/internal/queue"
)

// ContinuationInterval is the "ongoing" tick period for an active stateful
// event (spec.md §3 "every 10 s").
const ContinuationInterval = 10 * time.Second

// Type is the producer-declared event category.
type Type string

const (
	TypeMotion     Type = "motion"
	TypeSound      Type = "sound"
	TypeNet        Type = "net"
	TypeRecord     Type = "record"
	TypeMemorycard Type = "memorycard"
	TypeWifi       Type = "wifi"
	TypeCustom     Type = "custom"
)

// Internal event names the engine always composes in, regardless of what
// any attached producer declares (spec.md §4.4.1).
const (
	NameQoSReport    = "qos-report"
	NameTimelineSync = "timeline-sync"
)

// Caps are declared once by the event's producer and never change
// afterward (spec.md §3 invariant).
type Caps struct {
	Stream         bool
	Snapshot       bool
	Periodic       bool
	Trigger        bool
	Stateful       bool
	StateEmulation bool
	InternalHidden bool
}

// Config is one event's full configuration: immutable Caps/Type/Name plus
// the mutable Active/StreamFlag/SnapshotFlag/PeriodS the cloud can
// override via set_events.
type Config struct {
	Name         string
	Type         Type
	Caps         Caps
	Active       bool
	StreamFlag   bool
	SnapshotFlag bool
	PeriodS      int
}

// SnapshotInfo describes a snapshot payload attached to an event object.
type SnapshotInfo struct {
	URL       string
	SizeBytes int64
}

// FileMetaInfo describes a file-metadata payload attached to an event
// object.
type FileMetaInfo struct {
	Category   string
	DurationUs int64
	SizeBytes  int64
}

// Object is one event occurrence as reported by a producer.
type Object struct {
	Name           string
	Time           clock.Time
	Active         bool // start=true / stop=false, meaningful only for stateful events
	Meta           []byte
	SnapshotInfo   *SnapshotInfo
	FileMetaInfo   *FileMetaInfo
	StateEmulation bool
}

// Hooks groups the upper-layer callbacks the engine drives. Userdata
// returned by OnNeedStreamSyncStart/Continue must be a comparable value
// (typically a pointer) since the engine compares it for hand-off
// detection.
type Hooks struct {
	OnEventStart    func(name string, t clock.Time, meta []byte)
	OnEventStop     func(name string, t clock.Time, meta []byte)
	OnEventTrigger  func(name string, t clock.Time, meta []byte)
	OnEventContinue func(name string, t clock.Time)

	OnNeedStreamSyncStart    func(name string, t clock.Time) interface{}
	OnNeedStreamSyncStop     func(name string, t clock.Time, userdata interface{})
	OnNeedStreamSyncContinue func(name string, t clock.Time, userdata interface{}) interface{}

	OnSnapshotNeeded      func(name string, t clock.Time)
	OnStateEmulationDummy func(name string, t clock.Time)
}

type eventState struct {
	active              bool
	lastStart           clock.Time
	syncUserdata        interface{}
	continuationHandle  dispatch.Handle
}

type notifyItem struct {
	name           string
	t              clock.Time
	active         bool
	meta           []byte
	stateEmulation bool
}

// Engine is the event config/state machine.
type Engine struct {
	disp  *dispatch.Dispatcher
	log   *slog.Logger
	hooks Hooks

	configs         map[string]Config
	states          map[string]*eventState
	periodicHandles map[string]dispatch.Handle

	notify *queue.Queue[notifyItem]
}

// New constructs an Engine. Compose must be called once before any Notify
// call will have a config to match against.
func New(disp *dispatch.Dispatcher, hooks Hooks, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		disp:            disp,
		log:             log.With("component", "events"),
		hooks:           hooks,
		configs:         make(map[string]Config),
		states:          make(map[string]*eventState),
		periodicHandles: make(map[string]dispatch.Handle),
	}
	e.notify = queue.New(256, log, func(item notifyItem) {
		e.disp.Run(func() { e.handleNotify(item) })
	})
	return e
}

// Compose unions producerConfigs with the engine's two always-on internal
// events (qos-report, timeline-sync) and starts the periodic timers for
// every caps.Periodic && Active config. qosPeriodS sets qos-report's
// period.
func (e *Engine) Compose(producerConfigs []Config, qosPeriodS int) {
	done := make(chan struct{})
	e.disp.Run(func() {
		for _, c := range producerConfigs {
			e.configs[c.Name] = c
		}
		e.configs[NameQoSReport] = Config{
			Name:    NameQoSReport,
			Type:    TypeCustom,
			Caps:    Caps{Periodic: true},
			Active:  true,
			PeriodS: qosPeriodS,
		}
		e.configs[NameTimelineSync] = Config{
			Name:   NameTimelineSync,
			Type:   TypeCustom,
			Caps:   Caps{Stateful: true, Stream: true, InternalHidden: true},
			Active: true,
		}
		for name, cfg := range e.configs {
			if cfg.Caps.Periodic && cfg.Active {
				e.schedulePeriodic(name)
			}
		}
		close(done)
	})
	<-done
}

// UpdateProducerConfig registers or updates one producer-declared config.
// A caps change on an already-known event is rejected: the prior config
// is retained and an error is returned (spec.md §4.4.1 "a cap change from
// the producer side is an error").
func (e *Engine) UpdateProducerConfig(cfg Config) error {
	errCh := make(chan error, 1)
	e.disp.Run(func() {
		prior, ok := e.configs[cfg.Name]
		if !ok {
			e.configs[cfg.Name] = cfg
			if cfg.Caps.Periodic && cfg.Active {
				e.schedulePeriodic(cfg.Name)
			}
			errCh <- nil
			return
		}
		if prior.Caps != cfg.Caps {
			e.log.Error("producer attempted to change event caps, rejected", "event", cfg.Name)
			errCh <- fmt.Errorf("events: cap change rejected for %q", cfg.Name)
			return
		}
		// Active/StreamFlag/SnapshotFlag/PeriodS are cloud-mutable; a
		// producer re-declaring its config must not clobber a cloud
		// override already in effect.
		cfg.Active = prior.Active
		cfg.StreamFlag = prior.StreamFlag
		cfg.SnapshotFlag = prior.SnapshotFlag
		cfg.PeriodS = prior.PeriodS
		e.configs[cfg.Name] = cfg
		errCh <- nil
	})
	return <-errCh
}

// ApplyCloudOverlay applies a set_events push from the cloud: only
// Active/Stream/Snapshot/PeriodS are mutated, never Caps. Unknown names
// are dropped with a warning.
func (e *Engine) ApplyCloudOverlay(updates []protocol.EventFlags) {
	e.disp.Run(func() {
		for _, u := range updates {
			cfg, ok := e.configs[u.Name]
			if !ok {
				e.log.Warn("set_events: unknown event, dropped", "event", u.Name)
				continue
			}
			cfg.Active = u.Active
			cfg.StreamFlag = u.Stream
			cfg.SnapshotFlag = u.Snapshot
			if u.PeriodS != 0 {
				cfg.PeriodS = u.PeriodS
			}
			e.configs[u.Name] = cfg

			if cfg.Caps.Periodic {
				if h, ok := e.periodicHandles[u.Name]; ok {
					e.disp.Cancel(h)
					delete(e.periodicHandles, u.Name)
				}
				if cfg.Active {
					e.schedulePeriodic(u.Name)
				}
			}
		}
	})
}

// schedulePeriodic starts (or restarts) the reschedule-on-fire timer for a
// caps.Periodic config. Must run on the dispatcher.
func (e *Engine) schedulePeriodic(name string) {
	cfg := e.configs[name]
	if cfg.PeriodS <= 0 {
		e.log.Warn("periodic event has no period, disabling", "event", name)
		return
	}
	var tick func()
	tick = func() {
		cur, ok := e.configs[name]
		if !ok || !cur.Active || !cur.Caps.Periodic {
			return
		}
		e.handleNotify(notifyItem{name: name, t: clock.Now(), active: true})
		e.periodicHandles[name] = e.disp.Schedule(time.Duration(cur.PeriodS)*time.Second, tick)
	}
	e.periodicHandles[name] = e.disp.Schedule(time.Duration(cfg.PeriodS)*time.Second, tick)
}

// Notify reports one event occurrence. Safe to call from any goroutine;
// never blocks the caller beyond the bounded queue's capacity.
func (e *Engine) Notify(obj Object) {
	e.notify.Push(context.Background(), notifyItem{
		name:           obj.Name,
		t:              obj.Time,
		active:         obj.Active,
		meta:           obj.Meta,
		stateEmulation: obj.StateEmulation,
	})
}

func (e *Engine) handleNotify(item notifyItem) {
	cfg, ok := e.configs[item.name]
	if !ok {
		e.log.Warn("unknown event triggered, dropped", "event", item.name)
		return
	}
	if !cfg.Active && !item.stateEmulation {
		e.log.Debug("inactive event dropped", "event", item.name)
		return
	}

	st, ok := e.states[item.name]
	if !ok {
		st = &eventState{}
		e.states[item.name] = st
	}

	if cfg.Caps.Stateful {
		e.handleStateful(cfg, st, item)
	} else {
		e.handleStateless(cfg, item)
	}

	if e.snapshotNeeded(cfg, item) && e.hooks.OnSnapshotNeeded != nil {
		e.hooks.OnSnapshotNeeded(item.name, item.t)
	}
}

func (e *Engine) snapshotNeeded(cfg Config, item notifyItem) bool {
	if !cfg.SnapshotFlag {
		return false
	}
	if !cfg.Caps.Stateful {
		return true
	}
	if item.active {
		return true
	}
	return item.stateEmulation && cfg.Caps.StateEmulation
}

func (e *Engine) handleStateful(cfg Config, st *eventState, item notifyItem) {
	if item.active == st.active {
		e.log.Debug("duplicate stateful transition dropped", "event", item.name, "active", item.active)
		return
	}

	if item.active {
		st.active = true
		st.lastStart = item.t
		if e.hooks.OnEventStart != nil {
			e.hooks.OnEventStart(item.name, item.t, item.meta)
		}
		if cfg.Caps.Stream && cfg.StreamFlag && e.hooks.OnNeedStreamSyncStart != nil {
			st.syncUserdata = e.hooks.OnNeedStreamSyncStart(item.name, item.t)
		}
		e.startContinuation(cfg, item.name)
		return
	}

	if item.t.Before(st.lastStart) {
		e.log.Warn("stop precedes start, dropped", "event", item.name)
		return
	}
	st.active = false
	e.stopContinuation(st)
	if e.hooks.OnEventStop != nil {
		e.hooks.OnEventStop(item.name, item.t, item.meta)
	}
	if st.syncUserdata != nil && e.hooks.OnNeedStreamSyncStop != nil {
		e.hooks.OnNeedStreamSyncStop(item.name, item.t, st.syncUserdata)
	}
	st.syncUserdata = nil
}

func (e *Engine) handleStateless(cfg Config, item notifyItem) {
	if e.hooks.OnEventTrigger != nil {
		e.hooks.OnEventTrigger(item.name, item.t, item.meta)
	}
	if cfg.Caps.Stream && cfg.StreamFlag {
		var ud interface{}
		if e.hooks.OnNeedStreamSyncStart != nil {
			ud = e.hooks.OnNeedStreamSyncStart(item.name, item.t)
		}
		if e.hooks.OnNeedStreamSyncStop != nil {
			e.hooks.OnNeedStreamSyncStop(item.name, item.t, ud)
		}
	}
}

func (e *Engine) startContinuation(cfg Config, name string) {
	var tick func()
	tick = func() {
		cur, ok := e.states[name]
		if !ok || !cur.active {
			return
		}
		now := clock.Now()
		if e.hooks.OnEventContinue != nil {
			e.hooks.OnEventContinue(name, now)
		}
		if cfg.Caps.StateEmulation && e.hooks.OnStateEmulationDummy != nil {
			e.hooks.OnStateEmulationDummy(name, now)
		}
		if e.hooks.OnNeedStreamSyncContinue != nil {
			newUD := e.hooks.OnNeedStreamSyncContinue(name, now, cur.syncUserdata)
			if newUD != cur.syncUserdata {
				if cur.syncUserdata != nil && e.hooks.OnNeedStreamSyncStop != nil {
					e.hooks.OnNeedStreamSyncStop(name, now, cur.syncUserdata)
				}
				cur.syncUserdata = newUD
			}
		}
		cur.continuationHandle = e.disp.Schedule(ContinuationInterval, tick)
	}
	st := e.states[name]
	st.continuationHandle = e.disp.Schedule(ContinuationInterval, tick)
}

func (e *Engine) stopContinuation(st *eventState) {
	e.disp.Cancel(st.continuationHandle)
	st.continuationHandle = 0
}

// Config returns the current composed config for name, if any.
func (e *Engine) Config(name string) (Config, bool) {
	var cfg Config
	var ok bool
	done := make(chan struct{})
	e.disp.Run(func() { cfg, ok = e.configs[name]; close(done) })
	<-done
	return cfg, ok
}

// Snapshot returns every composed config, e.g. to answer a get_events
// request with a set_events report.
func (e *Engine) Snapshot() []Config {
	var out []Config
	done := make(chan struct{})
	e.disp.Run(func() {
		out = make([]Config, 0, len(e.configs))
		for _, c := range e.configs {
			out = append(out, c)
		}
		close(done)
	})
	<-done
	return out
}

// Stop cancels every pending timer and halts the notify queue.
func (e *Engine) Stop() {
	done := make(chan struct{})
	e.disp.Run(func() {
		for _, h := range e.periodicHandles {
			e.disp.Cancel(h)
		}
		for _, st := range e.states {
			e.disp.Cancel(st.continuationHandle)
		}
		close(done)
	})
	<-done
	e.notify.Stop()
}
