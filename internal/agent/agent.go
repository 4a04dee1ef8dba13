// Package agent implements the top-level agent manager (spec.md §4.7,
// C12): it constructs and wires the session FSM (C7), the event engine
// (C8), the timeline synchronizer (C10) and the direct-upload
// orchestrator (C11), and translates stream_start/stream_stop into the
// sync-mode transitions that tie event activity to either RTMP
// publishing or direct-upload sync requests.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/vxg-embedded/cloud-agent/internal/clock"
	"github.com/vxg-embedded/cloud-agent/internal/dispatch"
	"github.com/vxg-embedded/cloud-agent/internal/events"
	"github.com/vxg-embedded/cloud-agent/internal/httpclient"
	"github.com/vxg-embedded/cloud-agent/internal/protocol"
	"github.com/vxg-embedded/cloud-agent/internal/session"
	"github.com/vxg-embedded/cloud-agent/internal/storage"
	"github.com/vxg-embedded/cloud-agent/internal/timelinesync"
	"github.com/vxg-embedded/cloud-agent/internal/token"
	"github.com/vxg-embedded/cloud-agent/internal/upload"
)

// StreamMode is the sync mode driven by stream_start/stream_stop
// (spec.md §4.7).
type StreamMode int

const (
	ModeNone StreamMode = iota
	ModeRecordRTMPPublish
	ModeByEventDirectUpload
	ModeByEventRTMPPublish
)

func (m StreamMode) String() string {
	switch m {
	case ModeRecordRTMPPublish:
		return "RECORD_RTMP_PUBLISH"
	case ModeByEventDirectUpload:
		return "BY_EVENT_DIRECT_UPLOAD"
	case ModeByEventRTMPPublish:
		return "BY_EVENT_RTMP_PUBLISH"
	default:
		return "NONE"
	}
}

// RTMPPublisher is the media-plane surface the stream translator needs;
// implemented outside this package by the device's media pipeline.
type RTMPPublisher interface {
	StartPublish(streamID string) error
	StopPublish(streamID string)
}

// SnapshotCapturer grabs a still image for an event, outside this
// package's concern (device camera pipeline).
type SnapshotCapturer interface {
	Capture(name string, t clock.Time) (data []byte, mediaType string, err error)
}

// Config bundles every knob from spec.md §6's option table the agent
// needs at construction time.
type Config struct {
	URL   string
	Token token.Token

	EventProducers []events.Config
	QoSPeriodS     int

	SyncStep                     time.Duration
	MaxVideoUploadsQueueLateness time.Duration
	DelayBetweenEventAndUpload   time.Duration
	DefaultPreRecordTime         time.Duration
	DefaultPostRecordTime        time.Duration
	MaxPreRecordTime             time.Duration
	MaxPostRecordTime            time.Duration

	UploadCaps     upload.Caps
	MaxUploadSpeed int64

	MemorycardNormal bool
}

// Deps are the concrete collaborators New wires together; Local/Remote are
// required, Publisher/Capturer/HTTPClient may be nil.
type Deps struct {
	Local      storage.Timeline
	Remote     storage.Timeline
	Publisher  RTMPPublisher
	Capturer   SnapshotCapturer
	HTTPClient *http.Client
}

// Agent is the top-level device-side manager.
type Agent struct {
	disp   *dispatch.Dispatcher
	sess   *session.Session
	events *events.Engine
	sync   *timelinesync.Synchronizer
	upload *upload.Orchestrator
	local  storage.Timeline

	publisher RTMPPublisher
	capturer  SnapshotCapturer
	cfg       Config
	log       *slog.Logger

	mode             StreamMode
	memorycardNormal bool
	liveStreamID     string
}

// rateLimitedPutter injects the configured upload speed cap into every PUT
// that didn't already set one explicitly.
type rateLimitedPutter struct {
	inner          *httpclient.Client
	maxBytesPerSec int64
}

func (p *rateLimitedPutter) DoAsync(ctx context.Context, req httpclient.Request, cb func(*httpclient.Response, error)) {
	if req.MaxBytesPerSec == 0 {
		req.MaxBytesPerSec = p.maxBytesPerSec
	}
	p.inner.DoAsync(ctx, req, cb)
}

// New constructs an Agent. disp is shared with every dispatcher-owned
// component, matching spec.md §5's single serialization domain.
func New(disp *dispatch.Dispatcher, cfg Config, deps Deps, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	a := &Agent{
		disp:             disp,
		local:            deps.Local,
		publisher:        deps.Publisher,
		capturer:         deps.Capturer,
		cfg:              cfg,
		log:              log.With("component", "agent"),
		memorycardNormal: cfg.MemorycardNormal,
	}

	httpClient := httpclient.New(deps.HTTPClient, log)
	putter := &rateLimitedPutter{inner: httpClient, maxBytesPerSec: cfg.MaxUploadSpeed}

	a.sess = session.New(disp, cfg.URL, cfg.Token, session.Handlers{
		OnPrepared: a.onSessionReady,
		OnClosed:   a.onSessionClosed,
		Dispatch:   a.handleCommand,
	}, log)

	a.upload = upload.New(a.sess, putter, cfg.UploadCaps, log)
	a.sync = timelinesync.New(disp, deps.Local, deps.Remote, cfg.SyncStep, cfg.MaxVideoUploadsQueueLateness, log)
	a.events = events.New(disp, events.Hooks{
		OnEventStart:             a.onEventStart,
		OnEventStop:              a.onEventStop,
		OnEventTrigger:           a.onEventTrigger,
		OnEventContinue:          a.onEventContinue,
		OnNeedStreamSyncStart:    a.onNeedStreamSyncStart,
		OnNeedStreamSyncStop:     a.onNeedStreamSyncStop,
		OnNeedStreamSyncContinue: a.onNeedStreamSyncContinue,
		OnSnapshotNeeded:         a.onSnapshotNeeded,
		OnStateEmulationDummy:    a.onStateEmulationDummy,
	}, log)

	return a
}

// Start opens the control-plane connection.
func (a *Agent) Start(ctx context.Context) {
	a.sess.TryConnect(ctx)
}

// Stop shuts every owned component down.
func (a *Agent) Stop() {
	a.events.Stop()
	a.sync.Stop()
	a.sess.Close()
}

// Events exposes the event engine so producers (motion/sound/etc. device
// drivers) can register configs and call Notify.
func (a *Agent) Events() *events.Engine { return a.events }

// SetMemorycardNormal updates the memorycard presence used by
// record_by_event stream-start handling; safe from any goroutine.
func (a *Agent) SetMemorycardNormal(normal bool) {
	done := make(chan struct{})
	a.disp.Run(func() {
		a.memorycardNormal = normal
		close(done)
	})
	<-done
}

func (a *Agent) onSessionReady() {
	a.events.Compose(a.cfg.EventProducers, a.cfg.QoSPeriodS)
	a.log.Info("session ready", "cam_id", a.sess.CamID())
}

func (a *Agent) onSessionClosed(reason protocol.ByeReason) {
	a.log.Warn("session closed", "reason", reason)
}

func (a *Agent) handleCommand(cmd protocol.Command) {
	switch c := cmd.(type) {
	case protocol.StreamStartCmd:
		a.handleStreamStart(c)
	case protocol.StreamStopCmd:
		a.handleStreamStop(c)
	case protocol.CamMemorycardSynchronizeCmd:
		a.handleExplicitSync(c)
	case protocol.CamMemorycardSynchronizeCancelCmd:
		a.sync.Cancel(c.Ticket)
	case protocol.CamMemorycardTimelineCmd:
		a.handleTimelineQuery(c)
	case protocol.GetEventsCmd:
		a.handleGetEvents(c)
	case protocol.SetEventsCmd:
		a.events.ApplyCloudOverlay(c.Events)
	default:
		a.log.Warn("unhandled command", "cmd", cmd.Header().Cmd)
	}
}

// handleStreamStart implements spec.md §4.7's translation table.
func (a *Agent) handleStreamStart(c protocol.StreamStartCmd) {
	switch c.Reason {
	case protocol.StreamLive:
		a.mode = ModeNone
		a.startPublish(c.StreamID)

	case protocol.StreamRecord, protocol.StreamServerByEvent:
		a.mode = ModeRecordRTMPPublish
		a.startPublish(c.StreamID)

	case protocol.StreamRecordByEvent:
		if a.memorycardNormal {
			a.mode = ModeByEventDirectUpload
			a.enableEventTriggeredRecording()
		} else {
			a.mode = ModeByEventRTMPPublish
			a.liveStreamID = c.StreamID
		}

	default:
		a.log.Warn("unknown stream_start reason", "reason", c.Reason)
	}
}

func (a *Agent) handleStreamStop(c protocol.StreamStopCmd) {
	switch a.mode {
	case ModeRecordRTMPPublish:
		a.stopPublish(c.StreamID)
	case ModeByEventRTMPPublish:
		if a.liveStreamID != "" {
			a.stopPublish(a.liveStreamID)
			a.liveStreamID = ""
		}
	}
	a.mode = ModeNone
}

func (a *Agent) startPublish(streamID string) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.StartPublish(streamID); err != nil {
		a.log.Error("publish start failed", "stream_id", streamID, "error", err)
	}
}

func (a *Agent) stopPublish(streamID string) {
	if a.publisher == nil {
		return
	}
	a.publisher.StopPublish(streamID)
}

// enableEventTriggeredRecording turns on the stream flag for every
// producer-declared event so its start/stop pairs drive C10 syncs
// (spec.md §4.7 "Enable event-triggered recording on all event
// producers").
func (a *Agent) enableEventTriggeredRecording() {
	cfgs := a.events.Snapshot()
	updates := make([]protocol.EventFlags, 0, len(cfgs))
	for _, c := range cfgs {
		if c.Caps.InternalHidden {
			continue
		}
		updates = append(updates, protocol.EventFlags{
			Name:     c.Name,
			Active:   c.Active,
			Stream:   true,
			Snapshot: c.SnapshotFlag,
			PeriodS:  c.PeriodS,
		})
	}
	a.events.ApplyCloudOverlay(updates)
}

func (a *Agent) handleExplicitSync(c protocol.CamMemorycardSynchronizeCmd) {
	begin, err := clock.ParseAny(c.Begin)
	if err != nil {
		a.log.Warn("invalid sync begin, dropped", "error", err)
		return
	}
	end := clock.Null()
	if c.End != "" {
		end, err = clock.ParseAny(c.End)
		if err != nil {
			a.log.Warn("invalid sync end, dropped", "error", err)
			return
		}
	}
	ticket := c.Ticket
	delay := time.Duration(c.DelayS) * time.Second
	a.sync.Sync(begin, end, ticket, delay, func(progress int, status timelinesync.Status) {
		a.reportSyncStatus(ticket, progress, status)
	})
}

func (a *Agent) reportSyncStatus(ticket string, progress int, status timelinesync.Status) {
	a.sess.Send(protocol.NewCamMemorycardSynchronizeStatus(a.sess.NextMsgID(), a.sess.CamID(), ticket, progress, status.String()))
}

func (a *Agent) handleTimelineQuery(c protocol.CamMemorycardTimelineCmd) {
	begin, errBegin := clock.ParseAny(c.Begin)
	end, errEnd := clock.ParseAny(c.End)
	if errBegin != nil || errEnd != nil {
		a.sess.Send(protocol.Done(c, a.sess.NextMsgID(), protocol.StatusMissedParam))
		return
	}
	if _, err := a.local.List(context.Background(), clock.NewPeriod(begin, end)); err != nil {
		a.log.Warn("local timeline listing failed", "error", err)
		a.sess.Send(protocol.Done(c, a.sess.NextMsgID(), protocol.StatusCMError))
		return
	}
	a.sess.Send(protocol.Done(c, a.sess.NextMsgID(), protocol.StatusOK))
}

func (a *Agent) handleGetEvents(c protocol.GetEventsCmd) {
	cfgs := a.events.Snapshot()
	flags := make([]protocol.EventFlags, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Caps.InternalHidden {
			continue
		}
		flags = append(flags, protocol.EventFlags{
			Name:     cfg.Name,
			Active:   cfg.Active,
			Stream:   cfg.StreamFlag,
			Snapshot: cfg.SnapshotFlag,
			PeriodS:  cfg.PeriodS,
		})
	}
	a.sess.Send(protocol.NewSetEvents(a.sess.NextMsgID(), a.sess.CamID(), flags))
}

// eventNotification is the payload embedded in a cam_event that merely
// announces an event transition, without a snapshot or file-meta payload.
type eventNotification struct {
	Name   string `json:"name"`
	Time   string `json:"time"`
	Active bool   `json:"active"`
}

func (a *Agent) emitEvent(name string, t clock.Time, active bool, meta []byte) {
	payload := meta
	if payload == nil {
		b, err := json.Marshal(eventNotification{Name: name, Time: t.Canonical(), Active: active})
		if err != nil {
			a.log.Error("event notification marshal failed", "event", name, "error", err)
			return
		}
		payload = b
	}
	a.upload.Submit(upload.Request{
		Category: name,
		FileTime: t.Packed(),
		Embed:    true,
		Payload:  payload,
	})
}

func (a *Agent) onEventStart(name string, t clock.Time, meta []byte)   { a.emitEvent(name, t, true, meta) }
func (a *Agent) onEventStop(name string, t clock.Time, meta []byte)    { a.emitEvent(name, t, false, meta) }
func (a *Agent) onEventTrigger(name string, t clock.Time, meta []byte) { a.emitEvent(name, t, true, meta) }
func (a *Agent) onEventContinue(name string, t clock.Time)             { a.emitEvent(name, t, true, nil) }
func (a *Agent) onStateEmulationDummy(name string, t clock.Time)       { a.emitEvent(name, t, true, nil) }

// onNeedStreamSyncStart opens a sync request covering the pre-roll window
// before an event, in BY_EVENT_DIRECT_UPLOAD mode only. In
// BY_EVENT_RTMP_PUBLISH mode it does nothing, and no other path starts or
// stops live publishing on event start/stop: handleStreamStart only
// records the mode and the stream id.
func (a *Agent) onNeedStreamSyncStart(name string, t clock.Time) interface{} {
	if a.mode != ModeByEventDirectUpload {
		return nil
	}
	begin := t.Add(-a.preRecordTime())
	return a.sync.Sync(begin, clock.Null(), name, a.cfg.DelayBetweenEventAndUpload, func(progress int, status timelinesync.Status) {
		a.reportSyncStatus(name, progress, status)
	})
}

func (a *Agent) onNeedStreamSyncStop(name string, t clock.Time, userdata interface{}) {
	h, ok := userdata.(*timelinesync.Handle)
	if !ok || h == nil {
		return
	}
	a.sync.Finalize(h, t.Add(a.postRecordTime()))
}

// onNeedStreamSyncContinue keeps the same handle across continuation
// ticks: the synchronizer already tracks the open tail, no new sync
// request is needed until stop.
func (a *Agent) onNeedStreamSyncContinue(name string, t clock.Time, userdata interface{}) interface{} {
	return userdata
}

func (a *Agent) preRecordTime() time.Duration {
	d := a.cfg.DefaultPreRecordTime
	if a.cfg.MaxPreRecordTime > 0 && d > a.cfg.MaxPreRecordTime {
		d = a.cfg.MaxPreRecordTime
	}
	return d
}

func (a *Agent) postRecordTime() time.Duration {
	d := a.cfg.DefaultPostRecordTime
	if a.cfg.MaxPostRecordTime > 0 && d > a.cfg.MaxPostRecordTime {
		d = a.cfg.MaxPostRecordTime
	}
	return d
}

func (a *Agent) onSnapshotNeeded(name string, t clock.Time) {
	if a.capturer == nil {
		return
	}
	data, mediaType, err := a.capturer.Capture(name, t)
	if err != nil {
		a.log.Warn("snapshot capture failed", "event", name, "error", err)
		return
	}
	a.upload.Submit(upload.Request{
		Category:  upload.CategorySnapshot,
		MediaType: mediaType,
		FileTime:  t.Packed(),
		Size:      int64(len(data)),
		Payload:   data,
	})
}
