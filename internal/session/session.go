// Package session implements the control-plane session FSM (spec.md §4.3,
// C7): it owns the WebSocket client, drives
// register → hello → cam_register → ready, dispatches inbound commands,
// and tracks outstanding ack callbacks with timeouts.
//
// All session state (the ack table, the state enum, the reconnect-server
// address) is dispatcher-owned: every mutation is posted through the
// dispatcher (internal/dispatch), so no additional locking is needed here,
// mirroring spec.md §5 "ack table ... dispatcher-owned; no external
// synchronization is needed if all mutations are posted via
// run_on_dispatcher".
package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vxg-embedded/cloud-agent/internal/dispatch"
	"github.com/vxg-embedded/cloud-agent/internal/protocol"
	"github.com/vxg-embedded/cloud-agent/internal/queue"
	"github.com/vxg-embedded/cloud-agent/internal/token"
	"github.com/vxg-embedded/cloud-agent/internal/wsclient"
)

// State is one of the session lifecycle states (spec.md §3).
type State int

const (
	Disconnected State = iota
	Connecting
	Registered
	HelloReceived
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Registered:
		return "REGISTERED"
	case HelloReceived:
		return "HELLO_RECEIVED"
	case Ready:
		return "READY"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// AckTimeout is the default deadline for send-with-ack (spec.md §5).
const AckTimeout = 10 * time.Second

// UploadAckTimeout is the deadline for get_direct_upload_url requests.
const UploadAckTimeout = 20 * time.Second

// DefaultReconnectDelay is used when bye.retry is not provided.
const DefaultReconnectDelay = 5 * time.Second

// AckCallback is invoked exactly once per SendWithAck call (spec.md §8
// invariant 3): either timedOut is true, or reply is the correlated
// command.
type AckCallback func(timedOut bool, reply protocol.Command)

// Handlers groups the upper-layer hooks the session FSM drives.
type Handlers struct {
	// OnPrepared is called once the session reaches READY.
	OnPrepared func()
	// OnClosed is called whenever the session leaves READY/connected state,
	// with the bye reason (or "" for a transport-level error).
	OnClosed func(reason protocol.ByeReason)
	// Dispatch is called for every inbound command once READY, except
	// those the session itself consumes (hello, cam_hello, bye, done-replies
	// matched by refid).
	Dispatch func(cmd protocol.Command)
}

type ackEntry struct {
	cb    AckCallback
	timer dispatch.Handle
}

// Session is the control-plane session FSM.
type Session struct {
	disp     *dispatch.Dispatcher
	ws       *wsclient.Client
	rx       *queue.Queue[[]byte]
	url      string
	tok      token.Token
	handlers Handlers
	log      *slog.Logger

	msgID int64 // atomic, monotonically increasing

	state            State
	camID            string
	mediaURI         string
	path             string
	reconnectServer  string
	reconnectHandle  dispatch.Handle
	acks             map[int64]*ackEntry
}

// New constructs a Session bound to url with the given credentials and
// upper-layer handlers. The dispatcher is shared with the rest of the
// agent (events, sync) so all dispatcher-owned state sees one
// serialization domain.
func New(disp *dispatch.Dispatcher, url string, tok token.Token, h Handlers, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		disp:     disp,
		url:      url,
		tok:      tok,
		handlers: h,
		log:      log.With("component", "session"),
		state:    Disconnected,
		acks:     make(map[int64]*ackEntry),
	}
	s.ws = wsclient.New(url, nil, wsclient.Callbacks{
		OnConnected:    func() { disp.Run(s.onWSConnected) },
		OnDisconnected: func(err error) { disp.Run(func() { s.onWSDisconnected(err) }) },
		OnMessage:      func(data []byte) { disp.Run(func() { s.onWSMessage(data) }) },
	}, log)
	// rx is a bounded FIFO (C3) in front of command parsing, matching
	// spec.md §2's "inbound WS frame -> C5 RX -> C7 parse & dispatch"; the
	// queue's own consumer goroutine runs handleFrame, which posts each
	// parsed command onto the dispatcher.
	s.rx = queue.New(256, log, func(data []byte) { s.handleFrame(data) })
	return s
}

// TryConnect opens the WebSocket connection. Safe to call from any
// goroutine; the actual dial happens off the dispatcher (it blocks).
func (s *Session) TryConnect(ctx context.Context) {
	s.disp.Run(func() {
		if s.state == Ready || s.state == Connecting {
			return
		}
		s.state = Connecting
	})
	go func() {
		if err := s.ws.Connect(ctx); err != nil {
			s.log.Warn("connect failed", "error", err)
			s.disp.Run(func() { s.scheduleReconnect(DefaultReconnectDelay) })
		}
	}()
}

// State returns the current FSM state. Safe to call from any goroutine;
// reflects the last dispatcher-committed value.
func (s *Session) State() State {
	var st State
	done := make(chan struct{})
	s.disp.Run(func() { st = s.state; close(done) })
	<-done
	return st
}

func (s *Session) onWSConnected() {
	s.state = Connecting
	data, _ := protocol.Marshal(protocol.NewRegister(s.nextMsgID(), s.tok.Token))
	s.ws.Send(data)
}

func (s *Session) onWSDisconnected(err error) {
	wasReady := s.state == Ready
	s.state = Disconnected
	s.failAllAcks()
	if wasReady && s.handlers.OnClosed != nil {
		s.handlers.OnClosed("")
	}
	s.scheduleReconnect(DefaultReconnectDelay)
}

func (s *Session) onWSMessage(data []byte) {
	ctx := context.Background()
	s.rx.Push(ctx, data)
}

func (s *Session) handleFrame(data []byte) {
	s.disp.Run(func() {
		cmd, err := protocol.Parse(data)
		if err != nil {
			s.log.Warn("malformed frame", "error", err)
			return
		}
		s.handleCommand(cmd)
	})
}

func (s *Session) handleCommand(cmd protocol.Command) {
	hdr := cmd.Header()

	if hdr.RefID != 0 {
		if entry, ok := s.acks[hdr.RefID]; ok {
			delete(s.acks, hdr.RefID)
			s.disp.Cancel(entry.timer)
			entry.cb(false, cmd)
			return
		}
	}

	switch c := cmd.(type) {
	case protocol.HelloCmd:
		s.state = Registered
		s.camID = ""
		s.reconnectServer = c.ConnID
		data, _ := protocol.Marshal(protocol.NewCamRegister(s.nextMsgID(), c.CA))
		s.ws.Send(data)
		s.state = HelloReceived
		s.sendDone(cmd, protocol.StatusOK)

	case protocol.CamHelloCmd:
		s.camID = cmd.Header().CamID
		s.mediaURI = c.MediaURI
		s.path = c.Path
		s.state = Ready
		if s.handlers.OnPrepared != nil {
			s.handlers.OnPrepared()
		}

	case protocol.ByeCmd:
		s.state = Disconnected
		s.failAllAcks()
		if c.Reason == protocol.ByeReconnect && c.Server != "" {
			s.reconnectServer = c.Server
		} else if c.Reason != protocol.ByeReconnect {
			s.reconnectServer = ""
		}
		if s.handlers.OnClosed != nil {
			s.handlers.OnClosed(c.Reason)
		}
		s.ws.Close()
		if c.Reason != protocol.ByeAuthFailure {
			delay := DefaultReconnectDelay
			if c.RetryMs > 0 {
				delay = time.Duration(c.RetryMs) * time.Millisecond
			}
			s.scheduleReconnect(delay)
		} else {
			s.state = Closed
		}

	case protocol.UnknownCommand:
		data, _ := protocol.Marshal(protocol.Done(cmd, s.nextMsgID(), protocol.StatusNotSupported))
		s.ws.Send(data)

	default:
		if s.state != Ready {
			s.log.Warn("dropping command received before READY", "cmd", hdr.Cmd)
			return
		}
		if s.handlers.Dispatch != nil {
			s.handlers.Dispatch(cmd)
		}
	}
}

func (s *Session) scheduleReconnect(delay time.Duration) {
	s.disp.Cancel(s.reconnectHandle)
	s.reconnectHandle = s.disp.Schedule(delay, func() {
		s.TryConnect(context.Background())
	})
}

func (s *Session) failAllAcks() {
	for id, entry := range s.acks {
		delete(s.acks, id)
		s.disp.Cancel(entry.timer)
		entry.cb(true, nil)
	}
}

func (s *Session) sendDone(orig protocol.Command, status protocol.Status) {
	data, _ := protocol.Marshal(protocol.Done(orig, s.nextMsgID(), status))
	s.ws.Send(data)
}

func (s *Session) nextMsgID() int64 { return atomic.AddInt64(&s.msgID, 1) }

// Send serializes and transmits cmd. Outside READY, the frame is dropped
// with a warning (spec.md §3 "events queued while not-READY are dropped").
func (s *Session) Send(cmd protocol.Command) {
	s.disp.Run(func() {
		if s.state != Ready {
			s.log.Warn("dropping outbound command: session not READY", "state", s.state.String())
			return
		}
		data, err := protocol.Marshal(cmd)
		if err != nil {
			s.log.Error("marshal failed", "error", err)
			return
		}
		s.ws.Send(data)
	})
}

// SendWithAck sends cmd and registers cb to be invoked exactly once: either
// when a reply with refid==cmd.msgid arrives, or when timeout elapses
// first. cmd must already carry a fresh MsgID (use NextMsgID).
func (s *Session) SendWithAck(cmd protocol.Command, timeout time.Duration, cb AckCallback) {
	s.disp.Run(func() {
		hdr := cmd.Header()
		if s.state != Ready {
			s.log.Warn("dropping ack-correlated command: session not READY")
			cb(true, nil)
			return
		}
		data, err := protocol.Marshal(cmd)
		if err != nil {
			cb(true, nil)
			return
		}
		entry := &ackEntry{cb: cb}
		entry.timer = s.disp.Schedule(timeout, func() {
			if e, ok := s.acks[hdr.MsgID]; ok && e == entry {
				delete(s.acks, hdr.MsgID)
				entry.cb(true, nil)
			}
		})
		s.acks[hdr.MsgID] = entry
		s.ws.Send(data)
	})
}

// NextMsgID allocates a fresh, session-unique msgid for an outbound
// command built by the caller (e.g. in internal/upload, internal/events).
func (s *Session) NextMsgID() int64 { return s.nextMsgID() }

// CamID returns the camera ID assigned by the server, once READY.
func (s *Session) CamID() string { return s.camID }

// Close shuts the session down for good: no further reconnect attempts.
func (s *Session) Close() {
	done := make(chan struct{})
	s.disp.Run(func() {
		s.disp.Cancel(s.reconnectHandle)
		s.state = Closed
		close(done)
	})
	<-done
	s.ws.Close()
	s.rx.Stop()
}

