// Package upload implements the direct-upload orchestrator (spec.md §4.6,
// C11): it obtains per-chunk upload URLs over the control plane (C7),
// performs the HTTP PUT via C4, enforces per-category concurrency caps,
// and reports completion back to whoever submitted the payload (C8's
// event engine for snapshots/file-meta). The timeline synchronizer (C10)
// does not submit through it: it stores video chunks with
// storage.Timeline.StoreAsync directly.
package upload

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vxg-embedded/cloud-agent/internal/httpclient"
	"github.com/vxg-embedded/cloud-agent/internal/protocol"
	"github.com/vxg-embedded/cloud-agent/internal/session"
)

// AckTimeout bounds how long a get_direct_upload_url/cam_event request
// waits for its reply (spec.md §4.6 "20 s").
const AckTimeout = 20 * time.Second

// Payload categories, matching the wire "category" field.
const (
	CategoryVideo    = "video"
	CategorySnapshot = "snapshot"
	CategoryFileMeta = "file_meta"
)

// Caps are the per-category concurrency limits (spec.md §6 option table).
type Caps struct {
	MaxVideo    int
	MaxSnapshot int
	MaxFileMeta int
}

// DefaultCaps matches spec.md §4.6's typical defaults.
func DefaultCaps() Caps {
	return Caps{MaxVideo: 2, MaxSnapshot: 4, MaxFileMeta: 6}
}

// Request describes one payload needing an upload URL.
type Request struct {
	Category   string
	MediaType  string
	FileTime   string
	DurationUs int64
	Size       int64
	StreamID   string

	// Payload is the HTTP PUT body, or (when Embed is set) the raw JSON
	// embedded directly in the cam_event envelope instead of requiring a
	// separate PUT.
	Payload []byte
	Embed   bool

	// IsCanceled is polled by the HTTP layer during an in-progress PUT.
	IsCanceled func() bool

	// OnFinished reports the terminal outcome exactly once.
	OnFinished func(ok bool)
}

// Sender is the control-plane surface upload needs from C7.
type Sender interface {
	NextMsgID() int64
	CamID() string
	SendWithAck(cmd protocol.Command, timeout time.Duration, cb session.AckCallback)
}

// Putter is the HTTP surface upload needs from C4.
type Putter interface {
	DoAsync(ctx context.Context, req httpclient.Request, cb func(*httpclient.Response, error))
}

// Orchestrator is the C11 direct-upload orchestrator.
type Orchestrator struct {
	sender Sender
	http   Putter
	caps   Caps
	log    *slog.Logger

	mu            sync.Mutex
	inFlight      map[string]int
	pendingVideo  []func()
	droppedForCap map[string]int64
}

// New builds an Orchestrator.
func New(sender Sender, httpClient Putter, caps Caps, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		sender:        sender,
		http:          httpClient,
		caps:          caps,
		log:           log.With("component", "upload"),
		inFlight:      make(map[string]int),
		droppedForCap: make(map[string]int64),
	}
}

func (o *Orchestrator) capFor(category string) int {
	switch category {
	case CategoryVideo:
		return o.caps.MaxVideo
	case CategorySnapshot:
		return o.caps.MaxSnapshot
	case CategoryFileMeta:
		return o.caps.MaxFileMeta
	default:
		return o.caps.MaxFileMeta
	}
}

// DroppedForCap reports how many payloads of category were ever dropped
// for hitting the concurrency cap.
func (o *Orchestrator) DroppedForCap(category string) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.droppedForCap[category]
}

func (o *Orchestrator) acquireSlot(category string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[category] < o.capFor(category) {
		o.inFlight[category]++
		return true
	}
	return false
}

func (o *Orchestrator) releaseSlot(category string) {
	o.mu.Lock()
	o.inFlight[category]--
	var next func()
	if category == CategoryVideo && len(o.pendingVideo) > 0 {
		next = o.pendingVideo[0]
		o.pendingVideo = o.pendingVideo[1:]
		o.inFlight[category]++
	}
	o.mu.Unlock()
	if next != nil {
		next()
	}
}

func (o *Orchestrator) deferVideo(start func()) {
	o.mu.Lock()
	o.pendingVideo = append(o.pendingVideo, start)
	o.mu.Unlock()
}

// dropForCap is used for snapshot/file_meta payloads hitting their cap:
// the payload is abandoned, but the caller's event is never blocked on it
// (spec.md §4.6).
func (o *Orchestrator) dropForCap(r Request) {
	o.mu.Lock()
	o.droppedForCap[r.Category]++
	o.mu.Unlock()
	o.log.Warn("upload dropped, concurrency cap hit", "category", r.Category)
	if r.OnFinished != nil {
		r.OnFinished(false)
	}
}

func (o *Orchestrator) finish(r Request, ok bool) {
	o.releaseSlot(r.Category)
	if r.OnFinished != nil {
		r.OnFinished(ok)
	}
}

// Submit requests an upload for a single payload. Video payloads queue
// when the concurrency cap is saturated rather than dropping, since a
// sync chunk that never uploads would leave a permanent gap in the
// remote timeline; snapshot/file_meta payloads drop immediately.
func (o *Orchestrator) Submit(r Request) {
	start := func() {
		if r.Embed {
			o.sendEmbedded(r)
			return
		}
		o.requestURLs(r, nil)
	}
	if o.acquireSlot(r.Category) {
		start()
		return
	}
	if r.Category == CategoryVideo {
		o.deferVideo(start)
		return
	}
	o.dropForCap(r)
}

// SubmitGroup requests one shared upload-URL round trip covering a
// primary payload (requests[0]) plus companion payloads for the same
// event (e.g. a snapshot and file-meta alongside a video chunk), matching
// each reply's extra entries back to their Request by category (spec.md
// §4.6 point 3, "multi-payload events").
func (o *Orchestrator) SubmitGroup(requests []Request) {
	if len(requests) == 0 {
		return
	}
	if len(requests) == 1 {
		o.Submit(requests[0])
		return
	}

	primary := requests[0]
	companions := requests[1:]

	if !o.acquireSlot(primary.Category) {
		if primary.Category == CategoryVideo {
			o.deferVideo(func() { o.SubmitGroup(requests) })
			return
		}
		o.dropForCap(primary)
		o.SubmitGroup(companions)
		return
	}

	byCategory := make(map[string]Request, len(companions))
	for _, r := range companions {
		if o.acquireSlot(r.Category) {
			byCategory[r.Category] = r
			continue
		}
		if r.Category == CategoryVideo {
			o.releaseSlot(primary.Category)
			for _, kept := range byCategory {
				o.releaseSlot(kept.Category)
			}
			o.deferVideo(func() { o.SubmitGroup(requests) })
			return
		}
		o.dropForCap(r)
	}

	o.requestURLs(primary, byCategory)
}

func (o *Orchestrator) sendEmbedded(r Request) {
	cmd := protocol.NewCamEvent(o.sender.NextMsgID(), o.sender.CamID(), r.Category, r.MediaType, r.FileTime, r.DurationUs, r.Size, r.StreamID, json.RawMessage(r.Payload))
	o.sender.SendWithAck(cmd, AckTimeout, func(timedOut bool, reply protocol.Command) {
		o.finish(r, !timedOut)
	})
}

func (o *Orchestrator) requestURLs(primary Request, companions map[string]Request) {
	cmd := protocol.NewGetDirectUploadURL(o.sender.NextMsgID(), o.sender.CamID(), primary.Category, primary.MediaType, primary.FileTime, primary.DurationUs, primary.Size, primary.StreamID)
	o.sender.SendWithAck(cmd, AckTimeout, func(timedOut bool, reply protocol.Command) {
		if timedOut {
			o.finish(primary, false)
			for _, r := range companions {
				o.finish(r, false)
			}
			return
		}
		resp, ok := reply.(protocol.DirectUploadURLCmd)
		if !ok || resp.StatusField != protocol.StatusOK {
			o.log.Warn("direct upload url rejected", "category", primary.Category)
			o.finish(primary, false)
			for _, r := range companions {
				o.finish(r, false)
			}
			return
		}
		o.put(primary, resp.URL, resp.Headers)
		for _, extra := range resp.Extra {
			r, ok := companions[extra.Category]
			if !ok {
				continue
			}
			delete(companions, extra.Category)
			o.put(r, extra.URL, extra.Headers)
		}
		for _, r := range companions {
			o.log.Warn("no upload url returned for companion payload", "category", r.Category)
			o.finish(r, false)
		}
	})
}

func (o *Orchestrator) put(r Request, url string, headers map[string]string) {
	req := httpclient.Request{
		Method:     http.MethodPut,
		URL:        url,
		Headers:    headers,
		Body:       r.Payload,
		IsCanceled: r.IsCanceled,
	}
	o.http.DoAsync(context.Background(), req, func(resp *httpclient.Response, err error) {
		ok := err == nil && resp != nil && resp.StatusCode == http.StatusOK
		o.finish(r, ok)
	})
}
