package upload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vxg-embedded/cloud-agent/internal/httpclient"
	"github.com/vxg-embedded/cloud-agent/internal/protocol"
	"github.com/vxg-embedded/cloud-agent/internal/session"
)

// fakeSender records every command sent and lets the test script a reply
// (or a timeout) for it.
type fakeSender struct {
	mu       sync.Mutex
	nextID   int64
	camID    string
	sent     []protocol.Command
	reply    func(cmd protocol.Command) (bool, protocol.Command) // timedOut, reply
}

func (f *fakeSender) NextMsgID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *fakeSender) CamID() string { return f.camID }

func (f *fakeSender) SendWithAck(cmd protocol.Command, timeout time.Duration, cb session.AckCallback) {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	reply := f.reply
	f.mu.Unlock()
	timedOut, r := reply(cmd)
	cb(timedOut, r)
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakePutter fakes the HTTP PUT leg, recording every request.
type fakePutter struct {
	mu     sync.Mutex
	calls  []httpclient.Request
	status int
	err    error
}

func (f *fakePutter) DoAsync(ctx context.Context, req httpclient.Request, cb func(*httpclient.Response, error)) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	status, err := f.status, f.err
	f.mu.Unlock()
	if err != nil {
		cb(nil, err)
		return
	}
	cb(&httpclient.Response{StatusCode: status}, nil)
}

func okURLReply(url string, extra ...protocol.DirectUploadURLExtra) func(protocol.Command) (bool, protocol.Command) {
	return func(cmd protocol.Command) (bool, protocol.Command) {
		return false, protocol.DirectUploadURLCmd{StatusField: protocol.StatusOK, URL: url, Extra: extra}
	}
}

func timeoutReply() func(protocol.Command) (bool, protocol.Command) {
	return func(cmd protocol.Command) (bool, protocol.Command) {
		return true, nil
	}
}

func TestSubmitSingleUploadSucceeds(t *testing.T) {
	sender := &fakeSender{camID: "cam-1", reply: okURLReply("https://upload.example/video")}
	putter := &fakePutter{status: 200}
	orch := New(sender, putter, DefaultCaps(), nil)

	done := make(chan bool, 1)
	orch.Submit(Request{
		Category: CategoryVideo,
		Payload:  []byte("chunk"),
		OnFinished: func(ok bool) {
			done <- ok
		},
	})

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("upload never finished")
	}

	assert.Equal(t, 1, sender.sentCount())
	require.Len(t, putter.calls, 1)
	assert.Equal(t, "https://upload.example/video", putter.calls[0].URL)
}

func TestSubmitTimeoutReportsFailure(t *testing.T) {
	sender := &fakeSender{camID: "cam-1", reply: timeoutReply()}
	putter := &fakePutter{status: 200}
	orch := New(sender, putter, DefaultCaps(), nil)

	done := make(chan bool, 1)
	orch.Submit(Request{Category: CategorySnapshot, OnFinished: func(ok bool) { done <- ok }})

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("upload never finished")
	}
	assert.Empty(t, putter.calls)
}

func TestSubmitHTTPFailureReportsFailure(t *testing.T) {
	sender := &fakeSender{camID: "cam-1", reply: okURLReply("https://upload.example/video")}
	putter := &fakePutter{status: 500}
	orch := New(sender, putter, DefaultCaps(), nil)

	done := make(chan bool, 1)
	orch.Submit(Request{Category: CategoryVideo, OnFinished: func(ok bool) { done <- ok }})

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("upload never finished")
	}
}

func TestSubmitEmbeddedSkipsHTTPPut(t *testing.T) {
	sender := &fakeSender{camID: "cam-1", reply: func(cmd protocol.Command) (bool, protocol.Command) {
		return false, protocol.Done(cmd, 1, protocol.StatusOK)
	}}
	putter := &fakePutter{status: 200}
	orch := New(sender, putter, DefaultCaps(), nil)

	done := make(chan bool, 1)
	orch.Submit(Request{
		Category:   CategoryFileMeta,
		Embed:      true,
		Payload:    []byte(`{"k":"v"}`),
		OnFinished: func(ok bool) { done <- ok },
	})

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("upload never finished")
	}
	assert.Empty(t, putter.calls)
}

func TestSnapshotDropsWhenCapSaturated(t *testing.T) {
	release := make(chan struct{})
	sender := &fakeSender{camID: "cam-1", reply: func(cmd protocol.Command) (bool, protocol.Command) {
		<-release
		return false, protocol.DirectUploadURLCmd{StatusField: protocol.StatusOK, URL: "https://upload.example/x"}
	}}
	putter := &fakePutter{status: 200}
	orch := New(sender, putter, Caps{MaxVideo: 1, MaxSnapshot: 1, MaxFileMeta: 1}, nil)

	firstDone := make(chan bool, 1)
	go orch.Submit(Request{Category: CategorySnapshot, OnFinished: func(ok bool) { firstDone <- ok }})

	// Give the first submit time to occupy the snapshot slot before the
	// second one is attempted.
	time.Sleep(50 * time.Millisecond)

	secondDone := make(chan bool, 1)
	orch.Submit(Request{Category: CategorySnapshot, OnFinished: func(ok bool) { secondDone <- ok }})

	select {
	case ok := <-secondDone:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("second submit never finished")
	}
	assert.Equal(t, int64(1), orch.DroppedForCap(CategorySnapshot))

	close(release)
	select {
	case ok := <-firstDone:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("first submit never finished")
	}
}

func TestVideoQueuesInsteadOfDroppingWhenCapSaturated(t *testing.T) {
	release := make(chan struct{})
	sender := &fakeSender{camID: "cam-1", reply: func(cmd protocol.Command) (bool, protocol.Command) {
		<-release
		return false, protocol.DirectUploadURLCmd{StatusField: protocol.StatusOK, URL: "https://upload.example/x"}
	}}
	putter := &fakePutter{status: 200}
	orch := New(sender, putter, Caps{MaxVideo: 1, MaxSnapshot: 1, MaxFileMeta: 1}, nil)

	firstDone := make(chan bool, 1)
	go orch.Submit(Request{Category: CategoryVideo, OnFinished: func(ok bool) { firstDone <- ok }})
	time.Sleep(50 * time.Millisecond)

	secondDone := make(chan bool, 1)
	orch.Submit(Request{Category: CategoryVideo, OnFinished: func(ok bool) { secondDone <- ok }})

	// Neither completes until the first round's reply is released, since
	// the second payload is queued rather than dropped.
	select {
	case <-secondDone:
		t.Fatal("queued video upload finished before its slot was available")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	for _, ch := range []chan bool{firstDone, secondDone} {
		select {
		case ok := <-ch:
			assert.True(t, ok)
		case <-time.After(time.Second):
			t.Fatal("queued submit never finished")
		}
	}
	assert.Equal(t, int64(0), orch.DroppedForCap(CategoryVideo))
}

func TestSubmitGroupWiresExtrasByCategory(t *testing.T) {
	sender := &fakeSender{camID: "cam-1", reply: okURLReply("https://upload.example/video",
		protocol.DirectUploadURLExtra{Category: CategorySnapshot, URL: "https://upload.example/snapshot"},
	)}
	putter := &fakePutter{status: 200}
	orch := New(sender, putter, DefaultCaps(), nil)

	videoDone := make(chan bool, 1)
	snapshotDone := make(chan bool, 1)
	orch.SubmitGroup([]Request{
		{Category: CategoryVideo, OnFinished: func(ok bool) { videoDone <- ok }},
		{Category: CategorySnapshot, OnFinished: func(ok bool) { snapshotDone <- ok }},
	})

	assert.True(t, <-videoDone)
	assert.True(t, <-snapshotDone)

	require.Len(t, putter.calls, 2)
	urls := []string{putter.calls[0].URL, putter.calls[1].URL}
	assert.Contains(t, urls, "https://upload.example/video")
	assert.Contains(t, urls, "https://upload.example/snapshot")
	assert.Equal(t, 1, sender.sentCount()) // one shared round trip, not two
}

func TestSubmitGroupFailsCompanionWhenExtraMissing(t *testing.T) {
	sender := &fakeSender{camID: "cam-1", reply: okURLReply("https://upload.example/video")}
	putter := &fakePutter{status: 200}
	orch := New(sender, putter, DefaultCaps(), nil)

	videoDone := make(chan bool, 1)
	metaDone := make(chan bool, 1)
	orch.SubmitGroup([]Request{
		{Category: CategoryVideo, OnFinished: func(ok bool) { videoDone <- ok }},
		{Category: CategoryFileMeta, OnFinished: func(ok bool) { metaDone <- ok }},
	})

	assert.True(t, <-videoDone)
	assert.False(t, <-metaDone)
}
