package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vxg-embedded/cloud-agent/internal/dispatch"
	"github.com/vxg-embedded/cloud-agent/internal/protocol"
	"github.com/vxg-embedded/cloud-agent/internal/token"
)

var testMsgID int64

func nextTestMsgID() int64 { return atomic.AddInt64(&testMsgID, 1) }

// fakeCloud upgrades one connection and invokes onFrame for every parsed
// inbound command, mirroring the cloud control channel's request/response
// shape closely enough to drive the session FSM end to end.
func fakeCloud(t *testing.T, onFrame func(conn *websocket.Conn, cmd protocol.Command)) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			cmd, err := protocol.Parse(data)
			if err != nil {
				continue
			}
			onFrame(conn, cmd)
		}
	}))
	return srv, conns
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func writeCmd(t *testing.T, conn *websocket.Conn, cmd protocol.Command) {
	t.Helper()
	data, err := protocol.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func handshakeServer(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	return fakeCloud(t, func(conn *websocket.Conn, cmd protocol.Command) {
		switch cmd.(type) {
		case protocol.RegisterCmd:
			writeCmd(t, conn, protocol.NewHello(nextTestMsgID(), "ca-123", "conn-1"))
		case protocol.CamRegisterCmd:
			writeCmd(t, conn, protocol.NewCamHello(nextTestMsgID(), "cam-1", "rtmp://media/x", "/x"))
		}
	})
}

func newTestSession(t *testing.T, url string, h Handlers) (*Session, *dispatch.Dispatcher) {
	disp := dispatch.New(nil)
	s := New(disp, url, token.Token{Token: "tok", API: "api"}, h, nil)
	t.Cleanup(func() {
		s.Close()
		disp.Stop()
	})
	return s, disp
}

func TestSessionReachesReadyAfterHandshake(t *testing.T) {
	srv, _ := handshakeServer(t)
	defer srv.Close()

	ready := make(chan struct{})
	s, _ := newTestSession(t, wsURL(srv.URL), Handlers{OnPrepared: func() { close(ready) }})

	s.TryConnect(context.Background())

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("session never reached READY")
	}
	assert.Equal(t, Ready, s.State())
	assert.Equal(t, "cam-1", s.CamID())
}

func TestSendDroppedBeforeReady(t *testing.T) {
	srv, conns := fakeCloud(t, func(conn *websocket.Conn, cmd protocol.Command) {})
	defer srv.Close()

	s, _ := newTestSession(t, wsURL(srv.URL), Handlers{})
	s.TryConnect(context.Background())

	select {
	case <-conns:
	case <-time.After(time.Second):
		t.Fatal("server never saw a connection")
	}

	s.Send(protocol.NewCamRegister(s.NextMsgID(), "whatever"))
	assert.NotEqual(t, Ready, s.State())
}

func TestByeReconnectTriggersRetry(t *testing.T) {
	var connectCount int32
	srv, _ := fakeCloud(t, func(conn *websocket.Conn, cmd protocol.Command) {
		switch cmd.(type) {
		case protocol.RegisterCmd:
			connectCount++
			if connectCount == 1 {
				writeCmd(t, conn, protocol.NewBye(nextTestMsgID(), protocol.ByeReconnect, 10, ""))
				return
			}
			writeCmd(t, conn, protocol.NewHello(nextTestMsgID(), "ca", "c"))
		case protocol.CamRegisterCmd:
			writeCmd(t, conn, protocol.NewCamHello(nextTestMsgID(), "cam-1", "rtmp://x", "/x"))
		}
	})
	defer srv.Close()

	ready := make(chan struct{})
	closedCh := make(chan protocol.ByeReason, 1)
	s, _ := newTestSession(t, wsURL(srv.URL), Handlers{
		OnPrepared: func() { close(ready) },
		OnClosed:   func(reason protocol.ByeReason) { closedCh <- reason },
	})
	s.TryConnect(context.Background())

	select {
	case reason := <-closedCh:
		assert.Equal(t, protocol.ByeReconnect, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("bye never observed")
	}

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("session never reconnected to READY")
	}
}

func TestSendWithAckResolvesOnReply(t *testing.T) {
	srv, _ := fakeCloud(t, func(conn *websocket.Conn, cmd protocol.Command) {
		switch c := cmd.(type) {
		case protocol.RegisterCmd:
			writeCmd(t, conn, protocol.NewHello(nextTestMsgID(), "ca", "c"))
		case protocol.CamRegisterCmd:
			writeCmd(t, conn, protocol.NewCamHello(nextTestMsgID(), "cam-1", "rtmp://x", "/x"))
		case protocol.GetDirectUploadURLCmd:
			writeCmd(t, conn, protocol.NewDirectUploadURL(c, nextTestMsgID(), protocol.StatusOK, "https://upload/target", nil, nil))
		}
	})
	defer srv.Close()

	ready := make(chan struct{})
	s, _ := newTestSession(t, wsURL(srv.URL), Handlers{OnPrepared: func() { close(ready) }})
	s.TryConnect(context.Background())

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("session never reached READY")
	}

	result := make(chan protocol.Command, 1)
	cmd := protocol.NewGetDirectUploadURL(s.NextMsgID(), s.CamID(), "video", "mp4", "20260101T000000", 1000, 1024, "")
	s.SendWithAck(cmd, AckTimeout, func(timedOut bool, reply protocol.Command) {
		assert.False(t, timedOut)
		result <- reply
	})

	select {
	case reply := <-result:
		got, ok := reply.(protocol.DirectUploadURLCmd)
		require.True(t, ok)
		assert.Equal(t, "https://upload/target", got.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("ack never resolved")
	}
}

func TestSendWithAckTimesOutWithNoReply(t *testing.T) {
	srv, _ := fakeCloud(t, func(conn *websocket.Conn, cmd protocol.Command) {
		switch cmd.(type) {
		case protocol.RegisterCmd:
			writeCmd(t, conn, protocol.NewHello(nextTestMsgID(), "ca", "c"))
		case protocol.CamRegisterCmd:
			writeCmd(t, conn, protocol.NewCamHello(nextTestMsgID(), "cam-1", "rtmp://x", "/x"))
			// get_direct_upload_url is deliberately never answered.
		}
	})
	defer srv.Close()

	ready := make(chan struct{})
	s, _ := newTestSession(t, wsURL(srv.URL), Handlers{OnPrepared: func() { close(ready) }})
	s.TryConnect(context.Background())

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("session never reached READY")
	}

	result := make(chan bool, 1)
	cmd := protocol.NewGetDirectUploadURL(s.NextMsgID(), s.CamID(), "video", "mp4", "20260101T000000", 1000, 1024, "")
	s.SendWithAck(cmd, 50*time.Millisecond, func(timedOut bool, reply protocol.Command) {
		result <- timedOut
	})

	select {
	case timedOut := <-result:
		assert.True(t, timedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("ack callback never invoked")
	}
}
