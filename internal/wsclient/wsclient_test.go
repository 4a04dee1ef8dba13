package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conns <- conn
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if conn.WriteMessage(mt, data) != nil {
				return
			}
		}
	}))
	return srv, conns
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestConnectAndEchoRoundTrip(t *testing.T) {
	srv, _ := echoServer(t)
	defer srv.Close()

	var mu sync.Mutex
	var received []byte
	gotMsg := make(chan struct{})

	c := New(wsURL(srv.URL), nil, Callbacks{
		OnMessage: func(data []byte) {
			mu.Lock()
			received = append([]byte{}, data...)
			mu.Unlock()
			close(gotMsg)
		},
	}, nil)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.True(t, c.Send([]byte("hello")))

	select {
	case <-gotMsg:
	case <-time.After(time.Second):
		t.Fatal("no echo received")
	}
	mu.Lock()
	assert.Equal(t, "hello", string(received))
	mu.Unlock()
}

func TestOnConnectedCalled(t *testing.T) {
	srv, _ := echoServer(t)
	defer srv.Close()

	connected := make(chan struct{})
	c := New(wsURL(srv.URL), nil, Callbacks{OnConnected: func() { close(connected) }}, nil)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnected never called")
	}
}

func TestDisconnectCallbackOnServerClose(t *testing.T) {
	srv, conns := echoServer(t)
	defer srv.Close()

	disconnected := make(chan struct{})
	c := New(wsURL(srv.URL), nil, Callbacks{
		OnDisconnected: func(err error) { close(disconnected) },
	}, nil)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	serverConn := <-conns
	serverConn.Close()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected never called")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv, _ := echoServer(t)
	defer srv.Close()

	c := New(wsURL(srv.URL), nil, Callbacks{}, nil)
	require.NoError(t, c.Connect(context.Background()))
	c.Close()
	c.Close()
}

func TestSendAfterCloseFails(t *testing.T) {
	srv, _ := echoServer(t)
	defer srv.Close()

	c := New(wsURL(srv.URL), nil, Callbacks{}, nil)
	require.NoError(t, c.Connect(context.Background()))
	c.Close()
	assert.False(t, c.Send([]byte("x")))
}
