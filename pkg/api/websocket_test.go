package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethpandaops/dvtoor/pkg/config"
	"github.com/ethpandaops/dvtoor/pkg/hub"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) hub.Event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ev hub.Event
	require.NoError(t, conn.ReadJSON(&ev))

	return ev
}

func TestWebSocket_StreamsLifecycleEvents(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.router)
	t.Cleanup(ts.Close)

	first := dialWS(t, ts, nil)
	second := dialWS(t, ts, nil)

	require.Eventually(t, func() bool { return env.hub.Count() == 2 }, 5*time.Second, 10*time.Millisecond)

	rec := env.do(t, http.MethodPost, "/api/v1/runs",
		`{"category":"boot_drive","suite_type":"ubuntu","config":{"device_path":"/dev/x"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	id := decode[submitResponse](t, rec).RunID

	for _, conn := range []*websocket.Conn{first, second} {
		started := readEvent(t, conn)
		assert.Equal(t, hub.EventStarted, started.Type)
		assert.Equal(t, id, started.RunID)
		assert.Equal(t, "boot_drive", started.Category)

		completed := readEvent(t, conn)
		assert.Equal(t, hub.EventCompleted, completed.Type)
		require.NotNil(t, completed.Results)
		assert.Equal(t, []string{"ubuntu"}, completed.Results.Names())
	}

	// A detached client stops receiving while the other carries on.
	require.NoError(t, second.Close())
	require.Eventually(t, func() bool { return env.hub.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodPost, "/api/v1/runs",
		`{"category":"boot_drive","suite_type":"centos","config":{"device_path":"/dev/x"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, hub.EventStarted, readEvent(t, first).Type)
	assert.Equal(t, hub.EventCompleted, readEvent(t, first).Type)
}

func TestWebSocket_EchoesClientMessages(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.router)
	t.Cleanup(ts.Close)

	conn := dialWS(t, ts, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping from ui")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	msgType, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, "Message received: ping from ui", string(msg))
}

func TestWebSocket_OriginCheck(t *testing.T) {
	env := newTestEnv(t, func(c *config.APIConfig) {
		c.WebSocket.AllowedOrigins = []string{"https://lab.example"}
	})
	ts := httptest.NewServer(env.router)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	dialWS(t, ts, http.Header{"Origin": {"https://lab.example"}})
}

func TestWebSocket_ClosedOnShutdown(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.router)
	t.Cleanup(ts.Close)

	conn := dialWS(t, ts, nil)
	require.Eventually(t, func() bool { return env.hub.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.srv.Stop())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
}

func TestWebSocket_ReaderExitsAfterWriter(t *testing.T) {
	h := hub.New(logrus.New(), nil, 4)
	t.Cleanup(h.Close)

	returned := make(chan struct{})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub := h.Subscribe()
		defer h.Unsubscribe(sub)

		// Nobody drains replies and the writer is already gone.
		c := &wsClient{log: logrus.New(), conn: conn, sub: sub, replies: make(chan string)}

		writerDone := make(chan struct{})
		close(writerDone)

		c.readLoop(writerDone)
		close(returned)
	}))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("late message")))

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("read loop blocked on replies after the writer exited")
	}
}
