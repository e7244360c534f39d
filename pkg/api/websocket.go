package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/ethpandaops/dvtoor/pkg/hub"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsPongTimeout    = 60 * time.Second
	wsPingInterval   = (wsPongTimeout * 9) / 10
	wsMaxMessageSize = 64 * 1024
	wsReplyBuffer    = 16
)

func (s *server) upgrader() *websocket.Upgrader {
	allowed := s.cfg.WebSocket.AllowedOrigins

	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 || slices.Contains(allowed, "*") {
				return true
			}

			return slices.Contains(allowed, r.Header.Get("Origin"))
		},
	}
}

// handleWebSocket attaches the client to the event hub. Every lifecycle
// event is pushed as JSON; text frames from the client are acknowledged.
func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.log.WithError(err).Debug("WebSocket upgrade failed")

		return
	}

	sub := s.hub.Subscribe()

	log := s.log.WithFields(logrus.Fields{
		"subscriber": sub.ID(),
		"remote":     r.RemoteAddr,
	})
	log.Debug("WebSocket client attached")

	c := &wsClient{
		log:     log,
		conn:    conn,
		sub:     sub,
		replies: make(chan string, wsReplyBuffer),
	}

	c.serve(s.done)

	s.hub.Unsubscribe(sub)
	log.WithField("connected", time.Since(sub.AttachedAt()).Round(time.Second).String()).
		Debug("WebSocket client detached")
}

// wsClient owns one connection. Only the write loop writes to conn.
type wsClient struct {
	log     logrus.FieldLogger
	conn    *websocket.Conn
	sub     *hub.Subscriber
	replies chan string
}

func (c *wsClient) serve(shutdown <-chan struct{}) {
	readerDone := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(readerDone)

		c.readLoop(writerDone)
	}()

	c.writeLoop(shutdown, readerDone)

	close(writerDone)
	_ = c.conn.Close()
	<-readerDone
}

// readLoop forwards client text frames to the write loop until the
// connection fails or the write loop is gone.
func (c *wsClient) readLoop(writerDone <-chan struct{}) {
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		msgType, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("WebSocket read error")
			}

			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		select {
		case c.replies <- string(msg):
		case <-c.sub.Done():
			return
		case <-writerDone:
			return
		}
	}
}

func (c *wsClient) writeLoop(shutdown, readerDone <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		var err error

		select {
		case ev := <-c.sub.Events():
			err = c.write(func() error { return c.conn.WriteJSON(ev) })
		case msg := <-c.replies:
			err = c.write(func() error {
				return c.conn.WriteMessage(websocket.TextMessage, []byte("Message received: "+msg))
			})
		case <-ticker.C:
			err = c.write(func() error {
				return c.conn.WriteMessage(websocket.PingMessage, nil)
			})
		case <-c.sub.Done():
			// Evicted for falling behind, or the hub closed.
			c.close(websocket.ClosePolicyViolation, "subscription ended")

			return
		case <-shutdown:
			c.close(websocket.CloseGoingAway, "server shutting down")

			return
		case <-readerDone:
			return
		}

		if err != nil {
			c.log.WithError(err).Debug("WebSocket write failed")

			return
		}
	}
}

func (c *wsClient) write(fn func() error) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}

	return fn()
}

func (c *wsClient) close(code int, reason string) {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(wsWriteTimeout),
	)
}
