package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after sending a
	// ping before considering the connection dead.
	pongWait = 90 * time.Second

	// pingPeriod is how often the server sends a ping frame (§4.7
	// "keep-alive"). Must be less than pongWait so the client has time to
	// reply.
	pingPeriod = 30 * time.Second

	// maxMessageSize bounds a single incoming request frame. Requests carry
	// prompt text, so the limit is generous compared to the teacher's
	// push-only protocol.
	maxMessageSize = 1 << 20 // 1 MiB

	// sendBufferSize is the capacity of the per-client outbound channel. A
	// client whose buffer fills is considered too slow and is disconnected.
	sendBufferSize = 64

	// authGrace bounds how long an unauthenticated connection may wait for
	// its first frame (the auth frame) before being dropped.
	authGrace = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client represents one connected WebSocket peer. Mirrors the teacher's
// websocket.Client split into readPump/writePump goroutines, generalized to
// a bidirectional protocol: readPump decodes Request frames and dispatches
// them instead of only watching for disconnection.
type client struct {
	server *Server
	conn   *websocket.Conn
	send   chan any
	id     string

	authenticated bool
	logger        *zap.Logger
}

func newClient(server *Server, w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &client{
		server: server,
		conn:   conn,
		send:   make(chan any, sendBufferSize),
		id:     id,
		logger: logger.With(zap.String("connId", id), zap.String("remoteAddr", r.RemoteAddr)),
	}, nil
}

// run authenticates the connection (if required), then registers it with
// the server and pumps frames until the connection closes.
func (c *client) run(queryToken string) {
	defer c.conn.Close()

	if !c.authenticate(queryToken) {
		return
	}

	c.server.registerClient(c)
	defer c.server.unregisterClient(c)

	go c.writePump()
	c.readPump()
}

// authenticate implements §4.7: no validator configured means every
// connection is auto-authenticated; otherwise a query token is checked
// immediately, or the client gets one grace period to send an auth frame.
func (c *client) authenticate(queryToken string) bool {
	if c.server.cfg.Validator == nil {
		c.authenticated = true
		return true
	}
	if queryToken != "" {
		if _, err := c.server.cfg.Validator.Validate(queryToken); err != nil {
			c.closeUnauthorized()
			return false
		}
		c.authenticated = true
		return true
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(authGrace))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.closeUnauthorized()
		return false
	}

	var frame authFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "auth" {
		c.closeUnauthorized()
		return false
	}
	if _, err := c.server.cfg.Validator.Validate(frame.Token); err != nil {
		c.closeUnauthorized()
		return false
	}

	c.authenticated = true
	if frame.RequestID != "" {
		_ = c.conn.WriteJSON(okResponse(frame.RequestID, map[string]bool{"authenticated": true}))
	}
	return true
}

func (c *client) closeUnauthorized() {
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(4001, "unauthorized"), deadline)
}

// readPump decodes and dispatches Request frames until the connection
// closes, then unregisters via the deferred calls in run.
func (c *client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.send <- errorResponse("", ErrCodeParse, "malformed request frame")
			continue
		}
		go c.server.dispatch(c, req)
	}
}

// writePump is the sole writer to conn — gorilla/websocket connections are
// not safe for concurrent writes.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}
