// SPDX-License-Identifier: Apache-2.0

package eventbus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	authDeadline = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// RequestSink consumes request frames a client pushes over a worker socket.
// Return values of handlers are not forwarded; any reply travels as a
// separately emitted event.
type RequestSink func(serial, event string, contents map[string]any)

// Endpoint upgrades HTTP connections to the event socket channel and wires
// them into a Sender. Workers additionally pass a RequestSink; control passes
// nil and inbound request frames are dropped with a warning.
type Endpoint struct {
	sender   *Sender
	requests RequestSink
	logger   log.Logger
	upgrader websocket.Upgrader
}

func NewEndpoint(sender *Sender, requests RequestSink, logger log.Logger) *Endpoint {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Endpoint{
		sender:   sender,
		requests: requests,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are library processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler is the gin route for the socket channel.
func (e *Endpoint) Handler(c *gin.Context) {
	conn, err := e.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		_ = level.Warn(e.logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}
	go e.serve(conn)
}

func (e *Endpoint) serve(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	// First frame must identify the client.
	_ = conn.SetReadDeadline(time.Now().Add(authDeadline))
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil || frame.Kind != "auth" {
		_ = level.Warn(e.logger).Log("msg", "socket connection without auth frame")
		return
	}
	var auth Auth
	if err := json.Unmarshal(frame.Data, &auth); err != nil || auth.ClientID == "" {
		_ = level.Warn(e.logger).Log("msg", "socket connection without client id")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	sock := &wsSocket{id: uuid.NewString(), conn: conn}
	e.sender.AddSocket(sock, auth.ClientID)
	defer e.sender.RemoveSocket(auth.ClientID)

	logger := log.With(e.logger, "client_id", auth.ClientID)
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				_ = level.Warn(logger).Log("msg", "socket closed unexpectedly", "err", err)
			}
			return
		}
		if frame.Kind != "request" {
			_ = level.Warn(logger).Log("msg", "unexpected frame kind", "kind", frame.Kind)
			continue
		}
		if e.requests == nil {
			_ = level.Warn(logger).Log("msg", "request frame on a server without request handling")
			continue
		}
		var req RequestPayload
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			_ = level.Warn(logger).Log("msg", "unparsable request frame", "err", err)
			continue
		}
		if req.Serial == "" || req.Event == "" || req.Contents == nil {
			_ = level.Warn(logger).Log("msg", "bad request packet", "serial", req.Serial, "event", req.Event)
			continue
		}
		e.requests(req.Serial, req.Event, req.Contents)
	}
}

// wsSocket adapts one websocket connection to the Socket interface. A write
// mutex serializes writes to the connection.
type wsSocket struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSocket) ID() string { return s.id }

func (s *wsSocket) WriteEvent(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}
