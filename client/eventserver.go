// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"

	"github.com/usbipice/usbipice/eventbus"
)

const dialTimeout = 10 * time.Second

// Event is one received device event, already unwrapped.
type Event struct {
	Serial   string
	Name     string
	Contents map[string]any
}

// Handler consumes events from the dispatch chain.
type Handler interface {
	HandleEvent(ev Event)
	// Exit runs on event-server shutdown, for handlers owning background
	// resources.
	Exit()
}

// EventServer maintains the socket toward control plus one socket per worker
// the client holds devices on, and runs every received event through the
// handler chain in registration order.
type EventServer struct {
	clientID string
	logger   log.Logger

	mu       sync.Mutex
	handlers []Handler
	control  *wsConn
	workers  map[string]*wsConn
}

func NewEventServer(clientID string, logger log.Logger) *EventServer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &EventServer{
		clientID: clientID,
		logger:   log.With(logger, "component", "eventserver"),
		workers:  make(map[string]*wsConn),
	}
}

// AddHandler appends a handler to the chain. Not safe to call after
// reservations are in flight.
func (s *EventServer) AddHandler(h Handler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

// InsertHandler places a handler ahead of the last n handlers, so built-ins
// that must run after user handlers can stay at the tail.
func (s *EventServer) InsertHandler(h Handler, beforeLast int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := len(s.handlers) - beforeLast
	if at < 0 {
		at = 0
	}
	s.handlers = append(s.handlers[:at], append([]Handler{h}, s.handlers[at:]...)...)
}

func (s *EventServer) dispatch(ev Event) {
	s.mu.Lock()
	handlers := append([]Handler(nil), s.handlers...)
	s.mu.Unlock()
	for _, h := range handlers {
		h.HandleEvent(ev)
	}
}

// ConnectControl opens the event socket toward control.
func (s *EventServer) ConnectControl(url string) error {
	conn, err := s.dial(url)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.control = conn
	s.mu.Unlock()
	return nil
}

// ConnectWorker opens the event socket toward a worker, once per URL.
func (s *EventServer) ConnectWorker(url string) error {
	s.mu.Lock()
	if _, ok := s.workers[url]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, err := s.dial(url)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[url]; ok {
		// Raced with another reserve against the same worker.
		go conn.close()
		return nil
	}
	s.workers[url] = conn
	return nil
}

// DisconnectWorker closes a worker socket. Idempotent.
func (s *EventServer) DisconnectWorker(url string) {
	s.mu.Lock()
	conn := s.workers[url]
	delete(s.workers, url)
	s.mu.Unlock()
	if conn != nil {
		conn.close()
	}
}

// SendWorker pushes a request frame over the worker's socket. The client id
// is always stamped on.
func (s *EventServer) SendWorker(url string, payload eventbus.RequestPayload) bool {
	payload.ClientID = s.clientID

	s.mu.Lock()
	conn := s.workers[url]
	s.mu.Unlock()
	if conn == nil {
		_ = level.Warn(s.logger).Log("msg", "request for worker without socket", "url", url)
		return false
	}
	if err := conn.sendRequest(payload); err != nil {
		_ = level.Error(s.logger).Log("msg", "failed to send worker request", "url", url, "err", err)
		return false
	}
	return true
}

// Close shuts every handler and socket down.
func (s *EventServer) Close() {
	s.mu.Lock()
	handlers := append([]Handler(nil), s.handlers...)
	control := s.control
	s.control = nil
	workers := make([]*wsConn, 0, len(s.workers))
	for _, conn := range s.workers {
		workers = append(workers, conn)
	}
	s.workers = make(map[string]*wsConn)
	s.mu.Unlock()

	for _, h := range handlers {
		h.Exit()
	}
	if control != nil {
		control.close()
	}
	for _, conn := range workers {
		conn.close()
	}
}

// socketURL converts a server's HTTP base URL into its socket endpoint.
func socketURL(base string) string {
	url := base
	if strings.HasPrefix(url, "http://") {
		url = "ws://" + strings.TrimPrefix(url, "http://")
	} else if strings.HasPrefix(url, "https://") {
		url = "wss://" + strings.TrimPrefix(url, "https://")
	}
	return strings.TrimSuffix(url, "/") + "/socket"
}

func (s *EventServer) dial(base string) (*wsConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.Dial(socketURL(base), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect socket to %s", base)
	}

	auth, err := eventbus.EncodeAuth(s.clientID)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, auth); err != nil {
		_ = ws.Close()
		return nil, errors.Wrapf(err, "failed to authenticate socket to %s", base)
	}

	conn := &wsConn{
		ws:     ws,
		logger: log.With(s.logger, "url", base),
		server: s,
	}
	go conn.readLoop()
	_ = level.Info(conn.logger).Log("msg", "socket connected")
	return conn, nil
}

type wsConn struct {
	ws     *websocket.Conn
	logger log.Logger
	server *EventServer

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) sendRequest(payload eventbus.RequestPayload) error {
	raw, err := eventbus.EncodeRequest(payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(dialTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { _ = c.ws.Close() })
}

func (c *wsConn) readLoop() {
	for {
		var frame eventbus.Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			_ = level.Warn(c.logger).Log("msg", "socket disconnected", "err", err)
			return
		}
		if frame.Kind != "event" {
			_ = level.Warn(c.logger).Log("msg", "unexpected frame kind", "kind", frame.Kind)
			continue
		}
		var payload eventbus.EventPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			_ = level.Error(c.logger).Log("msg", "unparsable event frame", "err", err)
			continue
		}
		name, _ := payload.Contents["event"].(string)
		if payload.Serial == "" || name == "" {
			_ = level.Error(c.logger).Log("msg", "bad event contents")
			continue
		}
		// Handlers project fields from the contents; make sure the serial is
		// always there even for control-originated events.
		payload.Contents["serial"] = payload.Serial

		_ = level.Debug(c.logger).Log("msg", "received event", "event", name, "serial", payload.Serial)
		c.server.dispatch(Event{Serial: payload.Serial, Name: name, Contents: payload.Contents})
	}
}
