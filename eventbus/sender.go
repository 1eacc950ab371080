// SPDX-License-Identifier: Apache-2.0

package eventbus

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// DefaultGrace is how long a session survives without a bound socket.
const DefaultGrace = 60 * time.Second

// CallbackLookup resolves a serial to the client id of its active
// reservation. Backed by the store's getDeviceCallback procedure; "" means no
// reservation.
type CallbackLookup func(serial string) (string, error)

// Sender routes device events to per-client buffered sessions. Both the
// worker and control processes run one.
type Sender struct {
	lookup CallbackLookup
	grace  time.Duration
	logger log.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func NewSender(lookup CallbackLookup, grace time.Duration, logger log.Logger) *Sender {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Sender{
		lookup:   lookup,
		grace:    grace,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

func (s *Sender) startSession(clientID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[clientID]
	if sess == nil {
		sess = newSession(clientID, s.grace, s.endSession, s.logger)
		s.sessions[clientID] = sess
	}
	return sess
}

func (s *Sender) endSession(clientID string) {
	s.mu.Lock()
	delete(s.sessions, clientID)
	s.mu.Unlock()
}

// AddSocket binds sock to clientID's session, creating it on first contact,
// and flushes anything buffered while the client was away.
func (s *Sender) AddSocket(sock Socket, clientID string) {
	s.startSession(clientID).bind(sock)
}

// RemoveSocket unbinds the session's socket. Buffered messages stay queued
// until the grace window runs out.
func (s *Sender) RemoveSocket(clientID string) {
	s.mu.Lock()
	sess := s.sessions[clientID]
	s.mu.Unlock()
	if sess == nil {
		_ = level.Warn(s.logger).Log("msg", "remove socket for unknown session", "client_id", clientID)
		return
	}
	sess.unbind()
}

// Send routes one event for serial to whichever client currently holds its
// reservation. Events for unreserved serials are dropped.
func (s *Sender) Send(serial string, contents map[string]any) bool {
	clientID, err := s.lookup(serial)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "failed to look up device callback", "serial", serial, "err", err)
		return false
	}
	if clientID == "" {
		_ = level.Warn(s.logger).Log("msg", "event for unreserved serial dropped", "serial", serial)
		return false
	}
	return s.SendTo(clientID, serial, contents)
}

// SendTo enqueues one event for serial under clientID's session directly,
// for callers that already resolved the owner (e.g. reservation teardown,
// where the row is gone by the time the event goes out).
func (s *Sender) SendTo(clientID, serial string, contents map[string]any) bool {
	payload, err := EncodeEvent(serial, contents)
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "failed to encode event", "serial", serial, "err", err)
		return false
	}
	s.startSession(clientID).enqueue(payload)
	return true
}

// Close stops every session goroutine. Buffered messages are dropped.
func (s *Sender) Close() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.stop()
	}
}
