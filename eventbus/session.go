// SPDX-License-Identifier: Apache-2.0

package eventbus

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Socket is one bound client connection. Writes must be safe to call from
// the session goroutine only.
type Socket interface {
	ID() string
	// WriteEvent pushes one event frame. An error unbinds nothing by itself;
	// the session keeps the message at the head of its queue and retries it
	// on the next enqueue or bind.
	WriteEvent(payload []byte) error
}

type sessionCmd struct {
	bind    Socket
	unbind  bool
	enqueue []byte
	stop    bool
}

// session is the actor owning one client's message queue and bound socket.
// All state is confined to the run goroutine; Sender talks to it through the
// command channel.
type session struct {
	clientID string
	grace    time.Duration
	onExpire func(clientID string)
	logger   log.Logger

	cmds chan sessionCmd
}

func newSession(clientID string, grace time.Duration, onExpire func(string), logger log.Logger) *session {
	s := &session{
		clientID: clientID,
		grace:    grace,
		onExpire: onExpire,
		logger:   log.With(logger, "client_id", clientID),
		cmds:     make(chan sessionCmd, 64),
	}
	go s.run()
	return s
}

func (s *session) bind(sock Socket)  { s.cmds <- sessionCmd{bind: sock} }
func (s *session) unbind()           { s.cmds <- sessionCmd{unbind: true} }
func (s *session) enqueue(msg []byte) { s.cmds <- sessionCmd{enqueue: msg} }
func (s *session) stop()             { s.cmds <- sessionCmd{stop: true} }

func (s *session) run() {
	var (
		queue [][]byte
		sock  Socket
	)
	// The grace timer tears the session down if no socket binds in time,
	// both right after creation and after a disconnect.
	grace := time.NewTimer(s.grace)
	defer grace.Stop()

	stopGrace := func() {
		if !grace.Stop() {
			select {
			case <-grace.C:
			default:
			}
		}
	}
	startGrace := func() {
		stopGrace()
		grace.Reset(s.grace)
	}

	flush := func() {
		if sock == nil {
			return
		}
		sent := 0
		for len(queue) > 0 {
			if err := sock.WriteEvent(queue[0]); err != nil {
				_ = level.Warn(s.logger).Log("msg", "socket write failed during flush", "err", err)
				return
			}
			queue = queue[1:]
			sent++
		}
		if sent > 0 {
			_ = level.Debug(s.logger).Log("msg", "flushed events", "count", sent)
		}
	}

	for {
		select {
		case cmd := <-s.cmds:
			switch {
			case cmd.bind != nil:
				sock = cmd.bind
				stopGrace()
				_ = level.Info(s.logger).Log("msg", "socket connected", "sock_id", sock.ID())
				flush()
			case cmd.unbind:
				sock = nil
				startGrace()
				_ = level.Info(s.logger).Log("msg", "socket disconnected")
			case cmd.enqueue != nil:
				queue = append(queue, cmd.enqueue)
				flush()
			case cmd.stop:
				return
			}
		case <-grace.C:
			if sock == nil {
				_ = level.Warn(s.logger).Log("msg", "client did not connect in time", "dropped", len(queue))
				s.onExpire(s.clientID)
				return
			}
		}
	}
}
