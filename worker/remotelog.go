// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
)

const (
	remoteLogFlushPeriod = 5 * time.Second
	remoteLogMaxBacklog  = 256
	remoteLogTimeout     = 10 * time.Second
)

// RemoteLogger tees log records to control's /log endpoint so worker logs
// are visible centrally. Local logging always happens; the relay is
// best-effort with a bounded backlog that drops oldest on overflow.
type RemoteLogger struct {
	next       log.Logger
	controlURL string
	name       string
	client     *http.Client

	mu      sync.Mutex
	backlog [][]any

	stop     chan struct{}
	stopOnce sync.Once
}

func NewRemoteLogger(next log.Logger, controlURL, name string) *RemoteLogger {
	r := &RemoteLogger{
		next:       next,
		controlURL: controlURL,
		name:       name,
		client:     &http.Client{Timeout: remoteLogTimeout},
		stop:       make(chan struct{}),
	}
	go r.flushLoop()
	return r
}

// Log implements log.Logger.
func (r *RemoteLogger) Log(keyvals ...any) error {
	err := r.next.Log(keyvals...)

	line := make(map[string]any, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		line[fmt.Sprintf("%v", keyvals[i])] = keyvals[i+1]
	}
	levelName := fmt.Sprintf("%v", line["level"])
	delete(line, "level")
	encoded, encodeErr := json.Marshal(line)
	if encodeErr != nil {
		return err
	}

	r.mu.Lock()
	r.backlog = append(r.backlog, []any{levelName, string(encoded)})
	if len(r.backlog) > remoteLogMaxBacklog {
		r.backlog = r.backlog[len(r.backlog)-remoteLogMaxBacklog:]
	}
	r.mu.Unlock()
	return err
}

func (r *RemoteLogger) flushLoop() {
	ticker := time.NewTicker(remoteLogFlushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-r.stop:
			r.flush()
			return
		}
	}
}

func (r *RemoteLogger) flush() {
	r.mu.Lock()
	batch := r.backlog
	r.backlog = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	raw, err := json.Marshal(map[string]any{"name": r.name, "logs": batch})
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodGet, r.controlURL+"/log", bytes.NewReader(raw))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := r.client.Do(req)
	if err != nil {
		// Requeue at the front so order survives a control hiccup.
		r.mu.Lock()
		r.backlog = append(batch, r.backlog...)
		if len(r.backlog) > remoteLogMaxBacklog {
			r.backlog = r.backlog[len(r.backlog)-remoteLogMaxBacklog:]
		}
		r.mu.Unlock()
		return
	}
	_ = res.Body.Close()
}

// Close flushes what is queued and stops the relay.
func (r *RemoteLogger) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}
