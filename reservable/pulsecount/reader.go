// SPDX-License-Identifier: Apache-2.0

package pulsecount

import (
	"io"
	"regexp"
	"sync"
)

var (
	pulsePattern    = regexp.MustCompile(`pulses: ([0-9]+)`)
	watchdogPattern = regexp.MustCompile(`Watchdog timeout`)
	readyPattern    = regexp.MustCompile(`Waiting for bitstream transfer`)
)

// reader tails the pulse-count firmware's serial output and converts its
// line markers into waitable conditions: ready-for-transfer, pulse report,
// watchdog reset.
type reader struct {
	port io.Reader

	mu        sync.Mutex
	cv        *sync.Cond
	ready     bool
	lastPulse string
	hasPulse  bool
	watchdog  bool
	exiting   bool
}

func newReader(port io.Reader) *reader {
	r := &reader{port: port, ready: true}
	r.cv = sync.NewCond(&r.mu)
	go r.read()
	return r
}

func (r *reader) read() {
	buf := make([]byte, 4096)
	var window []byte
	for {
		n, err := r.port.Read(buf)
		if n > 0 {
			window = append(window, buf[:n]...)
			// Keep a bounded tail; markers are short.
			if len(window) > 8192 {
				window = window[len(window)-4096:]
			}
			r.scan(&window)
		}
		if err != nil {
			r.mu.Lock()
			r.exiting = true
			r.mu.Unlock()
			r.cv.Broadcast()
			return
		}
	}
}

func (r *reader) scan(window *[]byte) {
	data := *window
	notify := false

	if m := pulsePattern.FindSubmatchIndex(data); m != nil {
		r.mu.Lock()
		r.lastPulse = string(data[m[2]:m[3]])
		r.hasPulse = true
		r.mu.Unlock()
		data = data[m[1]:]
		notify = true
	}
	if m := watchdogPattern.FindIndex(data); m != nil {
		r.mu.Lock()
		r.watchdog = true
		r.mu.Unlock()
		data = data[m[1]:]
		notify = true
	}
	if m := readyPattern.FindIndex(data); m != nil {
		r.mu.Lock()
		r.ready = true
		r.mu.Unlock()
		data = data[m[1]:]
		notify = true
	}

	*window = data
	if notify {
		r.cv.Broadcast()
	}
}

// waitUntilReady blocks until the firmware asks for a transfer. The reader
// starts out ready, so the first call returns at once. Returns false when
// the reader shut down instead.
func (r *reader) waitUntilReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for !r.ready && !r.exiting {
		r.cv.Wait()
	}
	if r.exiting {
		return false
	}
	r.ready = false
	return true
}

// waitUntilPulse blocks until a pulse report or a watchdog reset. Returns
// the pulse count and true, or "" and false on watchdog or shutdown.
func (r *reader) waitUntilPulse() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for !r.hasPulse && !r.watchdog && !r.exiting {
		r.cv.Wait()
	}
	if r.exiting || r.watchdog {
		r.watchdog = false
		return "", false
	}
	pulse := r.lastPulse
	r.hasPulse = false
	return pulse, true
}

func (r *reader) stop() {
	r.mu.Lock()
	r.exiting = true
	r.mu.Unlock()
	r.cv.Broadcast()
}
