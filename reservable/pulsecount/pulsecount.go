// SPDX-License-Identifier: Apache-2.0

// Package pulsecount is the second reservable: instead of exporting the USB
// bus it keeps the board local, flashes the pulse-count firmware and
// evaluates client-supplied FPGA bitstreams over the board's serial port,
// reporting pulse totals back as events.
package pulsecount

import (
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/usbipice/usbipice/devstate"
)

// Serial framing of the pulse-count firmware.
const (
	chunkSize       = 512
	interChunkDelay = 10 * time.Microsecond
	settleDelay     = 2 * time.Second
)

// Config carries the pulse-count firmware image and the serial port opener
// (default: termios at 115200 baud).
type Config struct {
	FirmwarePath string
	OpenPort     func(devNode string) (io.ReadWriteCloser, error)
}

// Register makes the reservable selectable as "pulsecount". Reservation
// first reflashes the board with the pulse-count firmware, then enters the
// evaluating state.
func Register(r *devstate.Registry, cfg Config) {
	if cfg.OpenPort == nil {
		cfg.OpenPort = openSerial
	}
	r.Register("pulsecount", func(args map[string]any) (devstate.Factory, bool) {
		return newFlasher(cfg), true
	})
}

// flasherState only exists to chain into a flash cycle from a reservation.
type flasherState struct {
	devstate.Base
	cfg Config
}

func newFlasher(cfg Config) devstate.Factory {
	return func(d *devstate.Device) devstate.State {
		return &flasherState{Base: devstate.NewBase(d, "pulsecount-flash"), cfg: cfg}
	}
}

func (s *flasherState) Start() {
	s.Switch(devstate.NewFlash(s.cfg.FirmwarePath, newState(s.cfg), 0))
}

type bitstream struct {
	location string
	name     string
}

// State evaluates queued bitstreams one at a time: upload over serial in
// fixed chunks, wait for the firmware's pulse report, accumulate, and emit a
// results event when the queue drains.
type State struct {
	devstate.Base
	cfg Config

	port   io.ReadWriteCloser
	reader *reader

	mu      sync.Mutex
	cv      *sync.Cond
	queue   []bitstream
	results map[string]string
	exiting bool
	done    chan struct{}
}

func newState(cfg Config) devstate.Factory {
	return func(d *devstate.Device) devstate.State {
		s := &State{
			Base:    devstate.NewBase(d, "pulsecount"),
			cfg:     cfg,
			results: make(map[string]string),
			done:    make(chan struct{}),
		}
		s.cv = sync.NewCond(&s.mu)
		s.Register("evaluate", []string{"files"}, func(files map[string]string) { s.queueBitstreams(files) })
		return s
	}
}

func (s *State) Start() {
	s.Notif().SendInitialized()

	port := s.findPort()
	if port == "" {
		_ = level.Error(s.Logger()).Log("msg", "no serial interface after pulse-count flash")
		s.Switch(devstate.NewBroken())
		return
	}

	p, err := s.cfg.OpenPort(port)
	if err != nil {
		_ = level.Error(s.Logger()).Log("msg", "failed to open serial port", "node", port, "err", err)
		s.Switch(devstate.NewBroken())
		return
	}
	s.port = p
	s.reader = newReader(p)
	go s.run()
}

// findPort picks the board's interface-00 serial node.
func (s *State) findPort() string {
	for _, ev := range s.Device().Nodes() {
		if ev.Get("ID_USB_INTERFACE_NUM") == "00" && ev.DevName() != "" {
			return ev.DevName()
		}
	}
	return ""
}

// queueBitstreams is the evaluate request handler. Bitstream contents arrive
// base64-encoded keyed by the client's identifier; they are spooled to the
// device's media path before queueing.
func (s *State) queueBitstreams(files map[string]string) {
	queued := make([]bitstream, 0, len(files))
	for name, encoded := range files {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			_ = level.Warn(s.Logger()).Log("msg", "bitstream is not valid base64", "name", name)
			continue
		}
		location := filepath.Join(s.Device().MediaPath(), uuid.NewString())
		if err := os.WriteFile(location, data, 0o644); err != nil {
			_ = level.Error(s.Logger()).Log("msg", "failed to spool bitstream", "name", name, "err", err)
			continue
		}
		queued = append(queued, bitstream{location: location, name: name})
	}
	if len(queued) == 0 {
		return
	}
	_ = level.Debug(s.Logger()).Log("msg", "queued bitstreams", "count", len(queued))

	s.mu.Lock()
	s.queue = append(s.queue, queued...)
	s.mu.Unlock()
	s.cv.Broadcast()
}

func (s *State) run() {
	defer close(s.done)
	time.Sleep(settleDelay)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.exiting {
			s.cv.Wait()
		}
		if s.exiting {
			s.mu.Unlock()
			return
		}
		bs := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		_ = level.Debug(s.Logger()).Log("msg", "evaluating bitstream", "name", bs.name)
		pulses, ok := s.evaluate(bs)
		if !ok {
			// Watchdog fired mid-evaluation; requeue and try again.
			s.mu.Lock()
			s.queue = append(s.queue, bs)
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		s.results[bs.name] = pulses
		drained := len(s.queue) == 0
		var results map[string]string
		if drained {
			results = s.results
			s.results = make(map[string]string)
		}
		s.mu.Unlock()

		_ = os.Remove(bs.location)

		if drained {
			ok := s.Notif().Send(map[string]any{
				"event":   "results",
				"serial":  s.Serial(),
				"results": results,
			})
			if !ok {
				_ = level.Error(s.Logger()).Log("msg", "failed to send results")
			}
		}
	}
}

func (s *State) evaluate(bs bitstream) (string, bool) {
	data, err := os.ReadFile(bs.location)
	if err != nil {
		_ = level.Error(s.Logger()).Log("msg", "failed to read spooled bitstream", "name", bs.name, "err", err)
		return "", true // drop, not requeue: the spool file is gone
	}

	if !s.reader.waitUntilReady() {
		return "", false
	}
	_ = level.Debug(s.Logger()).Log("msg", "uploading bitstream", "name", bs.name, "bytes", len(data))

	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := s.port.Write(data[off:end]); err != nil {
			_ = level.Error(s.Logger()).Log("msg", "serial write failed", "err", err)
			return "", false
		}
		time.Sleep(interChunkDelay)
	}

	pulses, ok := s.reader.waitUntilPulse()
	if !ok {
		_ = level.Warn(s.Logger()).Log("msg", "watchdog timeout during evaluation", "name", bs.name)
		return "", false
	}
	_ = level.Debug(s.Logger()).Log("msg", "got pulse count", "name", bs.name, "pulses", pulses)
	return pulses, true
}

func (s *State) HandleExit() {
	s.mu.Lock()
	s.exiting = true
	s.mu.Unlock()
	s.cv.Broadcast()

	if s.reader != nil {
		s.reader.stop()
	}
	if s.port != nil {
		_ = s.port.Close()
		<-s.done
	}
	s.Base.HandleExit()
}
