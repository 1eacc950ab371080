// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbipice/usbipice/adapter"
)

// Unbinder is what the detector triggers on a silent detach: drop the
// worker-side binding so the next export cycle re-attaches us.
type Unbinder interface {
	Unbind(serial string) bool
}

// deviceStatus tracks what bus one serial is attached on and when it last
// showed signs of life.
type deviceStatus struct {
	mu        sync.Mutex
	ip        string
	bus       string
	lastEvent time.Time
	timedOut  bool
}

func (d *deviceStatus) updateBus(bus string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bus = bus
	if now.After(d.lastEvent) {
		d.lastEvent = now
	}
}

func (d *deviceStatus) activity(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if now.After(d.lastEvent) {
		d.lastEvent = now
	}
}

// checkTimeout refreshes from the port listing and records whether the
// device has been quiet past the timeout.
func (d *deviceStatus) checkTimeout(listing map[string][]string, now time.Time, timeout time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, bus := range listing[d.ip] {
		if bus == d.bus {
			d.lastEvent = now
			break
		}
	}
	d.timedOut = now.Sub(d.lastEvent) > timeout
	return d.timedOut
}

// consumeTimeout reports a pending timeout and suppresses further ones for
// the delay window.
func (d *deviceStatus) consumeTimeout(now time.Time, delay time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.timedOut {
		return false
	}
	d.timedOut = false
	d.lastEvent = now.Add(delay)
	return true
}

// TimeoutDetector verifies the local side of USB/IP attachments: the
// transport can silently drop the client while the worker still believes it
// is attached. It refreshes per-serial activity from local device events and
// the polled port listing, and forces a re-bind when a serial goes quiet.
type TimeoutDetector struct {
	HandlerBase
	unbinder Unbinder
	lister   adapter.PortLister
	logger   log.Logger

	poll    time.Duration
	timeout time.Duration
	delay   time.Duration
	now     func() time.Time

	mu      sync.Mutex
	devices map[string]*deviceStatus

	stop     chan struct{}
	stopOnce sync.Once
}

// TimeoutDetectorConfig overrides the polling defaults; zero values keep
// them.
type TimeoutDetectorConfig struct {
	Poll    time.Duration
	Timeout time.Duration
	Delay   time.Duration
}

func NewTimeoutDetector(unbinder Unbinder, lister adapter.PortLister, cfg TimeoutDetectorConfig, logger log.Logger) *TimeoutDetector {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 4 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 15 * time.Second
	}
	d := &TimeoutDetector{
		HandlerBase: NewHandlerBase(logger),
		unbinder:    unbinder,
		lister:      lister,
		logger:      log.With(logger, "component", "timeout-detector"),
		poll:        cfg.Poll,
		timeout:     cfg.Timeout,
		delay:       cfg.Delay,
		now:         time.Now,
		devices:     make(map[string]*deviceStatus),
		stop:        make(chan struct{}),
	}
	d.Register("export", []string{"serial", "busid", "server_ip"}, d.handleExport)
	d.Register("reservation end", []string{"serial"}, func(serial string) { d.remove(serial) })
	d.Register("failure", []string{"serial"}, func(serial string) { d.remove(serial) })
	go d.pollLoop()
	return d
}

func (d *TimeoutDetector) handleExport(serial, busID, serverIP string) {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev := d.devices[serial]; dev != nil {
		dev.updateBus(busID, now)
		return
	}
	d.devices[serial] = &deviceStatus{ip: serverIP, bus: busID, lastEvent: now}
}

func (d *TimeoutDetector) remove(serial string) {
	d.mu.Lock()
	delete(d.devices, serial)
	d.mu.Unlock()
}

// Activity refreshes a serial's liveness from a local USB event.
func (d *TimeoutDetector) Activity(serial string) {
	d.mu.Lock()
	dev := d.devices[serial]
	d.mu.Unlock()
	if dev != nil {
		dev.activity(d.now())
	}
}

func (d *TimeoutDetector) pollLoop() {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.pollOnce()
		case <-d.stop:
			return
		}
	}
}

func (d *TimeoutDetector) pollOnce() {
	listing, err := d.lister.PortListing()
	if err != nil {
		_ = level.Warn(d.logger).Log("msg", "port listing failed", "err", err)
		return
	}

	d.mu.Lock()
	devices := make(map[string]*deviceStatus, len(d.devices))
	for serial, dev := range d.devices {
		devices[serial] = dev
	}
	d.mu.Unlock()

	now := d.now()
	for serial, dev := range devices {
		if dev.checkTimeout(listing, now, d.timeout) {
			_ = level.Warn(d.logger).Log("msg", "device timed out", "serial", serial)
		}
	}
	for serial, dev := range devices {
		if dev.consumeTimeout(now, d.delay) {
			if !d.unbinder.Unbind(serial) {
				_ = level.Error(d.logger).Log("msg", "failed to trigger re-bind", "serial", serial)
			}
		}
	}
}

func (d *TimeoutDetector) Exit() {
	d.stopOnce.Do(func() { close(d.stop) })
}
