// SPDX-License-Identifier: Apache-2.0

// Package worker runs one process per host with attached boards: it owns the
// per-device state machines, terminates client sockets and serves the
// control plane's reserve/unreserve commands.
package worker

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbipice/usbipice/devstate"
	"github.com/usbipice/usbipice/eventbus"
	"github.com/usbipice/usbipice/store"
	"github.com/usbipice/usbipice/udev"
)

// Manager tracks device events and routes them to their Device. It also
// fans raw kernel events to states that subscribed to them (usbip disconnect
// detection) and keeps the per-serial node cache states replay on entry.
type Manager struct {
	name    string
	st      store.Store
	sender  *eventbus.Sender
	devOpts devstate.Options
	logger  log.Logger

	mu           sync.Mutex
	devs         map[string]*devstate.Device
	nodes        map[string]map[string]udev.Event
	kernelAdd    map[string]bool
	kernelRemove map[string]bool
	exiting      bool
}

func NewManager(name string, st store.Store, sender *eventbus.Sender, devOpts devstate.Options, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{
		name:         name,
		st:           st,
		sender:       sender,
		devOpts:      devOpts,
		logger:       log.With(logger, "component", "manager"),
		devs:         make(map[string]*devstate.Device),
		nodes:        make(map[string]map[string]udev.Event),
		kernelAdd:    make(map[string]bool),
		kernelRemove: make(map[string]bool),
	}
}

// Seed replays already-present devices (from a sysfs enumeration) as add
// events so boards plugged in before the worker started are picked up.
func (m *Manager) Seed(events []udev.Event) {
	_ = m.logger.Log("msg", "scanning for devices", "candidates", len(events))
	for _, ev := range events {
		m.HandleUdevEvent("add", ev)
	}
	_ = m.logger.Log("msg", "finished scan")
}

// HandleUdevEvent takes one user-space device event, creates the Device on
// first sight of a new serial and routes the event to it.
func (m *Manager) HandleUdevEvent(action string, ev udev.Event) {
	serial := ev.Serial()
	if serial == "" {
		return
	}

	m.mu.Lock()
	if m.exiting {
		m.mu.Unlock()
		return
	}
	m.cacheNodeLocked(action, serial, ev)
	dev := m.devs[serial]
	m.mu.Unlock()

	if dev == nil {
		if dev = m.createDevice(serial); dev == nil {
			return
		}
	}
	dev.HandleDeviceEvent(action, ev)
}

func (m *Manager) cacheNodeLocked(action, serial string, ev udev.Event) {
	devName := ev.DevName()
	if devName == "" {
		return
	}
	switch action {
	case "add":
		if m.nodes[serial] == nil {
			m.nodes[serial] = make(map[string]udev.Event)
		}
		m.nodes[serial][devName] = ev
	case "remove":
		delete(m.nodes[serial], devName)
	}
}

func (m *Manager) createDevice(serial string) *devstate.Device {
	if err := m.st.AddDevice(serial, m.name); err != nil {
		_ = level.Error(m.logger).Log("msg", "failed to add device to store", "serial", serial, "err", err)
	}
	notif := devstate.NewNotifier(m.sender, serial, log.With(m.logger, "serial", serial))
	dev, err := devstate.NewDevice(serial, m, m.st, notif, m.logger, m.devOpts)
	if err != nil {
		_ = level.Error(m.logger).Log("msg", "failed to create device", "serial", serial, "err", err)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.devs[serial]; existing != nil {
		// Lost a race with a concurrent event for the same serial.
		dev.Exit()
		return existing
	}
	m.devs[serial] = dev
	return dev
}

// HandleKernelEvent fans one raw kernel event to every device that enabled
// the matching subscription. Only root USB device nodes are considered; the
// rest is noise at this level.
func (m *Manager) HandleKernelEvent(action string, ev udev.Event) {
	if ev.Subsystem() != "usb" || ev.DevType() != "usb_device" {
		return
	}

	m.mu.Lock()
	var subscribed map[string]bool
	switch action {
	case "add":
		subscribed = m.kernelAdd
	case "remove":
		subscribed = m.kernelRemove
	default:
		m.mu.Unlock()
		return
	}
	targets := make([]*devstate.Device, 0, len(subscribed))
	for serial := range subscribed {
		if dev := m.devs[serial]; dev != nil {
			targets = append(targets, dev)
		}
	}
	m.mu.Unlock()

	for _, dev := range targets {
		dev.HandleKernelEvent(action, ev)
	}
}

// Nodes implements devstate.Host.
func (m *Manager) Nodes(serial string) []udev.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]udev.Event, 0, len(m.nodes[serial]))
	for _, ev := range m.nodes[serial] {
		out = append(out, ev)
	}
	return out
}

func (m *Manager) EnableKernelAdd(serial string) {
	m.mu.Lock()
	m.kernelAdd[serial] = true
	m.mu.Unlock()
}

func (m *Manager) DisableKernelAdd(serial string) {
	m.mu.Lock()
	delete(m.kernelAdd, serial)
	m.mu.Unlock()
}

func (m *Manager) EnableKernelRemove(serial string) {
	m.mu.Lock()
	m.kernelRemove[serial] = true
	m.mu.Unlock()
}

func (m *Manager) DisableKernelRemove(serial string) {
	m.mu.Lock()
	delete(m.kernelRemove, serial)
	m.mu.Unlock()
}

// Reserve switches the named device into a reservable state.
func (m *Manager) Reserve(serial, kind string, args map[string]any) bool {
	dev := m.device(serial)
	if dev == nil {
		_ = level.Error(m.logger).Log("msg", "reserve for unknown device", "serial", serial)
		return false
	}
	return dev.Reserve(kind, args)
}

// Unreserve reflashes the named device back to a clean default.
func (m *Manager) Unreserve(serial string) bool {
	dev := m.device(serial)
	if dev == nil {
		return false
	}
	return dev.Unreserve()
}

// HandleRequest routes a client socket request to the device's current
// state.
func (m *Manager) HandleRequest(serial, event string, contents map[string]any) {
	dev := m.device(serial)
	if dev == nil {
		_ = level.Warn(m.logger).Log("msg", "request for unknown device", "serial", serial, "event", event)
		return
	}
	if !dev.HandleRequest(event, contents) {
		_ = level.Warn(m.logger).Log("msg", "request not handled", "serial", serial, "event", event)
	}
}

func (m *Manager) device(serial string) *devstate.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devs[serial]
}

// Close tears down every device state (releasing physical resources),
// deregisters the worker and pushes failure events to clients that still
// held reservations here.
func (m *Manager) Close() {
	m.mu.Lock()
	m.exiting = true
	devs := make([]*devstate.Device, 0, len(m.devs))
	for _, dev := range m.devs {
		devs = append(devs, dev)
	}
	m.mu.Unlock()

	for _, dev := range devs {
		dev.Exit()
	}

	ended, err := m.st.RemoveWorker(m.name)
	if err != nil {
		_ = level.Warn(m.logger).Log("msg", "failed to remove worker from store", "err", err)
		return
	}
	for _, e := range ended {
		m.sender.SendTo(e.ClientID, e.Serial, map[string]any{
			"event":  "failure",
			"serial": e.Serial,
		})
	}
}
