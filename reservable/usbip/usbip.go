// SPDX-License-Identifier: Apache-2.0

// Package usbip is the canonical reservable: it exports the reserved board's
// USB bus through the host's USB/IP layer and keeps the owning client
// informed about bind state.
package usbip

import (
	"github.com/go-kit/log/level"

	"github.com/usbipice/usbipice/adapter"
	"github.com/usbipice/usbipice/devstate"
	"github.com/usbipice/usbipice/udev"
)

// Config carries what an export needs: the driver plus the coordinates
// clients attach to.
type Config struct {
	Driver adapter.ExportDriver
	// ServerIP and USBIPPort are advertised in export events; they are the
	// worker's reachable address, not necessarily its bind address.
	ServerIP  string
	USBIPPort int
}

// Register makes the reservable selectable as "usbip".
func Register(r *devstate.Registry, cfg Config) {
	r.Register("usbip", func(args map[string]any) (devstate.Factory, bool) {
		return New(cfg), true
	})
}

// State exposes the device bus over USB/IP. The kernel-level remove
// observer is authoritative for disconnects: user-space remove events lag
// re-binds and are ignored.
type State struct {
	devstate.Base
	cfg   Config
	busID string
}

func New(cfg Config) devstate.Factory {
	return func(d *devstate.Device) devstate.State {
		s := &State{Base: devstate.NewBase(d, "usbip"), cfg: cfg}
		s.Register("unbind", nil, func() { s.unbind() })
		s.EnableKernelRemove()
		return s
	}
}

func (s *State) Start() {
	for _, ev := range s.Device().Nodes() {
		if s.Switching() {
			return
		}
		s.HandleAdd(ev)
	}
}

func (s *State) HandleAdd(ev udev.Event) {
	devPath := ev.DevPath()
	if devPath == "" {
		return
	}
	busID, ok := adapter.ParseBusID(devPath)
	if !ok {
		_ = level.Warn(s.Logger()).Log("msg", "failed to parse busid", "node", ev.DevName())
		return
	}
	s.busID = busID

	// Bind failure is non-fatal: the node may rebind on the next event.
	if err := s.cfg.Driver.Bind(busID); err != nil {
		_ = level.Warn(s.Logger()).Log("msg", "failed to bind device", "busid", busID, "err", err)
		return
	}
	_ = level.Debug(s.Logger()).Log("msg", "now exporting", "busid", busID)

	ok = s.Notif().Send(map[string]any{
		"event":      "export",
		"serial":     s.Serial(),
		"busid":      busID,
		"usbip_port": s.cfg.USBIPPort,
		"server_ip":  s.cfg.ServerIP,
	})
	if !ok {
		_ = level.Debug(s.Logger()).Log("msg", "failed to send export event", "busid", busID)
	}
}

func (s *State) HandleKernelRemove(ev udev.Event) {
	devPath := ev.DevPath()
	if devPath == "" {
		return
	}
	busID, ok := adapter.ParseBusID(devPath)
	if !ok {
		_ = level.Debug(s.Logger()).Log("msg", "failed to parse busid on kernel remove", "devpath", devPath)
		return
	}
	if busID != s.busID {
		return
	}

	_ = level.Warn(s.Logger()).Log("msg", "usbip disconnect detected", "busid", busID)
	s.Notif().Send(map[string]any{
		"event":  "disconnect",
		"serial": s.Serial(),
	})
}

// unbind serves the client's force-rebind request: drop the export so the
// next add event re-binds and re-emits export.
func (s *State) unbind() {
	if s.busID == "" {
		_ = level.Warn(s.Logger()).Log("msg", "unbind request but no busid")
		return
	}
	if err := s.cfg.Driver.Unbind(s.busID); err != nil {
		_ = level.Warn(s.Logger()).Log("msg", "failed to unbind on request", "busid", s.busID, "err", err)
	}
}

func (s *State) HandleExit() {
	if s.busID != "" {
		if err := s.cfg.Driver.Unbind(s.busID); err != nil {
			_ = level.Error(s.Logger()).Log("msg", "failed to unbind on exit", "busid", s.busID, "err", err)
		}
	}
	s.Base.HandleExit()
}
