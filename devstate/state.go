// SPDX-License-Identifier: Apache-2.0

// Package devstate implements the per-device state machine a worker runs for
// every attached board: flash the default firmware, test it, hold the board
// reservable, and hand it to a reservable state when a client reserves it.
package devstate

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbipice/usbipice/eventbus"
	"github.com/usbipice/usbipice/udev"
)

// State is the behaviour of a device in one lifecycle phase. All callbacks
// run serialized under the owning Device; a state never receives a callback
// after its HandleExit returned.
type State interface {
	// Start runs after the state is installed, for actions that may
	// themselves trigger a switch. Constructors must not switch.
	Start()
	// HandleAdd / HandleRemove receive udev events matching this device's
	// serial.
	HandleAdd(ev udev.Event)
	HandleRemove(ev udev.Event)
	// HandleKernelAdd / HandleKernelRemove receive raw kernel events for all
	// devices, enabled per state with EnableKernelAdd/EnableKernelRemove.
	HandleKernelAdd(ev udev.Event)
	HandleKernelRemove(ev udev.Event)
	// HandleRequest dispatches a client request to a registered handler.
	HandleRequest(event string, contents map[string]any) bool
	// HandleExit releases every resource the state holds. Overrides must
	// chain up so kernel subscriptions are dropped.
	HandleExit()

	base() *Base
}

// Factory builds the next state for a device mid-switch.
type Factory func(d *Device) State

// Base carries what every state needs: the back-reference to its device, a
// scoped logger, the request-handler registry and the switching latch that
// guarantees a state transitions out at most once.
type Base struct {
	dev      *Device
	name     string
	logger   log.Logger
	requests *eventbus.Registry

	// switching latches on the first transition attempt. Only touched while
	// the device mutex is held (callbacks run under it; SwitchAsync takes
	// it).
	switching bool
}

func NewBase(dev *Device, name string) Base {
	b := Base{
		dev:      dev,
		name:     name,
		logger:   log.With(dev.logger, "state", name),
		requests: eventbus.NewRegistry(),
	}
	_ = level.Debug(b.logger).Log("msg", "state installed")
	return b
}

func (b *Base) base() *Base { return b }

func (b *Base) Device() *Device       { return b.dev }
func (b *Base) Serial() string        { return b.dev.Serial() }
func (b *Base) Logger() log.Logger    { return b.logger }
func (b *Base) Notif() *Notifier      { return b.dev.Notif() }
func (b *Base) Switching() bool       { return b.switching }

func (b *Base) Start()                          {}
func (b *Base) HandleAdd(udev.Event)            {}
func (b *Base) HandleRemove(udev.Event)         {}
func (b *Base) HandleKernelAdd(udev.Event)      {}
func (b *Base) HandleKernelRemove(udev.Event)   {}

// HandleExit drops kernel subscriptions. States overriding it must chain up.
func (b *Base) HandleExit() {
	b.dev.host.DisableKernelAdd(b.dev.serial)
	b.dev.host.DisableKernelRemove(b.dev.serial)
}

// Register declares a request handler reachable from client sockets by event
// name, with the ordered JSON keys projected onto its parameters. Called
// from state constructors only.
func (b *Base) Register(event string, fields []string, fn any) {
	b.requests.Register(event, fields, fn)
}

func (b *Base) HandleRequest(event string, contents map[string]any) bool {
	return b.requests.Dispatch(event, contents, b.logger)
}

// EnableKernelAdd subscribes this device to raw kernel add events.
func (b *Base) EnableKernelAdd() { b.dev.host.EnableKernelAdd(b.dev.serial) }

// EnableKernelRemove subscribes this device to raw kernel remove events,
// which fire on physical unplug even when user-space processing lags.
func (b *Base) EnableKernelRemove() { b.dev.host.EnableKernelRemove(b.dev.serial) }

// Switch transitions the device out of this state. Callable only from
// within a state callback (Start, HandleAdd, ...); the transition is
// deferred until the current callback returns. Timers and background
// goroutines must use SwitchAsync instead.
func (b *Base) Switch(factory Factory) {
	if b.switching {
		return
	}
	b.switching = true
	b.dev.deferSwitch(factory)
}

// SwitchAsync transitions the device out of this state from outside the
// device's dispatch (timer callbacks, reader goroutines). The switch is
// ignored if this state already transitioned out.
func (b *Base) SwitchAsync(factory Factory) {
	b.dev.switchFrom(b, factory)
}
