// SPDX-License-Identifier: Apache-2.0

package devstate

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbipice/usbipice/store"
	"github.com/usbipice/usbipice/udev"
)

// Host is what a Device needs from its manager: the current device nodes of
// a serial (for state-entry replay) and kernel event routing.
type Host interface {
	Nodes(serial string) []udev.Event
	EnableKernelAdd(serial string)
	DisableKernelAdd(serial string)
	EnableKernelRemove(serial string)
	DisableKernelRemove(serial string)
}

// Uploader is the firmware-upload primitive flash states drive.
type Uploader interface {
	Upload(partition, mountPoint, firmwarePath string) error
}

// Options configures a Device's environment.
type Options struct {
	// MediaBase is the directory under which per-device mount and media
	// scratch paths are created.
	MediaBase string
	// DefaultFirmware is the image flashed on unreserve.
	DefaultFirmware string
	// FlashTimeout bounds the default-firmware flash before the device is
	// declared broken.
	FlashTimeout time.Duration
	Uploader     Uploader
	// Bootloader sends the enter-bootloader trigger to a tty node.
	Bootloader func(devNode string) error
	// Probe checks a serial node for the default-firmware banner.
	Probe    func(devNode string, timeout time.Duration) bool
	Registry *Registry
}

// Device owns the state machine of one physical board. All state callbacks
// run serialized under its mutex; a Switch issued from within a callback is
// deferred until the callback returns, so the outgoing state's HandleExit
// always completes before the incoming state sees its first call.
type Device struct {
	serial string
	host   Host
	store  store.Store
	notif  *Notifier
	logger log.Logger
	opts   Options

	mountPath string
	mediaPath string

	mu          sync.Mutex
	state       State
	dispatching bool
	pending     []Factory
}

// NewDevice creates the device's scratch directories and enters the default
// flash cycle.
func NewDevice(serial string, host Host, st store.Store, notif *Notifier, logger log.Logger, opts Options) (*Device, error) {
	if opts.FlashTimeout <= 0 {
		opts.FlashTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	d := &Device{
		serial: serial,
		host:   host,
		store:  st,
		notif:  notif,
		logger: log.With(logger, "serial", serial),
		opts:   opts,
	}

	base := filepath.Join(opts.MediaBase, serial)
	d.mountPath = filepath.Join(base, "mount")
	d.mediaPath = filepath.Join(base, "media")
	for _, dir := range []string{d.mountPath, d.mediaPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create scratch dir for %s", serial)
		}
	}

	d.FlashDefault()
	return d, nil
}

func (d *Device) Serial() string        { return d.serial }
func (d *Device) Logger() log.Logger    { return d.logger }
func (d *Device) Store() store.Store    { return d.store }
func (d *Device) Notif() *Notifier      { return d.notif }
func (d *Device) MountPath() string     { return d.mountPath }
func (d *Device) MediaPath() string     { return d.mediaPath }
func (d *Device) Uploader() Uploader    { return d.opts.Uploader }
func (d *Device) Nodes() []udev.Event   { return d.host.Nodes(d.serial) }

func (d *Device) SendBootloader(devNode string) error { return d.opts.Bootloader(devNode) }

func (d *Device) ProbeDefault(devNode string, timeout time.Duration) bool {
	return d.opts.Probe(devNode, timeout)
}

// UpdateStatus persists the device status; store failures are logged and
// swallowed so a flaky store never wedges the state machine.
func (d *Device) UpdateStatus(status store.DeviceStatus) {
	if err := d.store.UpdateDeviceStatus(d.serial, status); err != nil {
		_ = level.Error(d.logger).Log("msg", "failed to update device status", "status", status, "err", err)
	}
}

// FlashDefault reflashes the default firmware, the route back to a clean
// reservable device after unreserve.
func (d *Device) FlashDefault() {
	d.UpdateStatus(store.StatusFlashingDefault)
	d.Switch(NewFlash(d.opts.DefaultFirmware, NewTest(), d.opts.FlashTimeout))
}

// HandleDeviceEvent routes one udev event for this serial to the current
// state.
func (d *Device) HandleDeviceEvent(action string, ev udev.Event) {
	switch action {
	case "add":
		d.run(func(s State) { s.HandleAdd(ev) })
	case "remove":
		d.run(func(s State) { s.HandleRemove(ev) })
	default:
		_ = level.Warn(d.logger).Log("msg", "unhandled device action", "action", action)
	}
}

// HandleKernelEvent routes one raw kernel event to the current state. The
// manager only calls this while the state holds a kernel subscription.
func (d *Device) HandleKernelEvent(action string, ev udev.Event) {
	switch action {
	case "add":
		d.run(func(s State) { s.HandleKernelAdd(ev) })
	case "remove":
		d.run(func(s State) { s.HandleKernelRemove(ev) })
	}
}

// Reserve switches the device into the named reservable state. Unknown
// kinds and rejected args are refused without touching the current state.
func (d *Device) Reserve(kind string, args map[string]any) bool {
	factory, ok := d.opts.Registry.Lookup(kind, args)
	if !ok {
		_ = level.Warn(d.logger).Log("msg", "reserve for unknown or rejected reservable", "kind", kind)
		return false
	}
	d.Switch(factory)
	return true
}

// Unreserve reflashes the default firmware so the next client inherits a
// clean device. Always succeeds: the device ends up Ready or Broken.
func (d *Device) Unreserve() bool {
	d.FlashDefault()
	return true
}

// HandleRequest dispatches a client request to the current state's
// registered handler.
func (d *Device) HandleRequest(event string, contents map[string]any) bool {
	handled := false
	d.run(func(s State) { handled = s.HandleRequest(event, contents) })
	return handled
}

// Exit tears the current state down on worker shutdown.
func (d *Device) Exit() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != nil {
		d.state.HandleExit()
		d.state = nil
	}
}

// Switch transitions to the state built by factory. Safe to call from any
// goroutine outside a state callback; from within a callback use the state's
// Base.Switch, which defers.
func (d *Device) Switch(factory Factory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, factory)
	if d.dispatching {
		return
	}
	d.dispatching = true
	d.drainLocked()
	d.dispatching = false
}

// switchFrom is Switch guarded by the identity and latch of the state asking
// for it, so a stale timer firing after a transition is a no-op.
func (d *Device) switchFrom(b *Base, factory Factory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == nil || d.state.base() != b || b.switching {
		return
	}
	b.switching = true
	d.pending = append(d.pending, factory)
	if d.dispatching {
		return
	}
	d.dispatching = true
	d.drainLocked()
	d.dispatching = false
}

// deferSwitch queues a transition from within a state callback. The device
// mutex is already held by the running dispatch.
func (d *Device) deferSwitch(factory Factory) {
	d.pending = append(d.pending, factory)
}

// run executes fn against the current state under the mutex and then drains
// any transitions the callback queued.
func (d *Device) run(fn func(s State)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == nil {
		return
	}
	if d.dispatching {
		// Nested dispatch would break exit-before-start ordering; states
		// must not re-enter the device from callbacks.
		_ = level.Error(d.logger).Log("msg", "nested device dispatch dropped")
		return
	}
	d.dispatching = true
	fn(d.state)
	d.drainLocked()
	d.dispatching = false
}

func (d *Device) drainLocked() {
	for len(d.pending) > 0 {
		factory := d.pending[0]
		d.pending = d.pending[1:]
		if d.state != nil {
			d.state.HandleExit()
		}
		next := factory(d)
		d.state = next
		next.Start()
	}
}
