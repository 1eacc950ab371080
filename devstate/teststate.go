// SPDX-License-Identifier: Apache-2.0

package devstate

import (
	"time"

	"github.com/go-kit/log/level"

	"github.com/usbipice/usbipice/store"
	"github.com/usbipice/usbipice/udev"
)

const (
	testDeadline  = 30 * time.Second
	probeDeadline = 2 * time.Second
)

// TestState verifies a freshly flashed board actually runs the default
// firmware before declaring it available. The first device node with a
// DEVNAME that shows up is probed for the banner; no node within the
// deadline breaks the device.
type TestState struct {
	Base
	timer *time.Timer
}

func NewTest() Factory {
	return func(d *Device) State {
		s := &TestState{Base: NewBase(d, "test")}
		d.UpdateStatus(store.StatusTesting)
		s.timer = time.AfterFunc(testDeadline, func() {
			_ = level.Error(s.Logger()).Log("msg", "no firmware banner before deadline")
			s.SwitchAsync(NewBroken())
		})
		return s
	}
}

func (s *TestState) HandleAdd(ev udev.Event) {
	devName := ev.DevName()
	if devName == "" {
		_ = level.Warn(s.Logger()).Log("msg", "add event with no devname")
		return
	}
	if s.Switching() {
		return
	}

	if s.Device().ProbeDefault(devName, probeDeadline) {
		s.Switch(NewReady())
	} else {
		_ = level.Error(s.Logger()).Log("msg", "default firmware probe failed", "node", devName)
		s.Switch(NewBroken())
	}
}

func (s *TestState) HandleExit() {
	s.timer.Stop()
	s.Base.HandleExit()
}
