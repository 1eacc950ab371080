// SPDX-License-Identifier: Apache-2.0

package devstate

import (
	"errors"
	"time"

	"github.com/go-kit/log/level"

	"github.com/usbipice/usbipice/firmware"
	"github.com/usbipice/usbipice/udev"
)

// FlashState drives one firmware upload: trigger the bootloader on the tty
// node, then write the image onto the bootloader partition when it shows up.
// Success moves to next; a wrong partition is retried on the next event; an
// upload failure or the wall-clock timeout breaks the device.
type FlashState struct {
	Base
	firmwarePath string
	next         Factory
	timer        *time.Timer
}

// NewFlash returns the factory for a flash cycle. timeout <= 0 disables the
// wall clock.
func NewFlash(firmwarePath string, next Factory, timeout time.Duration) Factory {
	return func(d *Device) State {
		s := &FlashState{
			Base:         NewBase(d, "flash"),
			firmwarePath: firmwarePath,
			next:         next,
		}
		if timeout > 0 {
			s.timer = time.AfterFunc(timeout, func() {
				_ = level.Error(s.Logger()).Log("msg", "flash timed out")
				s.SwitchAsync(NewBroken())
			})
		}
		return s
	}
}

func (s *FlashState) Start() {
	for _, ev := range s.Device().Nodes() {
		if s.Switching() {
			return
		}
		s.HandleAdd(ev)
	}
}

func (s *FlashState) HandleAdd(ev udev.Event) {
	devName := ev.DevName()
	if devName == "" {
		_ = level.Warn(s.Logger()).Log("msg", "add event with no devname")
		return
	}

	if ev.Subsystem() == "tty" {
		_ = level.Debug(s.Logger()).Log("msg", "sending bootloader trigger", "node", devName)
		if err := s.Device().SendBootloader(devName); err != nil {
			_ = level.Warn(s.Logger()).Log("msg", "bootloader trigger failed", "err", err)
		}
		return
	}

	if ev.DevType() == "partition" {
		_ = level.Debug(s.Logger()).Log("msg", "found bootloader candidate", "node", devName)
		err := s.Device().Uploader().Upload(devName, s.Device().MountPath(), s.firmwarePath)
		if errors.Is(err, firmware.ErrNotBootloader) {
			// Wrong partition; wait for the right one or the timeout.
			_ = level.Warn(s.Logger()).Log("msg", "partition is not the bootloader", "node", devName)
			return
		}
		if err != nil {
			_ = level.Error(s.Logger()).Log("msg", "failed to upload firmware", "err", err)
			s.Switch(NewBroken())
			return
		}
		s.Switch(s.next)
	}
}

func (s *FlashState) HandleExit() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.Base.HandleExit()
}
