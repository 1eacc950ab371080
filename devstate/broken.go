// SPDX-License-Identifier: Apache-2.0

package devstate

import (
	"github.com/go-kit/log/level"

	"github.com/usbipice/usbipice/store"
)

// BrokenState parks a device that failed flashing, testing or a physical
// operation. The failure is persisted and pushed to any current subscriber.
// The state has no way out of its own; an Unreserve reflashes the device,
// and otherwise it stays broken until the worker restarts.
type BrokenState struct {
	Base
}

func NewBroken() Factory {
	return func(d *Device) State {
		s := &BrokenState{Base: NewBase(d, "broken")}
		d.UpdateStatus(store.StatusBroken)
		_ = level.Error(s.Logger()).Log("msg", "device is broken")
		d.Notif().SendFailure()
		return s
	}
}
