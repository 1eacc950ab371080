// SPDX-License-Identifier: Apache-2.0

package devstate

import "github.com/usbipice/usbipice/store"

// ReadyState is the reservable idle state: the board runs the default
// firmware and waits for a reserve command.
type ReadyState struct {
	Base
}

func NewReady() Factory {
	return func(d *Device) State {
		s := &ReadyState{Base: NewBase(d, "ready")}
		d.UpdateStatus(store.StatusAvailable)
		return s
	}
}
