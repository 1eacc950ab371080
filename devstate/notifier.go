// SPDX-License-Identifier: Apache-2.0

package devstate

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbipice/usbipice/eventbus"
)

// Notifier sends device events toward whichever client currently holds the
// device's reservation, through the worker's event sender.
type Notifier struct {
	sender *eventbus.Sender
	serial string
	logger log.Logger
}

func NewNotifier(sender *eventbus.Sender, serial string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Notifier{sender: sender, serial: serial, logger: logger}
}

// Send pushes one event. Contents must carry the "event" key naming it.
func (n *Notifier) Send(contents map[string]any) bool {
	if !n.sender.Send(n.serial, contents) {
		_ = level.Error(n.logger).Log("msg", "failed to send device event", "event", contents["event"])
		return false
	}
	return true
}

// SendInitialized signals that a reservable finished its own setup.
func (n *Notifier) SendInitialized() bool {
	return n.Send(map[string]any{"event": "initialized", "serial": n.serial})
}

// SendFailure signals an unrecoverable device failure.
func (n *Notifier) SendFailure() bool {
	return n.Send(map[string]any{"event": "failure", "serial": n.serial})
}
