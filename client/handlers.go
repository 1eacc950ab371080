// SPDX-License-Identifier: Apache-2.0

package client

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbipice/usbipice/eventbus"
)

// HandlerBase gives concrete handlers the register-and-project dispatch:
// each handler registers (event name, ordered field list, function) in its
// constructor and HandleEvent projects the event contents onto the
// function's parameters, dropping mismatches with a warning.
type HandlerBase struct {
	registry *eventbus.Registry
	logger   log.Logger
}

func NewHandlerBase(logger log.Logger) HandlerBase {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return HandlerBase{registry: eventbus.NewRegistry(), logger: logger}
}

func (h *HandlerBase) Register(event string, fields []string, fn any) {
	h.registry.Register(event, fields, fn)
}

func (h *HandlerBase) HandleEvent(ev Event) {
	h.registry.Dispatch(ev.Name, ev.Contents, h.logger)
}

func (h *HandlerBase) Exit() {}

// SerialRemover drops serials from the client's bookkeeping when their
// reservation ends or their device fails, closing the worker socket once no
// remaining serial needs it. The client keeps it last in the chain so other
// handlers still see the connection info for the ending serial.
type SerialRemover struct {
	HandlerBase
}

func NewSerialRemover(c *Client, logger log.Logger) *SerialRemover {
	h := &SerialRemover{HandlerBase: NewHandlerBase(logger)}
	h.Register("reservation end", []string{"serial"}, func(serial string) { c.RemoveSerial(serial) })
	h.Register("failure", []string{"serial"}, func(serial string) { c.RemoveSerial(serial) })
	return h
}

// ReservationExtender keeps reservations alive by extending whenever the
// ending-soon notification arrives.
type ReservationExtender struct {
	HandlerBase
	logger log.Logger
}

func NewReservationExtender(c *Client, logger log.Logger) *ReservationExtender {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h := &ReservationExtender{HandlerBase: NewHandlerBase(logger), logger: logger}
	h.Register("reservation ending soon", []string{"serial"}, func(serial string) {
		if _, err := c.Extend([]string{serial}); err != nil {
			_ = level.Error(h.logger).Log("msg", "failed to refresh reservation", "serial", serial, "err", err)
			return
		}
		_ = h.logger.Log("msg", "refreshed reservation", "serial", serial)
	})
	return h
}

// LoggerHandler logs every event it sees. Useful as the first handler while
// developing against the fabric.
type LoggerHandler struct {
	logger log.Logger
}

func NewLoggerHandler(logger log.Logger) *LoggerHandler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &LoggerHandler{logger: logger}
}

func (h *LoggerHandler) HandleEvent(ev Event) {
	_ = h.logger.Log("msg", "received event", "event", ev.Name, "serial", ev.Serial)
}

func (h *LoggerHandler) Exit() {}
