// SPDX-License-Identifier: Apache-2.0

package client

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbipice/usbipice/eventbus"
)

// Client ties the control API and the event server together: reservations
// made through it automatically open the worker sockets events arrive on,
// and the built-in tail handlers keep the bookkeeping consistent.
type Client struct {
	*API
	server *EventServer
	logger log.Logger

	// tailHandlers counts the built-ins pinned to the end of the chain;
	// AddHandler inserts ahead of them.
	tailHandlers int
}

// New connects to control's event socket and installs the built-in
// handlers. The SerialRemover sits last so user handlers observe the
// connection info of a serial while handling its final event.
func New(controlURL, clientID string, logger log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	c := &Client{
		API:    NewAPI(controlURL, clientID, logger),
		server: NewEventServer(clientID, logger),
		logger: logger,
	}

	if err := c.server.ConnectControl(controlURL); err != nil {
		return nil, err
	}

	c.server.AddHandler(NewReservationExtender(c, logger))
	c.server.AddHandler(NewSerialRemover(c, logger))
	c.tailHandlers = 2
	return c, nil
}

// AddHandler registers an application handler ahead of the built-in tail.
func (c *Client) AddHandler(h Handler) {
	c.server.InsertHandler(h, c.tailHandlers)
}

// Reserve requests devices and opens a socket to each owning worker.
func (c *Client) Reserve(amount int, kind string, args map[string]any) ([]string, error) {
	serials, err := c.API.Reserve(amount, kind, args)
	if err != nil {
		return nil, err
	}

	connected := make([]string, 0, len(serials))
	for _, serial := range serials {
		info, ok := c.ConnectionFor(serial)
		if !ok {
			_ = level.Error(c.logger).Log("msg", "no connection info for reserved serial", "serial", serial)
			continue
		}
		if err := c.server.ConnectWorker(info.URL()); err != nil {
			_ = level.Error(c.logger).Log("msg", "failed to connect worker socket", "serial", serial, "err", err)
		}
		connected = append(connected, serial)
	}
	return connected, nil
}

// RemoveSerial drops the serial and closes its worker socket if it was the
// last serial on that worker.
func (c *Client) RemoveSerial(serial string) bool {
	info, ok := c.ConnectionFor(serial)
	removed := c.API.RemoveSerial(serial)
	if ok && !c.usingConnection(info) {
		c.server.DisconnectWorker(info.URL())
	}
	return removed
}

// End releases the reservations and closes worker sockets that no
// remaining serial needs.
func (c *Client) End(serials []string) ([]string, error) {
	infos := c.connectionsFor(serials)
	ended, err := c.API.End(serials)
	if err != nil {
		return nil, err
	}
	c.dropUnusedConnections(ended, infos)
	return ended, nil
}

// EndAll releases everything and closes every idle worker socket.
func (c *Client) EndAll() ([]string, error) {
	infos := c.connectionsFor(c.Serials())
	ended, err := c.API.EndAll()
	if err != nil {
		return nil, err
	}
	c.dropUnusedConnections(ended, infos)
	return ended, nil
}

func (c *Client) connectionsFor(serials []string) map[string]ConnectionInfo {
	infos := make(map[string]ConnectionInfo, len(serials))
	for _, serial := range serials {
		if info, ok := c.ConnectionFor(serial); ok {
			infos[serial] = info
		}
	}
	return infos
}

func (c *Client) dropUnusedConnections(ended []string, infos map[string]ConnectionInfo) {
	for _, serial := range ended {
		if info, ok := infos[serial]; ok && !c.usingConnection(info) {
			c.server.DisconnectWorker(info.URL())
		}
	}
}

// RequestWorker sends a fire-and-forget request for serial over the worker's
// socket. Any reply arrives as a separately emitted event.
func (c *Client) RequestWorker(serial, event string, contents map[string]any) bool {
	info, ok := c.ConnectionFor(serial)
	if !ok {
		_ = level.Warn(c.logger).Log("msg", "request for untracked serial", "serial", serial)
		return false
	}
	if contents == nil {
		contents = map[string]any{}
	}
	return c.server.SendWorker(info.URL(), eventbus.RequestPayload{
		Serial:   serial,
		Event:    event,
		Contents: contents,
	})
}

// Close shuts the event machinery down and releases every reservation.
func (c *Client) Close() {
	c.server.Close()
	if _, err := c.EndAll(); err != nil {
		_ = level.Warn(c.logger).Log("msg", "failed to end reservations on close", "err", err)
	}
}
