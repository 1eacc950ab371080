// SPDX-License-Identifier: Apache-2.0

package client

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbipice/usbipice/adapter"
)

// UsbipClient maintains consistent USB/IP attachments: export events attach
// the bus locally, the timeout detector forces re-binds on silent detaches,
// and reservations auto-extend.
type UsbipClient struct {
	*Client
	detector *TimeoutDetector
}

// NewUsbipClient wires the default usbip handler chain: attach-on-export
// plus the timeout detector.
func NewUsbipClient(controlURL, clientID string, attacher adapter.Attacher, lister adapter.PortLister, logger log.Logger) (*UsbipClient, error) {
	base, err := New(controlURL, clientID, logger)
	if err != nil {
		return nil, err
	}
	c := &UsbipClient{Client: base}

	c.detector = NewTimeoutDetector(c, lister, TimeoutDetectorConfig{}, logger)
	c.AddHandler(NewUsbipHandler(attacher, logger))
	c.AddHandler(c.detector)
	return c, nil
}

// Reserve requests amount devices in the usbip reservable.
func (c *UsbipClient) Reserve(amount int) ([]string, error) {
	return c.Client.Reserve(amount, "usbip", map[string]any{})
}

// Unbind asks the owning worker to drop the USB/IP binding for serial,
// forcing a fresh export cycle.
func (c *UsbipClient) Unbind(serial string) bool {
	return c.RequestWorker(serial, "unbind", map[string]any{})
}

// Activity feeds local USB events into the timeout detector.
func (c *UsbipClient) Activity(serial string) {
	c.detector.Activity(serial)
}

// UsbipHandler performs the local attach when a worker exports a bus.
type UsbipHandler struct {
	HandlerBase
	attacher adapter.Attacher
	logger   log.Logger
}

func NewUsbipHandler(attacher adapter.Attacher, logger log.Logger) *UsbipHandler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h := &UsbipHandler{HandlerBase: NewHandlerBase(logger), attacher: attacher, logger: logger}
	h.Register("export", []string{"serial", "busid", "server_ip", "usbip_port"}, h.export)
	h.Register("disconnect", []string{"serial"}, h.disconnect)
	return h
}

func (h *UsbipHandler) export(serial, busID, serverIP string, usbipPort int) {
	port, err := h.attacher.Attach(serverIP, busID, usbipPort)
	if err != nil {
		_ = level.Error(h.logger).Log("msg", "failed to attach device", "serial", serial, "busid", busID, "err", err)
		return
	}
	_ = h.logger.Log("msg", "attached device", "serial", serial, "busid", busID, "vhci_port", port)
}

// disconnect notifications are informational: the worker re-exports once the
// bus comes back, and the export handler re-attaches then.
func (h *UsbipHandler) disconnect(serial string) {
	_ = level.Warn(h.logger).Log("msg", "worker reported usbip disconnect", "serial", serial)
}
