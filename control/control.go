// SPDX-License-Identifier: Apache-2.0

// Package control is the reservation plane: it issues and expires
// reservations, polls workers for liveness and fans events toward clients
// through per-client socket sessions.
package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbipice/usbipice/eventbus"
	"github.com/usbipice/usbipice/store"
)

const httpTimeout = 10 * time.Second

// Control implements the reservation operations behind the HTTP surface.
type Control struct {
	st     store.Store
	sender *eventbus.Sender
	client *http.Client
	logger log.Logger
}

func New(st store.Store, sender *eventbus.Sender, logger log.Logger) *Control {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Control{
		st:     st,
		sender: sender,
		client: &http.Client{Timeout: httpTimeout},
		logger: log.With(logger, "component", "control"),
	}
}

// Reserve picks up to amount available devices for clientID and instructs
// each owning worker to enter the requested reservable. Worker failures are
// logged; the reservation stands either way and the expiry loop cleans up if
// the client never gets its device.
func (c *Control) Reserve(clientID string, amount int, kind string, args map[string]any) ([]store.Reserved, error) {
	reserved, err := c.st.MakeReservations(amount, clientID)
	if err != nil {
		return nil, err
	}
	for _, r := range reserved {
		err := c.workerCall(r.IP, r.ServerPort, "reserve", map[string]any{
			"serial": r.Serial,
			"kind":   kind,
			"args":   args,
		})
		if err != nil {
			_ = level.Warn(c.logger).Log("msg", "failed to instruct worker to reserve", "serial", r.Serial, "err", err)
		}
	}
	return reserved, nil
}

func (c *Control) Extend(clientID string, serials []string) ([]string, error) {
	return c.st.ExtendReservations(clientID, serials)
}

func (c *Control) ExtendAll(clientID string) ([]string, error) {
	return c.st.ExtendAllReservations(clientID)
}

// End removes the reservations, tells the client and has each worker
// reflash its device. Idempotent: already-ended serials are skipped.
func (c *Control) End(clientID string, serials []string) ([]string, error) {
	ended, err := c.st.EndReservations(clientID, serials)
	if err != nil {
		return nil, err
	}
	return c.notifyEnded(ended), nil
}

func (c *Control) EndAll(clientID string) ([]string, error) {
	ended, err := c.st.EndAllReservations(clientID)
	if err != nil {
		return nil, err
	}
	return c.notifyEnded(ended), nil
}

func (c *Control) notifyEnded(ended []store.Ended) []string {
	serials := make([]string, 0, len(ended))
	for _, e := range ended {
		c.sender.SendTo(e.ClientID, e.Serial, map[string]any{
			"event":  "reservation end",
			"serial": e.Serial,
		})
		if err := c.unreserveWorker(e.WorkerIP, e.WorkerPort, e.Serial); err != nil {
			_ = level.Warn(c.logger).Log("msg", "failed to instruct worker to unreserve", "serial", e.Serial, "err", err)
		}
		serials = append(serials, e.Serial)
	}
	return serials
}

func (c *Control) unreserveWorker(ip string, port int, serial string) error {
	return c.workerCall(ip, port, "unreserve", map[string]any{"serial": serial})
}

// workerCall issues one GET-with-JSON-body command against a worker.
func (c *Control) workerCall(ip string, port int, endpoint string, body map[string]any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d/%s", ip, port, endpoint)
	req, err := http.NewRequest(http.MethodGet, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("worker returned status %d", res.StatusCode)
	}
	return nil
}

// Log relays a client's batched log lines into the control plane's log.
func (c *Control) Log(name, remote string, logs [][]any) {
	for _, row := range logs {
		if len(row) != 2 {
			continue
		}
		_ = c.logger.Log("msg", fmt.Sprintf("%v", row[1]), "client", name, "remote", remote, "client_level", fmt.Sprintf("%v", row[0]))
	}
}
