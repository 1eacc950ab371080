// SPDX-License-Identifier: Apache-2.0

// Package client is the application-embedded library: it holds reservations,
// keeps sockets open toward control and each relevant worker, and dispatches
// incoming events through a handler chain.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const apiTimeout = 20 * time.Second

// ConnectionInfo is what the client needs to reach the worker hosting a
// reserved serial.
type ConnectionInfo struct {
	IP         string
	ServerPort int
}

func (ci ConnectionInfo) URL() string {
	return fmt.Sprintf("http://%s:%d", ci.IP, ci.ServerPort)
}

// API wraps control's HTTP endpoints and tracks the reserved serials with
// their worker coordinates.
type API struct {
	controlURL string
	clientID   string
	httpClient *http.Client
	logger     log.Logger

	mu    sync.Mutex
	conns map[string]ConnectionInfo
}

func NewAPI(controlURL, clientID string, logger log.Logger) *API {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &API{
		controlURL: controlURL,
		clientID:   clientID,
		httpClient: &http.Client{Timeout: apiTimeout},
		logger:     logger,
		conns:      make(map[string]ConnectionInfo),
	}
}

func (a *API) ClientID() string { return a.clientID }

func (a *API) AddSerial(serial string, info ConnectionInfo) {
	a.mu.Lock()
	a.conns[serial] = info
	a.mu.Unlock()
}

// RemoveSerial drops a serial from the bookkeeping. Idempotent; reports
// whether the serial was present.
func (a *API) RemoveSerial(serial string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.conns[serial]; !ok {
		return false
	}
	delete(a.conns, serial)
	return true
}

// Serials returns the tracked serials, sorted.
func (a *API) Serials() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.conns))
	for serial := range a.conns {
		out = append(out, serial)
	}
	sort.Strings(out)
	return out
}

// ConnectionFor returns the worker coordinates of a tracked serial.
func (a *API) ConnectionFor(serial string) (ConnectionInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, ok := a.conns[serial]
	return info, ok
}

// usingConnection reports whether any tracked serial still points at info's
// worker.
func (a *API) usingConnection(info ConnectionInfo) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, other := range a.conns {
		if other == info {
			return true
		}
	}
	return false
}

type reservedRow struct {
	Serial     string `json:"serial"`
	IP         string `json:"ip"`
	ServerPort int    `json:"server_port"`
}

// Reserve asks control for amount devices of the given reservable kind and
// tracks what came back. Fewer serials than requested is not an error.
func (a *API) Reserve(amount int, kind string, args map[string]any) ([]string, error) {
	var rows []reservedRow
	err := a.requestControl("reserve", map[string]any{
		"amount": amount,
		"name":   a.clientID,
		"kind":   kind,
		"args":   args,
	}, &rows)
	if err != nil {
		return nil, err
	}

	serials := make([]string, 0, len(rows))
	for _, row := range rows {
		a.AddSerial(row.Serial, ConnectionInfo{IP: row.IP, ServerPort: row.ServerPort})
		serials = append(serials, row.Serial)
	}
	return serials, nil
}

// Extend pushes the expiry of the given reservations forward.
func (a *API) Extend(serials []string) ([]string, error) {
	var extended []string
	err := a.requestControl("extend", map[string]any{
		"name":    a.clientID,
		"serials": serials,
	}, &extended)
	return extended, err
}

func (a *API) ExtendAll() ([]string, error) {
	var extended []string
	err := a.requestControl("extendall", map[string]any{"name": a.clientID}, &extended)
	return extended, err
}

// End releases the given reservations and drops them from the bookkeeping.
func (a *API) End(serials []string) ([]string, error) {
	var ended []string
	err := a.requestControl("end", map[string]any{
		"name":    a.clientID,
		"serials": serials,
	}, &ended)
	if err != nil {
		return nil, err
	}
	for _, serial := range ended {
		a.RemoveSerial(serial)
	}
	return ended, nil
}

func (a *API) EndAll() ([]string, error) {
	var ended []string
	err := a.requestControl("endall", map[string]any{"name": a.clientID}, &ended)
	if err != nil {
		return nil, err
	}
	for _, serial := range ended {
		a.RemoveSerial(serial)
	}
	return ended, nil
}

// requestControl issues one GET-with-JSON-body call against control and
// decodes the response into out (which may be nil).
func (a *API) requestControl(endpoint string, body map[string]any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to encode request")
	}
	url := a.controlURL + "/" + endpoint
	req, err := http.NewRequest(http.MethodGet, url, bytes.NewReader(raw))
	if err != nil {
		return errors.Wrapf(err, "failed to build request for %s", endpoint)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := a.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request to /%s failed", endpoint)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		_ = level.Error(a.logger).Log("msg", "control request failed", "endpoint", endpoint, "status", res.StatusCode)
		return errors.Newf("/%s returned status %d", endpoint, res.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode /%s response", endpoint)
	}
	return nil
}
