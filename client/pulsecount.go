// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/base64"
	"os"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/google/uuid"
)

// PulseCountClient evaluates FPGA bitstreams for pulse counts on every
// reserved board. Evaluation fans the same bitstream set to each device and
// blocks until all of them reported results.
type PulseCountClient struct {
	*Client
	logger log.Logger

	mu        sync.Mutex
	cv        *sync.Cond
	results   map[string]map[string]string // serial -> identifier -> pulses
	remaining map[string]bool
}

func NewPulseCountClient(controlURL, clientID string, logger log.Logger) (*PulseCountClient, error) {
	base, err := New(controlURL, clientID, logger)
	if err != nil {
		return nil, err
	}
	c := &PulseCountClient{
		Client:    base,
		logger:    logger,
		results:   make(map[string]map[string]string),
		remaining: make(map[string]bool),
	}
	c.cv = sync.NewCond(&c.mu)
	c.AddHandler(newResultHandler(c, logger))
	return c, nil
}

// Reserve requests amount devices in the pulsecount reservable.
func (c *PulseCountClient) Reserve(amount int) ([]string, error) {
	return c.Client.Reserve(amount, "pulsecount", map[string]any{})
}

// Evaluate runs every bitstream on every reserved device and returns
// {serial -> {path -> pulses}}. Single-flight: callers must not overlap
// evaluations.
func (c *PulseCountClient) Evaluate(bitstreamPaths []string) (map[string]map[string]string, error) {
	idToPath := make(map[string]string, len(bitstreamPaths))
	files := make(map[string]string, len(bitstreamPaths))
	for _, path := range bitstreamPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read bitstream %s", path)
		}
		id := uuid.NewString()
		idToPath[id] = path
		files[id] = base64.StdEncoding.EncodeToString(data)
	}

	serials := c.Serials()
	if len(serials) == 0 {
		return nil, errors.New("no reserved devices to evaluate on")
	}

	c.mu.Lock()
	c.results = make(map[string]map[string]string)
	c.remaining = make(map[string]bool, len(serials))
	for _, serial := range serials {
		c.remaining[serial] = true
	}
	c.mu.Unlock()

	for _, serial := range serials {
		ok := c.RequestWorker(serial, "evaluate", map[string]any{"files": files})
		if !ok {
			return nil, errors.Newf("failed to send bitstreams to %s", serial)
		}
	}

	c.mu.Lock()
	for len(c.remaining) > 0 {
		c.cv.Wait()
	}
	results := c.results
	c.results = make(map[string]map[string]string)
	c.mu.Unlock()

	out := make(map[string]map[string]string, len(results))
	for serial, byID := range results {
		byPath := make(map[string]string, len(byID))
		for id, pulses := range byID {
			if path, ok := idToPath[id]; ok {
				byPath[path] = pulses
			}
		}
		out[serial] = byPath
	}
	return out, nil
}

func (c *PulseCountClient) addResult(serial string, results map[string]string) {
	c.mu.Lock()
	c.results[serial] = results
	delete(c.remaining, serial)
	if len(c.remaining) == 0 {
		c.cv.Broadcast()
	}
	c.mu.Unlock()
}

type resultHandler struct {
	HandlerBase
}

func newResultHandler(c *PulseCountClient, logger log.Logger) *resultHandler {
	h := &resultHandler{HandlerBase: NewHandlerBase(logger)}
	h.Register("results", []string{"serial", "results"}, func(serial string, results map[string]string) {
		c.addResult(serial, results)
	})
	return h
}
