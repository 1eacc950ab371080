// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// newOfflineClient builds a Client without a live control socket, for
// dispatch tests.
func newOfflineClient(controlURL string) *Client {
	c := &Client{
		API:    NewAPI(controlURL, "alice", nil),
		server: NewEventServer("alice", nil),
	}
	c.server.AddHandler(NewReservationExtender(c, nil))
	c.server.AddHandler(NewSerialRemover(c, nil))
	c.tailHandlers = 2
	return c
}

type orderProbe struct {
	client *Client
	log    *[]string
	mu     *sync.Mutex
}

func (p *orderProbe) HandleEvent(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, tracked := p.client.ConnectionFor(ev.Serial)
	if tracked {
		*p.log = append(*p.log, "user-handler-saw-connection")
	} else {
		*p.log = append(*p.log, "user-handler-no-connection")
	}
}

func (p *orderProbe) Exit() {}

func TestSerialRemovalRunsAfterUserHandlers(t *testing.T) {
	c := newOfflineClient("http://control")
	c.AddSerial("AAA", ConnectionInfo{IP: "10.0.0.1", ServerPort: 8081})

	var trace []string
	var mu sync.Mutex
	c.AddHandler(&orderProbe{client: c, log: &trace, mu: &mu})

	c.server.dispatch(Event{
		Serial:   "AAA",
		Name:     "reservation end",
		Contents: map[string]any{"event": "reservation end", "serial": "AAA"},
	})

	// The user handler observed the connection info; the remover then
	// dropped it.
	if len(trace) != 1 || trace[0] != "user-handler-saw-connection" {
		t.Fatalf("trace = %v", trace)
	}
	if _, ok := c.ConnectionFor("AAA"); ok {
		t.Fatal("serial survived reservation end")
	}
}

func TestFailureAlsoRemovesSerial(t *testing.T) {
	c := newOfflineClient("http://control")
	c.AddSerial("AAA", ConnectionInfo{IP: "10.0.0.1", ServerPort: 8081})

	c.server.dispatch(Event{
		Serial:   "AAA",
		Name:     "failure",
		Contents: map[string]any{"event": "failure", "serial": "AAA"},
	})
	if _, ok := c.ConnectionFor("AAA"); ok {
		t.Fatal("serial survived failure")
	}
}

func TestReservationExtenderCallsExtend(t *testing.T) {
	var mu sync.Mutex
	var extended []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/extend" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req struct {
			Serials []string `json:"serials"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		extended = append(extended, req.Serials...)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(req.Serials)
	}))
	t.Cleanup(srv.Close)

	c := newOfflineClient(srv.URL)
	c.AddSerial("DDD", ConnectionInfo{IP: "10.0.0.1", ServerPort: 8081})

	c.server.dispatch(Event{
		Serial:   "DDD",
		Name:     "reservation ending soon",
		Contents: map[string]any{"event": "reservation ending soon", "serial": "DDD"},
	})

	mu.Lock()
	defer mu.Unlock()
	if len(extended) != 1 || extended[0] != "DDD" {
		t.Fatalf("extended = %v", extended)
	}
}

func TestUnknownEventIsIgnored(t *testing.T) {
	c := newOfflineClient("http://control")
	c.AddSerial("AAA", ConnectionInfo{IP: "10.0.0.1", ServerPort: 8081})

	c.server.dispatch(Event{
		Serial:   "AAA",
		Name:     "mystery",
		Contents: map[string]any{"event": "mystery", "serial": "AAA"},
	})
	if _, ok := c.ConnectionFor("AAA"); !ok {
		t.Fatal("unknown event affected bookkeeping")
	}
}
