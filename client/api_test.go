// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeControl is an httptest stand-in for control's HTTP surface.
func fakeControl(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/reserve", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"serial": "AAA", "ip": "10.0.0.1", "server_port": 8081},
			{"serial": "BBB", "ip": "10.0.0.2", "server_port": 8081},
		})
	})
	mux.HandleFunc("/extend", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Serials []string `json:"serials"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(req.Serials)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Serials []string `json:"serials"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(req.Serials)
	})
	mux.HandleFunc("/endall", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]string{"AAA", "BBB"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAPIReserveTracksConnections(t *testing.T) {
	srv := fakeControl(t)
	api := NewAPI(srv.URL, "alice", nil)

	serials, err := api.Reserve(2, "usbip", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if len(serials) != 2 {
		t.Fatalf("serials = %v", serials)
	}

	info, ok := api.ConnectionFor("AAA")
	if !ok || info.IP != "10.0.0.1" || info.ServerPort != 8081 {
		t.Fatalf("connection info = %+v, %v", info, ok)
	}
	if info.URL() != "http://10.0.0.1:8081" {
		t.Errorf("url = %s", info.URL())
	}
}

func TestAPIEndRemovesSerials(t *testing.T) {
	srv := fakeControl(t)
	api := NewAPI(srv.URL, "alice", nil)
	if _, err := api.Reserve(2, "usbip", nil); err != nil {
		t.Fatal(err)
	}

	ended, err := api.End([]string{"AAA"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ended) != 1 || ended[0] != "AAA" {
		t.Fatalf("ended = %v", ended)
	}
	if _, ok := api.ConnectionFor("AAA"); ok {
		t.Fatal("AAA still tracked after end")
	}
	if _, ok := api.ConnectionFor("BBB"); !ok {
		t.Fatal("BBB dropped by unrelated end")
	}

	if _, err := api.EndAll(); err != nil {
		t.Fatal(err)
	}
	if got := api.Serials(); len(got) != 0 {
		t.Fatalf("serials after endall = %v", got)
	}
}

func TestAPIErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	api := NewAPI(srv.URL, "alice", nil)
	if _, err := api.Reserve(1, "usbip", nil); err == nil {
		t.Fatal("expected error from 500 response")
	}
	if got := api.Serials(); len(got) != 0 {
		t.Fatalf("failed reserve tracked serials: %v", got)
	}
}

func TestUsingConnection(t *testing.T) {
	api := NewAPI("http://control", "alice", nil)
	info := ConnectionInfo{IP: "10.0.0.1", ServerPort: 8081}
	api.AddSerial("AAA", info)
	api.AddSerial("BBB", info)

	api.RemoveSerial("AAA")
	if !api.usingConnection(info) {
		t.Fatal("connection still in use by BBB")
	}
	api.RemoveSerial("BBB")
	if api.usingConnection(info) {
		t.Fatal("connection should be unused")
	}
	// Idempotent removal.
	if api.RemoveSerial("BBB") {
		t.Fatal("second remove reported success")
	}
}
