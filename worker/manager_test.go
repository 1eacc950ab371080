// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/usbipice/usbipice/devstate"
	"github.com/usbipice/usbipice/eventbus"
	"github.com/usbipice/usbipice/store"
	"github.com/usbipice/usbipice/udev"
)

func newTestManager(t *testing.T) (*Manager, *store.Memory) {
	t.Helper()
	st := store.NewMemory(time.Hour, time.Hour)
	if err := st.AddWorker("w1", "10.0.0.1", 8081); err != nil {
		t.Fatal(err)
	}
	sender := eventbus.NewSender(st.GetDeviceCallback, time.Minute, nil)
	t.Cleanup(sender.Close)

	registry := devstate.NewRegistry()
	registry.Register("noop", func(map[string]any) (devstate.Factory, bool) {
		return devstate.NewReady(), true
	})

	m := NewManager("w1", st, sender, devstate.Options{
		MediaBase:       t.TempDir(),
		DefaultFirmware: "default.uf2",
		Uploader:        nopUploader{},
		Bootloader:      func(string) error { return nil },
		Probe:           func(string, time.Duration) bool { return true },
		Registry:        registry,
	}, nil)
	return m, st
}

type nopUploader struct{}

func (nopUploader) Upload(string, string, string) error { return nil }

func boardAdd(serial, devName string) udev.Event {
	return udev.Event{
		"DEVNAME":         devName,
		"DEVPATH":         "/devices/platform/soc/usb1/1-2",
		"SUBSYSTEM":       "tty",
		"ID_MODEL":        "RP2350",
		"ID_SERIAL_SHORT": serial,
	}
}

func TestManagerCreatesDeviceOnFirstEvent(t *testing.T) {
	m, st := newTestManager(t)

	m.HandleUdevEvent("add", boardAdd("AAA", "/dev/ttyACM0"))
	if m.device("AAA") == nil {
		t.Fatal("device not created")
	}
	// The store learned about it under this worker.
	if ip, _, err := st.GetDeviceWorker("AAA"); err != nil || ip != "10.0.0.1" {
		t.Fatalf("store lookup = (%s, %v)", ip, err)
	}

	// Irrelevant events create nothing.
	m.HandleUdevEvent("add", udev.Event{"DEVNAME": "/dev/ttyUSB0", "ID_MODEL": "CP2102", "ID_SERIAL_SHORT": "XYZ"})
	if m.device("XYZ") != nil {
		t.Fatal("foreign device created")
	}
}

func TestManagerNodeCache(t *testing.T) {
	m, _ := newTestManager(t)

	m.HandleUdevEvent("add", boardAdd("AAA", "/dev/ttyACM0"))
	m.HandleUdevEvent("add", boardAdd("AAA", "/dev/ttyACM1"))
	if n := len(m.Nodes("AAA")); n != 2 {
		t.Fatalf("node cache = %d entries", n)
	}

	m.HandleUdevEvent("remove", boardAdd("AAA", "/dev/ttyACM0"))
	nodes := m.Nodes("AAA")
	if len(nodes) != 1 || nodes[0].DevName() != "/dev/ttyACM1" {
		t.Fatalf("node cache after remove = %v", nodes)
	}
}

func TestManagerReserveAndUnreserve(t *testing.T) {
	m, _ := newTestManager(t)
	m.HandleUdevEvent("add", boardAdd("AAA", "/dev/ttyACM0"))

	if m.Reserve("ZZZ", "noop", nil) {
		t.Fatal("reserve of unknown serial succeeded")
	}
	if !m.Reserve("AAA", "noop", nil) {
		t.Fatal("reserve failed")
	}
	if m.Reserve("AAA", "unknown-kind", nil) {
		t.Fatal("reserve of unknown kind succeeded")
	}

	if m.Unreserve("ZZZ") {
		t.Fatal("unreserve of unknown serial succeeded")
	}
	if !m.Unreserve("AAA") {
		t.Fatal("unreserve failed")
	}
}

func TestKernelRoutingRespectsSubscription(t *testing.T) {
	m, _ := newTestManager(t)
	m.HandleUdevEvent("add", boardAdd("AAA", "/dev/ttyACM0"))

	kernelEv := udev.Event{
		"DEVPATH":   "/devices/platform/soc/usb1/1-2",
		"SUBSYSTEM": "usb",
		"DEVTYPE":   "usb_device",
	}

	// No subscription: the event is dropped without touching the device.
	m.HandleKernelEvent("remove", kernelEv)

	m.EnableKernelRemove("AAA")
	m.HandleKernelEvent("remove", kernelEv)
	// Non-root USB events are filtered out entirely.
	m.HandleKernelEvent("remove", udev.Event{"SUBSYSTEM": "usb", "DEVTYPE": "usb_interface"})

	m.DisableKernelRemove("AAA")
	m.HandleKernelEvent("remove", kernelEv)
}

func TestCloseNotifiesClientsOfFailure(t *testing.T) {
	m, st := newTestManager(t)
	m.HandleUdevEvent("add", boardAdd("AAA", "/dev/ttyACM0"))

	if err := st.UpdateDeviceStatus("AAA", store.StatusAvailable); err != nil {
		t.Fatal(err)
	}
	if _, err := st.MakeReservations(1, "alice"); err != nil {
		t.Fatal(err)
	}

	sock := &recordingSocket{}
	m.sender.AddSocket(sock, "alice")

	m.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sock.names()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	names := sock.names()
	if len(names) != 1 || names[0] != "failure" {
		t.Fatalf("events = %v", names)
	}

	// Events after close are ignored.
	m.HandleUdevEvent("add", boardAdd("BBB", "/dev/ttyACM2"))
	if m.device("BBB") != nil {
		t.Fatal("device created after close")
	}
}

type recordingSocket struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSocket) ID() string { return "rec" }

func (r *recordingSocket) WriteEvent(payload []byte) error {
	var frame eventbus.Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return err
	}
	var ev eventbus.EventPayload
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		return err
	}
	name, _ := ev.Contents["event"].(string)
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
	return nil
}

func (r *recordingSocket) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestRouterReserveEndpoint(t *testing.T) {
	m, _ := newTestManager(t)
	m.HandleUdevEvent("add", boardAdd("AAA", "/dev/ttyACM0"))

	router := NewRouter(m, m.sender, prometheus.NewRegistry(), nil)

	do := func(path string, body any) int {
		raw, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodGet, path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := do("/reserve", map[string]any{"serial": "AAA", "kind": "noop", "args": map[string]any{}}); code != http.StatusOK {
		t.Fatalf("reserve = %d", code)
	}
	if code := do("/reserve", map[string]any{"serial": "AAA"}); code != http.StatusBadRequest {
		t.Fatalf("malformed reserve = %d", code)
	}
	if code := do("/unreserve", map[string]any{"serial": "AAA"}); code != http.StatusOK {
		t.Fatalf("unreserve = %d", code)
	}
	if code := do("/unreserve", map[string]any{"serial": "ZZZ"}); code != http.StatusBadRequest {
		t.Fatalf("unknown unreserve = %d", code)
	}

	req := httptest.NewRequest(http.MethodGet, "/heartbeat", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat = %d", w.Code)
	}
}
