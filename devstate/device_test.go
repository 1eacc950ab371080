// SPDX-License-Identifier: Apache-2.0

package devstate

import (
	"sync"
	"testing"
	"time"

	"github.com/efficientgo/core/errors"

	"github.com/usbipice/usbipice/eventbus"
	"github.com/usbipice/usbipice/firmware"
	"github.com/usbipice/usbipice/store"
	"github.com/usbipice/usbipice/udev"
)

type fakeHost struct {
	mu           sync.Mutex
	nodes        []udev.Event
	kernelAdd    map[string]bool
	kernelRemove map[string]bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{kernelAdd: map[string]bool{}, kernelRemove: map[string]bool{}}
}

func (h *fakeHost) Nodes(string) []udev.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]udev.Event(nil), h.nodes...)
}
func (h *fakeHost) EnableKernelAdd(s string)     { h.mu.Lock(); h.kernelAdd[s] = true; h.mu.Unlock() }
func (h *fakeHost) DisableKernelAdd(s string)    { h.mu.Lock(); delete(h.kernelAdd, s); h.mu.Unlock() }
func (h *fakeHost) EnableKernelRemove(s string)  { h.mu.Lock(); h.kernelRemove[s] = true; h.mu.Unlock() }
func (h *fakeHost) DisableKernelRemove(s string) { h.mu.Lock(); delete(h.kernelRemove, s); h.mu.Unlock() }

type fakeUploader struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (u *fakeUploader) Upload(partition, mountPoint, firmwarePath string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, firmwarePath)
	return u.err
}

type deviceFixture struct {
	dev      *Device
	host     *fakeHost
	uploader *fakeUploader
	store    *store.Memory
	probeOK  bool
	triggers []string
}

func newFixture(t *testing.T) *deviceFixture {
	t.Helper()
	f := &deviceFixture{host: newFakeHost(), uploader: &fakeUploader{}, probeOK: true}
	f.store = store.NewMemory(time.Hour, time.Hour)
	if err := f.store.AddWorker("w1", "10.0.0.1", 8081); err != nil {
		t.Fatal(err)
	}
	if err := f.store.AddDevice("AAA", "w1"); err != nil {
		t.Fatal(err)
	}

	sender := eventbus.NewSender(f.store.GetDeviceCallback, time.Minute, nil)
	t.Cleanup(sender.Close)

	dev, err := NewDevice("AAA", f.host, f.store, NewNotifier(sender, "AAA", nil), nil, Options{
		MediaBase:       t.TempDir(),
		DefaultFirmware: "default.uf2",
		FlashTimeout:    time.Minute,
		Uploader:        f.uploader,
		Bootloader:      func(devNode string) error { f.triggers = append(f.triggers, devNode); return nil },
		Probe:           func(string, time.Duration) bool { return f.probeOK },
		Registry:        NewRegistry(),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.dev = dev
	return f
}

// stateName exposes the installed state's name for assertions.
func (d *Device) stateName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == nil {
		return ""
	}
	return d.state.base().name
}

func partitionAdd(devName string) udev.Event {
	return udev.Event{"DEVNAME": devName, "DEVTYPE": "partition", "SUBSYSTEM": "block"}
}

func ttyAdd(devName string) udev.Event {
	return udev.Event{"DEVNAME": devName, "SUBSYSTEM": "tty"}
}

func TestFlashTestReadyCycle(t *testing.T) {
	f := newFixture(t)
	if got := f.dev.stateName(); got != "flash" {
		t.Fatalf("initial state = %s, want flash", got)
	}

	// The tty node gets the bootloader trigger, no transition yet.
	f.dev.HandleDeviceEvent("add", ttyAdd("/dev/ttyACM0"))
	if len(f.triggers) != 1 || f.triggers[0] != "/dev/ttyACM0" {
		t.Fatalf("triggers = %v", f.triggers)
	}
	if got := f.dev.stateName(); got != "flash" {
		t.Fatalf("state after tty add = %s", got)
	}

	// The bootloader partition takes the upload and moves to testing.
	f.dev.HandleDeviceEvent("add", partitionAdd("/dev/sda1"))
	if got := f.dev.stateName(); got != "test" {
		t.Fatalf("state after upload = %s, want test", got)
	}
	if len(f.uploader.calls) != 1 || f.uploader.calls[0] != "default.uf2" {
		t.Fatalf("uploads = %v", f.uploader.calls)
	}

	// The probed serial node completes the cycle.
	f.dev.HandleDeviceEvent("add", ttyAdd("/dev/ttyACM0"))
	if got := f.dev.stateName(); got != "ready" {
		t.Fatalf("state after probe = %s, want ready", got)
	}
}

func TestWrongPartitionRetries(t *testing.T) {
	f := newFixture(t)
	f.uploader.err = firmware.ErrNotBootloader

	f.dev.HandleDeviceEvent("add", partitionAdd("/dev/sdb1"))
	if got := f.dev.stateName(); got != "flash" {
		t.Fatalf("state after wrong partition = %s, want flash (retry)", got)
	}

	// The right partition arrives later and succeeds.
	f.uploader.err = nil
	f.dev.HandleDeviceEvent("add", partitionAdd("/dev/sda1"))
	if got := f.dev.stateName(); got != "test" {
		t.Fatalf("state after retry = %s, want test", got)
	}
}

func TestUploadFailureBreaksDevice(t *testing.T) {
	f := newFixture(t)
	f.uploader.err = errors.New("copy failed")

	f.dev.HandleDeviceEvent("add", partitionAdd("/dev/sda1"))
	if got := f.dev.stateName(); got != "broken" {
		t.Fatalf("state = %s, want broken", got)
	}
}

func TestProbeFailureBreaksDevice(t *testing.T) {
	f := newFixture(t)
	f.probeOK = false

	f.dev.HandleDeviceEvent("add", partitionAdd("/dev/sda1"))
	f.dev.HandleDeviceEvent("add", ttyAdd("/dev/ttyACM0"))
	if got := f.dev.stateName(); got != "broken" {
		t.Fatalf("state = %s, want broken", got)
	}
}

// transition order recorder: every callback appends to a shared log.
type tracingState struct {
	Base
	log  *[]string
	name string
	next Factory
}

func newTracing(logRef *[]string, name string, next Factory) Factory {
	return func(d *Device) State {
		return &tracingState{Base: NewBase(d, name), log: logRef, name: name, next: next}
	}
}

func (s *tracingState) Start() {
	*s.log = append(*s.log, s.name+".start")
	if s.next != nil {
		s.Switch(s.next)
	}
}

func (s *tracingState) HandleExit() {
	*s.log = append(*s.log, s.name+".exit")
	s.Base.HandleExit()
}

func TestSwitchDuringStartPreservesOrdering(t *testing.T) {
	f := newFixture(t)

	var trace []string
	// a's Start switches to b, whose Start switches to c. The exit of each
	// outgoing state must complete before the next state starts.
	c := newTracing(&trace, "c", nil)
	b := newTracing(&trace, "b", c)
	a := newTracing(&trace, "a", b)
	f.dev.Switch(a)

	want := []string{"a.start", "a.exit", "b.start", "b.exit", "c.start"}
	// The initial flash state's exit precedes a.start.
	got := trace
	if len(got) != len(want) {
		t.Fatalf("trace = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trace = %v, want %v", got, want)
		}
	}
}

func TestSwitchLatchStopsDoubleTransition(t *testing.T) {
	f := newFixture(t)

	var trace []string
	stay := newTracing(&trace, "stay", nil)
	f.dev.Switch(stay)
	trace = nil

	// Both switches come from the same state; only the first lands.
	f.dev.run(func(s State) {
		s.base().Switch(newTracing(&trace, "first", nil))
		s.base().Switch(newTracing(&trace, "second", nil))
	})

	if f.dev.stateName() != "first" {
		t.Fatalf("state = %s, want first", f.dev.stateName())
	}
	for _, entry := range trace {
		if entry == "second.start" {
			t.Fatal("latched state transitioned twice")
		}
	}
}

func TestStaleAsyncSwitchIgnored(t *testing.T) {
	f := newFixture(t)

	var trace []string
	first := newTracing(&trace, "first", nil)
	f.dev.Switch(first)

	// Capture first's base, move on, then fire a stale async switch.
	var stale *Base
	f.dev.run(func(s State) { stale = s.base() })
	f.dev.Switch(newTracing(&trace, "second", nil))

	f.dev.switchFrom(stale, newTracing(&trace, "late", nil))
	if got := f.dev.stateName(); got != "second" {
		t.Fatalf("stale switch landed: state = %s", got)
	}
}

func TestReserveUnknownKindRejected(t *testing.T) {
	f := newFixture(t)
	if f.dev.Reserve("nope", nil) {
		t.Fatal("reserve of unknown kind succeeded")
	}
}

func TestUnreserveReflashes(t *testing.T) {
	f := newFixture(t)

	// Walk to ready, pretend-reserve via a tracing state, then unreserve.
	f.dev.HandleDeviceEvent("add", partitionAdd("/dev/sda1"))
	f.dev.HandleDeviceEvent("add", ttyAdd("/dev/ttyACM0"))

	var trace []string
	f.dev.opts.Registry.Register("tracing", func(map[string]any) (Factory, bool) {
		return newTracing(&trace, "reserved", nil), true
	})
	if !f.dev.Reserve("tracing", nil) {
		t.Fatal("reserve failed")
	}
	if f.dev.stateName() != "reserved" {
		t.Fatalf("state = %s", f.dev.stateName())
	}

	if !f.dev.Unreserve() {
		t.Fatal("unreserve failed")
	}
	if got := f.dev.stateName(); got != "flash" {
		t.Fatalf("state after unreserve = %s, want flash", got)
	}
	// The reserved state released its resources on the way out.
	found := false
	for _, entry := range trace {
		if entry == "reserved.exit" {
			found = true
		}
	}
	if !found {
		t.Fatal("reserved state never exited")
	}
}

func TestExitTearsDownState(t *testing.T) {
	f := newFixture(t)
	var trace []string
	f.dev.Switch(newTracing(&trace, "final", nil))
	trace = nil

	f.dev.Exit()
	if len(trace) != 1 || trace[0] != "final.exit" {
		t.Fatalf("trace = %v", trace)
	}

	// Events after exit are ignored, not crashed on.
	f.dev.HandleDeviceEvent("add", ttyAdd("/dev/ttyACM0"))
}
