// SPDX-License-Identifier: Apache-2.0

package store

import (
	"testing"
	"time"
)

func testClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func newTestMemory(t *testing.T) (*Memory, func(time.Duration)) {
	t.Helper()
	m := NewMemory(time.Hour, time.Hour)
	clock, advance := testClock(time.Unix(1000000, 0))
	m.SetClock(clock)

	if err := m.AddWorker("w1", "10.0.0.1", 8081); err != nil {
		t.Fatal(err)
	}
	for _, serial := range []string{"AAA", "BBB", "CCC"} {
		if err := m.AddDevice(serial, "w1"); err != nil {
			t.Fatal(err)
		}
		if err := m.UpdateDeviceStatus(serial, StatusAvailable); err != nil {
			t.Fatal(err)
		}
	}
	return m, advance
}

func TestMakeReservationsIsExclusive(t *testing.T) {
	m, _ := newTestMemory(t)

	first, err := m.MakeReservations(2, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].Serial != "AAA" || first[1].Serial != "BBB" {
		t.Fatalf("expected deterministic pick [AAA BBB], got %+v", first)
	}
	if first[0].IP != "10.0.0.1" || first[0].ServerPort != 8081 {
		t.Fatalf("wrong worker coordinates: %+v", first[0])
	}

	// A second client can only get what's left; no serial is double-reserved.
	second, err := m.MakeReservations(5, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 || second[0].Serial != "CCC" {
		t.Fatalf("expected [CCC], got %+v", second)
	}

	if cb, _ := m.GetDeviceCallback("AAA"); cb != "alice" {
		t.Errorf("callback for AAA = %q, want alice", cb)
	}
}

func TestEndReservationsIsIdempotent(t *testing.T) {
	m, _ := newTestMemory(t)
	if _, err := m.MakeReservations(2, "alice"); err != nil {
		t.Fatal(err)
	}

	ended, err := m.EndReservations("alice", []string{"AAA"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ended) != 1 || ended[0].Serial != "AAA" || ended[0].ClientID != "alice" {
		t.Fatalf("unexpected ended set: %+v", ended)
	}

	again, err := m.EndReservations("alice", []string{"AAA"})
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("second end should be a no-op, got %+v", again)
	}

	// Ending under the wrong client must not touch the reservation.
	if got, _ := m.EndReservations("mallory", []string{"BBB"}); len(got) != 0 {
		t.Fatalf("foreign client ended a reservation: %+v", got)
	}
	if cb, _ := m.GetDeviceCallback("BBB"); cb != "alice" {
		t.Errorf("BBB lost its reservation")
	}
}

func TestExtendBeatsExpiry(t *testing.T) {
	m, advance := newTestMemory(t)
	if _, err := m.MakeReservations(1, "alice"); err != nil {
		t.Fatal(err)
	}

	advance(50 * time.Minute)
	if _, err := m.ExtendReservations("alice", []string{"AAA"}); err != nil {
		t.Fatal(err)
	}

	// Past the original expiry but inside the extension window: nothing fires.
	advance(30 * time.Minute)
	ended, err := m.HandleReservationTimeouts()
	if err != nil {
		t.Fatal(err)
	}
	if len(ended) != 0 {
		t.Fatalf("extended reservation expired: %+v", ended)
	}

	advance(time.Hour)
	ended, err = m.HandleReservationTimeouts()
	if err != nil {
		t.Fatal(err)
	}
	if len(ended) != 1 || ended[0].Serial != "AAA" {
		t.Fatalf("expected AAA to expire, got %+v", ended)
	}
}

func TestExtendNeverShortens(t *testing.T) {
	m, _ := newTestMemory(t)
	if _, err := m.MakeReservations(1, "alice"); err != nil {
		t.Fatal(err)
	}
	// Extending immediately recomputes now+T_extend == the original expiry;
	// the max() keeps it from moving backwards.
	if _, err := m.ExtendReservations("alice", []string{"AAA"}); err != nil {
		t.Fatal(err)
	}
	soon, err := m.ReservationsEndingSoon(30 * time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(soon) != 0 {
		t.Fatalf("reservation should not be ending soon: %v", soon)
	}
}

func TestHeartbeatMonotonic(t *testing.T) {
	m, advance := newTestMemory(t)

	workers, _ := m.Workers()
	first := workers[0].LastHeartbeat

	// Clock moving backwards must not regress the recorded heartbeat.
	advance(-time.Minute)
	if err := m.HeartbeatWorker("w1"); err != nil {
		t.Fatal(err)
	}
	workers, _ = m.Workers()
	if workers[0].LastHeartbeat.Before(first) {
		t.Errorf("heartbeat went backwards: %v -> %v", first, workers[0].LastHeartbeat)
	}

	advance(2 * time.Minute)
	if err := m.HeartbeatWorker("w1"); err != nil {
		t.Fatal(err)
	}
	workers, _ = m.Workers()
	if !workers[0].LastHeartbeat.After(first) {
		t.Errorf("heartbeat did not advance")
	}

	if err := m.HeartbeatWorker("nope"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown worker, got %v", err)
	}
}

func TestWorkerTimeoutCutsReservations(t *testing.T) {
	m, advance := newTestMemory(t)
	if _, err := m.MakeReservations(2, "alice"); err != nil {
		t.Fatal(err)
	}

	advance(2 * time.Minute)
	timedOut, err := m.HandleWorkerTimeouts(time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(timedOut) != 2 {
		t.Fatalf("expected both reservations cut, got %+v", timedOut)
	}
	for _, to := range timedOut {
		if to.ClientID != "alice" || to.Worker != "w1" {
			t.Errorf("bad timeout row: %+v", to)
		}
		if cb, _ := m.GetDeviceCallback(to.Serial); cb != "" {
			t.Errorf("reservation for %s survived worker timeout", to.Serial)
		}
	}
}

func TestRemoveWorkerReturnsCutReservations(t *testing.T) {
	m, _ := newTestMemory(t)
	if _, err := m.MakeReservations(1, "alice"); err != nil {
		t.Fatal(err)
	}

	ended, err := m.RemoveWorker("w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ended) != 1 || ended[0].Serial != "AAA" || ended[0].WorkerIP != "10.0.0.1" {
		t.Fatalf("unexpected ended set: %+v", ended)
	}
	if _, _, err := m.GetDeviceWorker("BBB"); err != ErrNotFound {
		t.Errorf("devices should be gone with their worker")
	}
}

func TestEndingSoonWindow(t *testing.T) {
	m, advance := newTestMemory(t)
	if _, err := m.MakeReservations(1, "alice"); err != nil {
		t.Fatal(err)
	}

	soon, err := m.ReservationsEndingSoon(20 * time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(soon) != 0 {
		t.Fatalf("fresh reservation reported as ending soon: %v", soon)
	}

	advance(41 * time.Minute)
	soon, err = m.ReservationsEndingSoon(20 * time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(soon) != 1 || soon[0] != "AAA" {
		t.Fatalf("expected [AAA], got %v", soon)
	}
}
