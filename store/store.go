// SPDX-License-Identifier: Apache-2.0

// Package store defines the reservation fabric's source of truth: workers,
// devices and reservations. The interface mirrors the stored procedures the
// control and worker processes call; the sqlite implementation is the
// reference backend and Memory backs tests.
package store

import (
	"net/url"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
)

// DeviceStatus enumerates the lifecycle states persisted per device.
type DeviceStatus string

const (
	StatusAvailable        DeviceStatus = "available"
	StatusReserved         DeviceStatus = "reserved"
	StatusAwaitFlashDefault DeviceStatus = "await_flash_default"
	StatusFlashingDefault  DeviceStatus = "flashing_default"
	StatusTesting          DeviceStatus = "testing"
	StatusBroken           DeviceStatus = "broken"
)

// Worker is one registered worker host.
type Worker struct {
	Name          string
	IP            string
	ServerPort    int
	LastHeartbeat time.Time
}

// Reserved describes one freshly made reservation: the device plus the
// connection coordinates of the worker hosting it.
type Reserved struct {
	Serial     string
	IP         string
	ServerPort int
}

// Ended describes one reservation that was just removed, with enough routing
// information to notify the client and instruct the worker.
type Ended struct {
	Serial     string
	ClientID   string
	WorkerIP   string
	WorkerPort int
}

// TimedOut describes one reservation under a worker that stopped
// heartbeating.
type TimedOut struct {
	Serial   string
	ClientID string
	Worker   string
}

// Store is the set of operations the fabric needs from its backing database.
// All methods are safe for concurrent use.
type Store interface {
	AddWorker(name, ip string, port int) error
	// RemoveWorker drops a worker, its devices and their reservations,
	// returning the reservations that were cut off.
	RemoveWorker(name string) ([]Ended, error)
	HeartbeatWorker(name string) error
	Workers() ([]Worker, error)

	AddDevice(serial, worker string) error
	UpdateDeviceStatus(serial string, status DeviceStatus) error
	// GetDeviceWorker returns the connection coordinates of the worker
	// hosting serial.
	GetDeviceWorker(serial string) (ip string, port int, err error)
	// GetDeviceCallback returns the client id of the active reservation for
	// serial, or "" if the device is unreserved.
	GetDeviceCallback(serial string) (string, error)

	// MakeReservations reserves up to amount available devices for clientID,
	// deterministically by serial order, and returns the reserved set.
	MakeReservations(amount int, clientID string) ([]Reserved, error)
	ExtendReservations(clientID string, serials []string) ([]string, error)
	ExtendAllReservations(clientID string) ([]string, error)
	EndReservations(clientID string, serials []string) ([]Ended, error)
	EndAllReservations(clientID string) ([]Ended, error)

	// HandleWorkerTimeouts finds every reservation on a worker without a
	// heartbeat in the last timeout window, removes it and marks its device
	// broken, returning what was cut. The worker row and its unreserved
	// devices are left unchanged.
	HandleWorkerTimeouts(timeout time.Duration) ([]TimedOut, error)
	// HandleReservationTimeouts removes reservations past their expiry.
	HandleReservationTimeouts() ([]Ended, error)
	// ReservationsEndingSoon returns serials whose reservation expires within
	// the window.
	ReservationsEndingSoon(window time.Duration) ([]string, error)

	Close() error
}

// ErrNotFound is returned when a serial or worker has no matching row. Callers translate it to a 404-equivalent, never create.
var ErrNotFound = errors.New("store: not found")

// Open connects to the store identified by dsn. Supported schemes:
// "sqlite://<path>" (also bare file paths) and "memory://".
func Open(dsn string, reserve, extend time.Duration) (Store, error) {
	if dsn == "" {
		return nil, errors.New("empty store DSN")
	}
	if strings.HasPrefix(dsn, "memory://") {
		return NewMemory(reserve, extend), nil
	}
	path := dsn
	if u, err := url.Parse(dsn); err == nil && u.Scheme == "sqlite" {
		path = u.Host + u.Path
		if u.Opaque != "" {
			path = u.Opaque
		}
	}
	return OpenSQLite(path, reserve, extend)
}
