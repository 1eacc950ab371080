// SPDX-License-Identifier: Apache-2.0

package store

import (
	"database/sql"
	"time"

	"github.com/efficientgo/core/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS workers (
	name TEXT PRIMARY KEY,
	ip TEXT NOT NULL,
	server_port INTEGER NOT NULL,
	last_heartbeat INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS devices (
	serial TEXT PRIMARY KEY,
	worker_name TEXT NOT NULL REFERENCES workers(name) ON DELETE CASCADE,
	status TEXT NOT NULL,
	bus_id TEXT
);
CREATE TABLE IF NOT EXISTS reservations (
	device_serial TEXT PRIMARY KEY REFERENCES devices(serial) ON DELETE CASCADE,
	client_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// SQLite is the reference Store backend, using the pure-Go sqlite driver so
// workers and control can share a database file on a single host or point at
// a network filesystem path.
type SQLite struct {
	db      *sql.DB
	reserve time.Duration
	extend  time.Duration
	now     func() time.Time
}

// OpenSQLite opens (creating if necessary) the database at path.
func OpenSQLite(path string, reserve, extend time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite store at %s", path)
	}
	// sqlite handles one writer at a time; serialize through one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "failed to apply store schema")
	}
	return &SQLite{db: db, reserve: reserve, extend: extend, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) AddWorker(name, ip string, port int) error {
	_, err := s.db.Exec(
		`INSERT INTO workers (name, ip, server_port, last_heartbeat) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET ip = excluded.ip, server_port = excluded.server_port, last_heartbeat = excluded.last_heartbeat`,
		name, ip, port, s.now().Unix(),
	)
	return errors.Wrapf(err, "failed to add worker %s", name)
}

func (s *SQLite) RemoveWorker(name string) ([]Ended, error) {
	ended, err := s.queryEnded(
		`SELECT r.device_serial, r.client_id, w.ip, w.server_port
		 FROM reservations r
		 JOIN devices d ON d.serial = r.device_serial
		 JOIN workers w ON w.name = d.worker_name
		 WHERE d.worker_name = ?`, name)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`DELETE FROM workers WHERE name = ?`, name); err != nil {
		return nil, errors.Wrapf(err, "failed to remove worker %s", name)
	}
	return ended, nil
}

func (s *SQLite) HeartbeatWorker(name string) error {
	// max() keeps the recorded heartbeat monotonic even if clocks wobble.
	res, err := s.db.Exec(
		`UPDATE workers SET last_heartbeat = max(last_heartbeat, ?) WHERE name = ?`,
		s.now().Unix(), name,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to heartbeat worker %s", name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Workers() ([]Worker, error) {
	rows, err := s.db.Query(`SELECT name, ip, server_port, last_heartbeat FROM workers`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workers")
	}
	defer func() { _ = rows.Close() }()

	var out []Worker
	for rows.Next() {
		var w Worker
		var hb int64
		if err := rows.Scan(&w.Name, &w.IP, &w.ServerPort, &hb); err != nil {
			return nil, errors.Wrap(err, "failed to scan worker row")
		}
		w.LastHeartbeat = time.Unix(hb, 0)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLite) AddDevice(serial, worker string) error {
	_, err := s.db.Exec(
		`INSERT INTO devices (serial, worker_name, status) VALUES (?, ?, ?)
		 ON CONFLICT(serial) DO UPDATE SET worker_name = excluded.worker_name`,
		serial, worker, string(StatusAwaitFlashDefault),
	)
	return errors.Wrapf(err, "failed to add device %s", serial)
}

func (s *SQLite) UpdateDeviceStatus(serial string, status DeviceStatus) error {
	res, err := s.db.Exec(`UPDATE devices SET status = ? WHERE serial = ?`, string(status), serial)
	if err != nil {
		return errors.Wrapf(err, "failed to update device %s", serial)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) GetDeviceWorker(serial string) (string, int, error) {
	var ip string
	var port int
	err := s.db.QueryRow(
		`SELECT w.ip, w.server_port FROM devices d JOIN workers w ON w.name = d.worker_name WHERE d.serial = ?`,
		serial,
	).Scan(&ip, &port)
	if err == sql.ErrNoRows {
		return "", 0, ErrNotFound
	}
	if err != nil {
		return "", 0, errors.Wrapf(err, "failed to look up worker for %s", serial)
	}
	return ip, port, nil
}

func (s *SQLite) GetDeviceCallback(serial string) (string, error) {
	var clientID string
	err := s.db.QueryRow(
		`SELECT client_id FROM reservations WHERE device_serial = ?`, serial,
	).Scan(&clientID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to look up callback for %s", serial)
	}
	return clientID, nil
}

func (s *SQLite) MakeReservations(amount int, clientID string) ([]Reserved, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin reservation transaction")
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(
		`SELECT d.serial, w.ip, w.server_port
		 FROM devices d JOIN workers w ON w.name = d.worker_name
		 WHERE d.status = ? ORDER BY d.serial LIMIT ?`,
		string(StatusAvailable), amount,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select available devices")
	}
	var picked []Reserved
	for rows.Next() {
		var r Reserved
		if err := rows.Scan(&r.Serial, &r.IP, &r.ServerPort); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(err, "failed to scan candidate device")
		}
		picked = append(picked, r)
	}
	if err := rows.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to read candidate devices")
	}

	now := s.now()
	for _, r := range picked {
		if _, err := tx.Exec(
			`INSERT INTO reservations (device_serial, client_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			r.Serial, clientID, now.Unix(), now.Add(s.reserve).Unix(),
		); err != nil {
			return nil, errors.Wrapf(err, "failed to reserve %s", r.Serial)
		}
		if _, err := tx.Exec(
			`UPDATE devices SET status = ? WHERE serial = ?`, string(StatusReserved), r.Serial,
		); err != nil {
			return nil, errors.Wrapf(err, "failed to mark %s reserved", r.Serial)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit reservations")
	}
	return picked, nil
}

func (s *SQLite) ExtendReservations(clientID string, serials []string) ([]string, error) {
	expires := s.now().Add(s.extend).Unix()
	var extended []string
	for _, serial := range serials {
		res, err := s.db.Exec(
			`UPDATE reservations SET expires_at = max(expires_at, ?) WHERE device_serial = ? AND client_id = ?`,
			expires, serial, clientID,
		)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to extend %s", serial)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			extended = append(extended, serial)
		}
	}
	return extended, nil
}

func (s *SQLite) ExtendAllReservations(clientID string) ([]string, error) {
	serials, err := s.clientSerials(clientID)
	if err != nil {
		return nil, err
	}
	return s.ExtendReservations(clientID, serials)
}

func (s *SQLite) EndReservations(clientID string, serials []string) ([]Ended, error) {
	var ended []Ended
	for _, serial := range serials {
		rows, err := s.queryEnded(
			`SELECT r.device_serial, r.client_id, w.ip, w.server_port
			 FROM reservations r
			 JOIN devices d ON d.serial = r.device_serial
			 JOIN workers w ON w.name = d.worker_name
			 WHERE r.device_serial = ? AND r.client_id = ?`, serial, clientID)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			continue
		}
		if _, err := s.db.Exec(
			`DELETE FROM reservations WHERE device_serial = ? AND client_id = ?`, serial, clientID,
		); err != nil {
			return nil, errors.Wrapf(err, "failed to end reservation for %s", serial)
		}
		ended = append(ended, rows...)
	}
	return ended, nil
}

func (s *SQLite) EndAllReservations(clientID string) ([]Ended, error) {
	serials, err := s.clientSerials(clientID)
	if err != nil {
		return nil, err
	}
	return s.EndReservations(clientID, serials)
}

func (s *SQLite) HandleWorkerTimeouts(timeout time.Duration) ([]TimedOut, error) {
	cutoff := s.now().Add(-timeout).Unix()
	rows, err := s.db.Query(
		`SELECT r.device_serial, r.client_id, d.worker_name
		 FROM reservations r
		 JOIN devices d ON d.serial = r.device_serial
		 JOIN workers w ON w.name = d.worker_name
		 WHERE w.last_heartbeat < ?`, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query worker timeouts")
	}
	var timedOut []TimedOut
	for rows.Next() {
		var t TimedOut
		if err := rows.Scan(&t.Serial, &t.ClientID, &t.Worker); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(err, "failed to scan timeout row")
		}
		timedOut = append(timedOut, t)
	}
	if err := rows.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to read timeout rows")
	}

	for _, t := range timedOut {
		if _, err := s.db.Exec(`DELETE FROM reservations WHERE device_serial = ?`, t.Serial); err != nil {
			return nil, errors.Wrapf(err, "failed to drop reservation for %s", t.Serial)
		}
		if _, err := s.db.Exec(
			`UPDATE devices SET status = ? WHERE serial = ?`, string(StatusBroken), t.Serial,
		); err != nil {
			return nil, errors.Wrapf(err, "failed to break device %s", t.Serial)
		}
	}
	return timedOut, nil
}

func (s *SQLite) HandleReservationTimeouts() ([]Ended, error) {
	ended, err := s.queryEnded(
		`SELECT r.device_serial, r.client_id, w.ip, w.server_port
		 FROM reservations r
		 JOIN devices d ON d.serial = r.device_serial
		 JOIN workers w ON w.name = d.worker_name
		 WHERE r.expires_at < ?`, s.now().Unix())
	if err != nil {
		return nil, err
	}
	for _, e := range ended {
		if _, err := s.db.Exec(`DELETE FROM reservations WHERE device_serial = ?`, e.Serial); err != nil {
			return nil, errors.Wrapf(err, "failed to expire reservation for %s", e.Serial)
		}
	}
	return ended, nil
}

func (s *SQLite) ReservationsEndingSoon(window time.Duration) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT device_serial FROM reservations WHERE expires_at - ? <= ?`,
		s.now().Unix(), int64(window.Seconds()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query ending-soon reservations")
	}
	defer func() { _ = rows.Close() }()

	var serials []string
	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			return nil, errors.Wrap(err, "failed to scan ending-soon row")
		}
		serials = append(serials, serial)
	}
	return serials, rows.Err()
}

func (s *SQLite) clientSerials(clientID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT device_serial FROM reservations WHERE client_id = ?`, clientID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list reservations for %s", clientID)
	}
	defer func() { _ = rows.Close() }()

	var serials []string
	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			return nil, errors.Wrap(err, "failed to scan reservation row")
		}
		serials = append(serials, serial)
	}
	return serials, rows.Err()
}

func (s *SQLite) queryEnded(query string, args ...any) ([]Ended, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query reservations")
	}
	defer func() { _ = rows.Close() }()

	var ended []Ended
	for rows.Next() {
		var e Ended
		if err := rows.Scan(&e.Serial, &e.ClientID, &e.WorkerIP, &e.WorkerPort); err != nil {
			return nil, errors.Wrap(err, "failed to scan reservation row")
		}
		ended = append(ended, e)
	}
	return ended, rows.Err()
}
