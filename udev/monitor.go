// SPDX-License-Identifier: Apache-2.0

package udev

import (
	"os"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// Source selects which uevent multicast group a Monitor joins.
type Source uint32

const (
	// Kernel receives raw kernel uevents. These fire for hotplug even when a
	// device's user-space processing lags, which is what the usbip disconnect
	// observer relies on.
	Kernel Source = 1
	// Udev receives post-processing udev broadcasts, which carry the ID_*
	// properties (serial, model) the device manager matches on.
	Udev Source = 2
)

// HandlerFunc consumes one device event.
type HandlerFunc func(action string, ev Event)

// Monitor is a NETLINK_KOBJECT_UEVENT listener.
type Monitor struct {
	fd     int
	source Source
	logger log.Logger

	closeOnce chan struct{}
}

// NewMonitor opens a netlink uevent socket subscribed to source.
func NewMonitor(source Source, logger log.Logger) (*Monitor, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open uevent netlink socket")
	}
	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: uint32(source),
		Pid:    uint32(os.Getpid()),
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "failed to bind uevent netlink socket")
	}
	return &Monitor{fd: fd, source: source, logger: logger, closeOnce: make(chan struct{})}, nil
}

// Run reads events until Close is called, invoking handle for each parsable
// datagram. Unparsable datagrams are dropped with a debug log.
func (m *Monitor) Run(handle HandlerFunc) error {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		if err != nil {
			select {
			case <-m.closeOnce:
				return nil
			default:
			}
			if err == unix.EINTR || err == unix.ENOBUFS {
				continue
			}
			return errors.Wrap(err, "failed to read uevent")
		}
		action, ev := parseUevent(buf[:n])
		if action == "" {
			_ = level.Debug(m.logger).Log("msg", "dropped unparsable uevent datagram", "len", n)
			continue
		}
		handle(action, ev)
	}
}

// Close terminates a running Run loop.
func (m *Monitor) Close() {
	select {
	case <-m.closeOnce:
		return
	default:
		close(m.closeOnce)
	}
	_ = unix.Close(m.fd)
}
