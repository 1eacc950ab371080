// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"time"

	"github.com/efficientgo/core/errors"
	"golang.org/x/sys/unix"
)

// SendBootloader opens the serial node at 1200 baud and closes it again.
// The touch-at-1200-baud convention is how RP2040-family boards are asked to
// reboot into their UF2 bootloader; the subsequent partition add event is
// what the flash states act on.
func SendBootloader(devNode string) error {
	fd, err := unix.Open(devNode, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open serial node %s", devNode)
	}
	defer func() { _ = unix.Close(fd) }()

	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return errors.Wrapf(err, "failed to read termios of %s", devNode)
	}

	tio.Cflag &^= unix.CBAUD
	tio.Cflag |= unix.B1200 | unix.CLOCAL | unix.CREAD
	tio.Ispeed = unix.B1200
	tio.Ospeed = unix.B1200
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		return errors.Wrapf(err, "failed to set 1200 baud on %s", devNode)
	}

	// Pull DTR low before closing; some firmwares only trigger on the drop.
	status, err := unix.IoctlGetInt(fd, unix.TIOCMGET)
	if err == nil {
		status &^= unix.TIOCM_DTR
		_ = unix.IoctlSetPointerInt(fd, unix.TIOCMSET, status)
	}

	time.Sleep(100 * time.Millisecond)
	return nil
}
