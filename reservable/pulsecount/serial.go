// SPDX-License-Identifier: Apache-2.0

package pulsecount

import (
	"io"
	"os"

	"github.com/efficientgo/core/errors"
	"golang.org/x/sys/unix"
)

// openSerial opens the board's CDC serial node raw at 115200 baud. The
// firmware's TinyUSB stack ignores the rate, but termios still needs one.
func openSerial(devNode string) (io.ReadWriteCloser, error) {
	f, err := os.OpenFile(devNode, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial node %s", devNode)
	}

	fd := int(f.Fd())
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to read termios of %s", devNode)
	}

	// Raw mode: no echo, no line editing, no CR/NL translation.
	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag &^= unix.CSIZE | unix.PARENB | unix.CBAUD
	tio.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD | unix.B115200
	tio.Ispeed = unix.B115200
	tio.Ospeed = unix.B115200
	// Block until at least one byte, no inter-byte timer.
	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to configure serial node %s", devNode)
	}
	return f, nil
}
