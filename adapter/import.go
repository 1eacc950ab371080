// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/efficientgo/core/errors"
)

const (
	usbipVersion   = 0x0111
	opReqImport    = 0x8003
	wireTimeout    = 5 * time.Second
	defaultUSBIPPort = 3240
)

type usbipHeader struct {
	Version uint16
	Code    uint16
	Status  uint32
}

type usbipImportRequest struct {
	usbipHeader
	BusID [32]byte
}

// usbipDeviceDescription is the device block of the USB/IP wire protocol,
// shared by the import and devlist responses.
type usbipDeviceDescription struct {
	Path                     [256]byte
	BusID                    [32]byte
	BusNum                   uint32
	DevNum                   uint32
	Speed                    USBDeviceSpeed
	Vendor                   uint16
	Product                  uint16
	BCDDevice                uint16
	DeviceClass              uint8
	DeviceSubClass           uint8
	DeviceProtocol           uint8
	DeviceConfigurationValue uint8
	NumConfigurations        uint8
	NumInterfaces            uint8
}

type usbipImportResponse struct {
	usbipHeader
	usbipDeviceDescription
}

// Attacher is the client-side attach primitive of the device adapter:
// import busID from the worker at host:port and wire it onto the local vhci
// virtual bus.
type Attacher interface {
	Attach(host, busID string, tcpPort int) (VirtualPort, error)
}

// Attach performs the USB/IP import handshake against the remote export
// daemon and hands the established TCP connection to the vhci_hcd attach
// attribute. The kernel owns the socket from then on.
func (d *SysfsDriver) Attach(host, busID string, tcpPort int) (VirtualPort, error) {
	if tcpPort == 0 {
		tcpPort = defaultUSBIPPort
	}
	target := net.JoinHostPort(host, strconv.Itoa(tcpPort))
	conn, err := net.DialTimeout("tcp", target, wireTimeout)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to connect to USB/IP target at %s", target)
	}
	tcpConn := conn.(*net.TCPConn)

	resp, err := importDevice(tcpConn, busID)
	if err != nil {
		_ = tcpConn.Close()
		return 0, err
	}

	port, err := d.AttachDevice(tcpConn, resp.BusNum<<16|resp.DevNum, resp.Speed)
	if err != nil {
		_ = tcpConn.Close()
		return 0, errors.Wrapf(err, "failed to attach imported device %s", busID)
	}

	if d.runDir != "" {
		record := fmt.Sprintf("%s %d %s\n", host, tcpPort, busID)
		recordPath := filepath.Join(d.runDir, fmt.Sprintf("port%d", port))
		if err := os.WriteFile(recordPath, []byte(record), 0o644); err != nil {
			_ = d.logger.Log("msg", "failed to write port record", "port", port, "err", err)
		}
	}
	return port, nil
}

func importDevice(conn *net.TCPConn, busID string) (*usbipImportResponse, error) {
	var busIDBin [32]byte
	copy(busIDBin[:], busID)

	if err := conn.SetDeadline(time.Now().Add(wireTimeout)); err != nil {
		return nil, err
	}
	err := binary.Write(conn, binary.BigEndian, usbipImportRequest{
		usbipHeader{usbipVersion, opReqImport, 0},
		busIDBin,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to write import command")
	}

	resp := usbipImportResponse{}
	if err := binary.Read(conn, binary.BigEndian, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to read import response")
	}
	if resp.Status != 0 {
		return nil, errors.New("import command returned error")
	}
	if resp.BusID != busIDBin {
		return nil, errors.New("import command returned unexpected busid")
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return &resp, nil
}
