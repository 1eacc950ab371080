// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	baseerrors "errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
)

const (
	// DefaultSysRoot is where the real sysfs is mounted; tests substitute an
	// fstest.MapFS for reads and never exercise the write path.
	DefaultSysRoot = "/sys"

	sysBus                   = "bus"
	vhciControllerBusType    = "platform"
	vhciControllerDeviceName = "vhci_hcd.0"
	usbipHostDriverName      = "usbip-host"
)

func hostControllerPath() string {
	return path.Join(sysBus, vhciControllerBusType, "devices", vhciControllerDeviceName)
}

func usbDevicePath(busID string) string {
	return path.Join(sysBus, "usb", "devices", busID)
}

func usbipHostDriverPath() string {
	return path.Join(sysBus, "usb", "drivers", usbipHostDriverName)
}

// SysfsDriver implements VHCIDriver and ExportDriver against the real Linux
// USB/IP sysfs surface: vhci_hcd for the client (import) side and
// usbip-host for the worker (export) side. Reads go through an injected
// fs.FS so tests can substitute testing/fstest.MapFS; writes go directly
// against sysRoot since fs.FS is read-only.
type SysfsDriver struct {
	fsys    fs.FS
	sysRoot string

	// runDir receives one record file per attached port so PortRecords can
	// answer port listings, mirroring the user-space usbip tools.
	runDir string

	availableControllers uint
	slots                []Slot

	logger log.Logger
}

// SetRunDir overrides where attach records are written. Empty disables
// record keeping (used by worker-side instances that never attach).
func (d *SysfsDriver) SetRunDir(dir string) {
	d.runDir = dir
}

// NewExportDriver returns a write-only driver for the worker side: it only
// ever touches the usbip-host bind/unbind attributes, so it needs no vhci
// controller and no readable sysfs snapshot.
func NewExportDriver(sysRoot string, logger log.Logger) *SysfsDriver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &SysfsDriver{sysRoot: sysRoot, logger: logger}
}

// NewSysfsDriver opens the vhci_hcd controller found under fsys and
// allocates its port table. sysRoot is the real filesystem root used for
// writes (bind/unbind/attach/detach); pass DefaultSysRoot in production.
func NewSysfsDriver(fsys fs.FS, sysRoot string, logger log.Logger) (*SysfsDriver, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	d := &SysfsDriver{fsys: fsys, sysRoot: sysRoot, runDir: DefaultVHCIRunDir, logger: logger}

	if err := d.initPorts(); err != nil {
		return nil, err
	}
	if err := d.countControllers(); err != nil {
		return nil, err
	}
	_ = logger.Log("msg", "initialized vhci driver", "nports", len(d.slots), "ncontrollers", d.availableControllers)

	if err := d.UpdateAttachedDevices(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *SysfsDriver) readAttr(sysPath, name string) (string, error) {
	content, err := fs.ReadFile(d.fsys, path.Join(sysPath, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func (d *SysfsDriver) readUint16HexAttr(sysPath, name string) (uint16, error) {
	s, err := d.readAttr(sysPath, name)
	if err != nil {
		return 0, err
	}
	var v uint16
	if _, err := fmt.Sscanf(s, "%04x", &v); err != nil {
		return 0, errors.Wrapf(err, "failed to parse attribute %s", name)
	}
	return v, nil
}

func (d *SysfsDriver) initPorts() error {
	raw, err := d.readAttr(hostControllerPath(), "nports")
	if err != nil {
		return errors.New("failed to read nports attribute")
	}
	var nports uint32
	if _, err := fmt.Sscanf(raw, "%d", &nports); err != nil {
		return errors.New("failed to parse nports attribute")
	}
	if nports == 0 {
		return errors.New("vhci host controller has no ports available")
	}
	d.slots = make([]Slot, nports)
	return nil
}

func (d *SysfsDriver) countControllers() error {
	var count uint
	dir := path.Join(sysBus, vhciControllerBusType, "devices")
	entries, err := fs.ReadDir(d.fsys, dir)
	if err != nil {
		return errors.Wrap(err, "failed to read platform sysdir")
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "vhci_hcd.") {
			count++
		}
	}
	d.availableControllers = count
	return nil
}

func (d *SysfsDriver) describeUSB(slot *Slot, busID string) error {
	sysPath := usbDevicePath(busID)

	vendor, vendErr := d.readUint16HexAttr(sysPath, "idVendor")
	product, prodErr := d.readUint16HexAttr(sysPath, "idProduct")

	if total := baseerrors.Join(vendErr, prodErr); total != nil {
		return errors.Wrap(total, "failed to describe device")
	}

	slot.Device = USBDevice{BusID: busID, Vendor: vendor, Product: product}
	slot.SysPath = sysPath
	return nil
}

func (d *SysfsDriver) parseStatus(content string) error {
	lines := strings.Split(content, "\n")

	for i, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var (
			hubSpeed string
			port     VirtualPort
			status   PortStatus
			speed    int
			deviceID uint32
			fd       uint
			busID    string
		)
		_, err := fmt.Sscanf(line, "%2s  %d %d %d %x %d %31s", &hubSpeed, &port, &status, &speed, &deviceID, &fd, &busID)
		if err != nil {
			return errors.Wrapf(err, "failed to parse status line %d: %s", i, line)
		}
		if int(port) >= len(d.slots) {
			return errors.Newf("status line %d: port %d out of range", i, port)
		}

		slot := &d.slots[port]
		if hubSpeed == "hs" {
			slot.HubSpeed = HubSpeedHigh
		} else {
			slot.HubSpeed = HubSpeedSuper
		}
		slot.Port = port
		slot.Status = status
		slot.DeviceID = deviceID

		if status == PortStatusNull || status == PortStatusNotAssigned {
			slot.Device = USBDevice{}
			slot.SysPath = ""
			continue
		}
		if err := d.describeUSB(slot, busID); err != nil {
			return errors.Wrapf(err, "failed to describe device %s", busID)
		}
	}
	return nil
}

// UpdateAttachedDevices re-reads every controller's status file.
func (d *SysfsDriver) UpdateAttachedDevices() error {
	for i := uint(0); i < d.availableControllers; i++ {
		name := "status"
		if i > 0 {
			name = fmt.Sprintf("status.%d", i)
		}
		status, err := d.readAttr(hostControllerPath(), name)
		if err != nil {
			return errors.Newf("failed to read status of controller %d", i)
		}
		if err := d.parseStatus(status); err != nil {
			return err
		}
	}
	return nil
}

// Slots implements VHCIDriver.
func (d *SysfsDriver) Slots() []Slot {
	return d.slots
}

func (d *SysfsDriver) freePort(speed USBDeviceSpeed) (VirtualPort, error) {
	for _, slot := range d.slots {
		if (slot.HubSpeed == HubSpeedSuper) != (speed == SpeedSuper) {
			continue
		}
		if slot.IsEmpty() {
			return slot.Port, nil
		}
	}
	return 0, errors.New("no free vhci port available")
}

// AttachDevice implements VHCIDriver.
func (d *SysfsDriver) AttachDevice(conn *net.TCPConn, deviceID uint32, speed USBDeviceSpeed) (VirtualPort, error) {
	port, err := d.freePort(speed)
	if err != nil {
		return 0, err
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return 0, errors.Wrap(err, "failed to access raw connection")
	}
	var attachErr error
	err = rawConn.Control(func(fd uintptr) {
		attachStr := fmt.Sprintf("%d %d %d %d", port, fd, deviceID, speed)
		attachErr = d.writeSys(path.Join(hostControllerPath(), "attach"), attachStr)
	})
	if attachErr != nil {
		return 0, attachErr
	}
	if err != nil {
		return 0, errors.Wrap(err, "raw I/O to attach device failed")
	}
	return port, nil
}

// DetachDevice implements VHCIDriver.
func (d *SysfsDriver) DetachDevice(port VirtualPort) error {
	if int(port) >= len(d.slots) {
		return errors.Newf("port number %d out of bounds", port)
	}
	if d.runDir != "" {
		_ = os.Remove(filepath.Join(d.runDir, fmt.Sprintf("port%d", port)))
	}
	return d.writeSys(path.Join(hostControllerPath(), "detach"), fmt.Sprintf("%d", port))
}

// Bind implements ExportDriver: exports busID through usbip-host so it
// becomes importable by a remote client.
func (d *SysfsDriver) Bind(busID string) error {
	return d.writeSys(path.Join(usbipHostDriverPath(), "bind"), busID)
}

// Unbind implements ExportDriver.
func (d *SysfsDriver) Unbind(busID string) error {
	return d.writeSys(path.Join(usbipHostDriverPath(), "unbind"), busID)
}

func (d *SysfsDriver) writeSys(relPath, content string) error {
	full := filepath.Join(d.sysRoot, relPath)
	f, err := os.OpenFile(full, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s for writing", relPath)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(content); err != nil {
		return errors.Wrapf(err, "failed to write command to %s", relPath)
	}
	return nil
}
