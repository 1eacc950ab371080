// SPDX-License-Identifier: Apache-2.0

// Package adapter is the device adapter: bind, unbind, attach, port listing
// and the bootloader trigger pulse. It is the only part of this repo that
// talks to the kernel USB/IP subsystem (vhci_hcd and usbip-host, both
// driven through sysfs) and to serial device nodes.
package adapter

import "net"

// USBDeviceSpeed mirrors the usbip_device_speed enum used in sysfs status
// lines and vhci attach calls.
type USBDeviceSpeed uint32

const (
	SpeedUnknown USBDeviceSpeed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedWireless
	SpeedSuper
)

type HubSpeed uint8

const (
	HubSpeedHigh HubSpeed = iota
	HubSpeedSuper
)

// VirtualPort is a vhci_hcd port index.
type VirtualPort uint8

// PortStatus mirrors usbip_common.h's enum usbip_device_status for vhci
// virtual ports (the VDEV_ST_* values).
type PortStatus uint32

const (
	PortStatusNull PortStatus = iota
	PortStatusNotAssigned
	PortStatusUsed
	PortStatusError
)

// USBDevice is the subset of USB descriptor fields the fabric needs to
// identify and route to a device.
type USBDevice struct {
	Vendor  uint16 `json:"vendor"`
	Product uint16 `json:"product"`
	BusID   string `json:"bus_id"`
}

// Slot describes one vhci_hcd virtual port, as parsed from its status file.
type Slot struct {
	HubSpeed HubSpeed
	Port     VirtualPort
	Status   PortStatus
	DeviceID uint32
	SysPath  string
	Device   USBDevice
}

// IsEmpty reports whether the slot currently holds no imported device.
func (s Slot) IsEmpty() bool {
	return s.Status == PortStatusNull
}

// IsUsed reports whether the slot currently holds an imported device.
func (s Slot) IsUsed() bool {
	return s.Status == PortStatusUsed
}

// VHCIDriver is the client-side half of the device adapter: attaching
// devices imported over the wire to the local vhci_hcd virtual bus, and
// reporting on what's currently attached.
type VHCIDriver interface {
	// AttachDevice attaches the device described by deviceID (busnum<<16 |
	// devnum, as returned by the USB/IP import handshake) over conn to a
	// free virtual port of the requested speed.
	AttachDevice(conn *net.TCPConn, deviceID uint32, speed USBDeviceSpeed) (VirtualPort, error)
	// DetachDevice releases the virtual port.
	DetachDevice(port VirtualPort) error
	// UpdateAttachedDevices re-reads the vhci_hcd status files.
	UpdateAttachedDevices() error
	// Slots returns the current state of every virtual port.
	Slots() []Slot
}

// ExportDriver is the worker-side half of the device adapter: binding a
// local device to the usbip-host driver so it becomes importable, and
// releasing it again.
type ExportDriver interface {
	// Bind exports busID through usbip-host. Failure is non-fatal.
	Bind(busID string) error
	// Unbind releases a previously bound busID.
	Unbind(busID string) error
}
