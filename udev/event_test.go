// SPDX-License-Identifier: Apache-2.0

package udev

import (
	"testing"
	"testing/fstest"
)

func kernelDatagram(action, devPath string, props map[string]string) []byte {
	buf := []byte(action + "@" + devPath)
	buf = append(buf, 0)
	buf = append(buf, "ACTION="+action...)
	buf = append(buf, 0)
	buf = append(buf, "DEVPATH="+devPath...)
	buf = append(buf, 0)
	for k, v := range props {
		buf = append(buf, k+"="+v...)
		buf = append(buf, 0)
	}
	return buf
}

func TestParseKernelUevent(t *testing.T) {
	buf := kernelDatagram("add", "/devices/platform/soc/usb1/1-2.3", map[string]string{
		"SUBSYSTEM": "usb",
		"DEVTYPE":   "usb_device",
		"DEVNAME":   "bus/usb/001/004",
	})

	action, ev := parseUevent(buf)
	if action != "add" {
		t.Fatalf("action = %q, want add", action)
	}
	if ev.DevPath() != "/devices/platform/soc/usb1/1-2.3" {
		t.Errorf("devpath = %q", ev.DevPath())
	}
	if ev.Subsystem() != "usb" || ev.DevType() != "usb_device" {
		t.Errorf("subsystem/devtype = %q/%q", ev.Subsystem(), ev.DevType())
	}
}

func TestParseUdevUevent(t *testing.T) {
	buf := []byte("libudev\x00")
	buf = append(buf, make([]byte, 32)...) // rest of the fixed header
	for _, prop := range []string{
		"ACTION=add",
		"DEVNAME=/dev/ttyACM0",
		"SUBSYSTEM=tty",
		"ID_MODEL=RP2350",
		"ID_SERIAL_SHORT=E463A8574B151433",
	} {
		buf = append(buf, prop...)
		buf = append(buf, 0)
	}

	action, ev := parseUevent(buf)
	if action != "add" {
		t.Fatalf("action = %q, want add", action)
	}
	if ev.Serial() != "E463A8574B151433" {
		t.Errorf("serial = %q", ev.Serial())
	}
}

func TestParseUeventRejectsGarbage(t *testing.T) {
	for _, tc := range [][]byte{
		nil,
		[]byte("no nul terminator here"),
		[]byte("not-a-header\x00KEY=VALUE\x00"),
		[]byte("libudev\x00short"),
	} {
		if action, _ := parseUevent(tc); action != "" {
			t.Errorf("parseUevent(%q) accepted garbage: action=%q", tc, action)
		}
	}
}

func TestSerialFiltering(t *testing.T) {
	for _, tc := range []struct {
		name string
		ev   Event
		want string
	}{
		{
			name: "matching tty",
			ev: Event{
				"DEVNAME": "/dev/ttyACM0", "ID_MODEL": "pico-ice", "ID_SERIAL_SHORT": "ABC",
			},
			want: "ABC",
		},
		{
			name: "bus node skipped",
			ev: Event{
				"DEVNAME": "/dev/bus/usb/001/002", "ID_MODEL": "pico-ice", "ID_SERIAL_SHORT": "ABC",
			},
			want: "",
		},
		{
			name: "foreign model skipped",
			ev: Event{
				"DEVNAME": "/dev/ttyUSB0", "ID_MODEL": "CP2102", "ID_SERIAL_SHORT": "XYZ",
			},
			want: "",
		},
		{
			name: "no devname",
			ev:   Event{"ID_MODEL": "Pico", "ID_SERIAL_SHORT": "ABC"},
			want: "",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ev.Serial(); got != tc.want {
				t.Errorf("Serial() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEnumerate(t *testing.T) {
	const board = "devices/platform/soc/usb1/1-2"
	fsys := fstest.MapFS{
		board + "/product": {Data: []byte("RP2350\n")},
		board + "/serial":  {Data: []byte("E463A8574B151433\n")},
		board + "/uevent": {Data: []byte(
			"MAJOR=189\nMINOR=3\nDEVNAME=bus/usb/001/004\nDEVTYPE=usb_device\n",
		)},
		board + "/1-2:1.0/bInterfaceNumber": {Data: []byte("00\n")},
		board + "/1-2:1.0/uevent":           {Data: []byte("DEVTYPE=usb_interface\n")},
		board + "/1-2:1.0/tty/ttyACM0/uevent": {Data: []byte(
			"MAJOR=166\nMINOR=0\nDEVNAME=ttyACM0\n",
		)},
		// A hub carries a serial too but is not a managed board; the board
		// behind it must still be found with its own identity.
		"devices/platform/soc/usb2/2-1/product":     {Data: []byte("USB2.0 Hub\n")},
		"devices/platform/soc/usb2/2-1/serial":      {Data: []byte("HUB001\n")},
		"devices/platform/soc/usb2/2-1/2-1.4/product": {Data: []byte("pico-ice\n")},
		"devices/platform/soc/usb2/2-1/2-1.4/serial":  {Data: []byte("BEHINDHUB\n")},
		"devices/platform/soc/usb2/2-1/2-1.4/uevent": {Data: []byte(
			"DEVNAME=bus/usb/002/007\nDEVTYPE=usb_device\n",
		)},
	}

	events, err := Enumerate(fsys)
	if err != nil {
		t.Fatal(err)
	}

	bySerialAndName := func(serial, devName string) Event {
		for _, ev := range events {
			if ev["ID_SERIAL_SHORT"] == serial && ev.DevName() == devName {
				return ev
			}
		}
		t.Fatalf("no event for %s/%s in %v", serial, devName, events)
		return nil
	}

	root := bySerialAndName("E463A8574B151433", "/dev/bus/usb/001/004")
	if root["ID_MODEL"] != "RP2350" {
		t.Errorf("root identity wrong: %v", root)
	}

	tty := bySerialAndName("E463A8574B151433", "/dev/ttyACM0")
	if tty.Subsystem() != "tty" {
		t.Errorf("tty subsystem = %q", tty.Subsystem())
	}
	if tty["ID_USB_INTERFACE_NUM"] != "00" {
		t.Errorf("tty interface num = %q", tty["ID_USB_INTERFACE_NUM"])
	}
	// The tty node passes the serial filter the manager applies.
	if tty.Serial() != "E463A8574B151433" {
		t.Errorf("tty serial = %q", tty.Serial())
	}

	behind := bySerialAndName("BEHINDHUB", "/dev/bus/usb/002/007")
	if behind["ID_MODEL"] != "pico-ice" {
		t.Errorf("board behind hub got wrong identity: %v", behind)
	}
	for _, ev := range events {
		if ev["ID_SERIAL_SHORT"] == "HUB001" {
			t.Errorf("hub reported as a device: %v", ev)
		}
	}
}
