// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"testing"
	"testing/fstest"
)

func TestPortListing(t *testing.T) {
	fsys := fstest.MapFS{
		"port0":    {Data: []byte("10.0.0.1 3240 1-2.3\n")},
		"port3":    {Data: []byte("10.0.0.1 3240 1-4\n")},
		"port5":    {Data: []byte("10.0.0.2 3240 2-1\n")},
		"ignored":  {Data: []byte("not a record")},
		"portbad":  {Data: []byte("too few")},
	}

	listing, err := NewPortRecords(fsys).PortListing()
	if err != nil {
		t.Fatal(err)
	}

	if got := listing["10.0.0.1"]; len(got) != 2 {
		t.Errorf("10.0.0.1 buses = %v", got)
	}
	if got := listing["10.0.0.2"]; len(got) != 1 || got[0] != "2-1" {
		t.Errorf("10.0.0.2 buses = %v", got)
	}
}

func TestParseBusID(t *testing.T) {
	for _, tc := range []struct {
		devPath string
		want    string
		ok      bool
	}{
		{"/devices/platform/soc/usb1/1-2.3/1-2.3:1.0/tty/ttyACM0", "1-2.3", true},
		{"/devices/platform/soc/usb1/1-2", "1-2", true},
		{"/devices/platform/soc/usb1/1-2.3.4/", "1-2.3.4", true},
		{"/devices/platform/soc/usb2/whatever", "", false},
		{"/devices/pci0000:00/0000:00:14.0", "", false},
		{"", "", false},
	} {
		got, ok := ParseBusID(tc.devPath)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseBusID(%q) = (%q, %v), want (%q, %v)", tc.devPath, got, ok, tc.want, tc.ok)
		}
	}
}
