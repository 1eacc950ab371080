// SPDX-License-Identifier: Apache-2.0

package udev

import (
	"io/fs"
	"path"
	"regexp"
	"strings"

	"github.com/efficientgo/core/errors"
)

const sysDevicesDir = "devices"

var interfaceDirPattern = regexp.MustCompile(`:[0-9]+\.[0-9]+$`)

// Enumerate walks the sysfs device tree under fsys (rooted at /sys in
// production; the devices/ subtree is walked because the bus/ views are
// symlinks an fs.FS will not follow) and synthesizes add-style events for
// devices that were already plugged in before any monitor started. For
// every USB device carrying a serial, the device node itself and every
// child node with a DEVNAME (ttys, partitions) are reported, with ID_MODEL
// and ID_SERIAL_SHORT inherited from the device's sysfs attributes — the
// subset the device manager and the state replays match on.
func Enumerate(fsys fs.FS) ([]Event, error) {
	if _, err := fs.Stat(fsys, sysDevicesDir); err != nil {
		return nil, errors.Wrap(err, "failed to read sysfs devices tree")
	}

	// First pass: find the managed boards. Hubs and other serial-carrying
	// devices stay out so their subtrees don't claim nested boards.
	var deviceDirs []string
	_ = fs.WalkDir(fsys, sysDevicesDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		model := strings.ReplaceAll(readAttr(fsys, p, "product"), " ", "_")
		if knownModels[model] && readAttr(fsys, p, "serial") != "" {
			deviceDirs = append(deviceDirs, p)
			return fs.SkipDir
		}
		return nil
	})

	var events []Event
	for _, dir := range deviceDirs {
		product := readAttr(fsys, dir, "product")
		serial := readAttr(fsys, dir, "serial")
		model := strings.ReplaceAll(product, " ", "_")

		_ = fs.WalkDir(fsys, dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || d.Name() != "uevent" {
				return nil
			}
			nodeDir := path.Dir(p)
			ev := parseUeventFile(fsys, p)
			if ev["DEVNAME"] == "" && nodeDir != dir {
				return nil
			}
			ev["DEVPATH"] = "/" + nodeDir
			ev["ID_MODEL"] = model
			ev["ID_SERIAL_SHORT"] = serial
			if devName := ev["DEVNAME"]; devName != "" && !strings.HasPrefix(devName, "/dev/") {
				ev["DEVNAME"] = "/dev/" + devName
			}
			if ev["SUBSYSTEM"] == "" {
				ev["SUBSYSTEM"] = classifyNode(nodeDir)
			}
			if num := interfaceNumber(fsys, dir, nodeDir); num != "" {
				ev["ID_USB_INTERFACE_NUM"] = num
			}
			events = append(events, ev)
			return nil
		})
	}
	return events, nil
}

// classifyNode derives the subsystem from the sysfs path, which is how the
// class directories are laid out (…/1-2:1.0/tty/ttyACM0, …/block/sda/sda1).
func classifyNode(nodeDir string) string {
	parts := strings.Split(nodeDir, "/")
	for i := len(parts) - 2; i >= 0; i-- {
		switch parts[i] {
		case "tty":
			return "tty"
		case "block":
			return "block"
		}
	}
	return "usb"
}

// interfaceNumber reads bInterfaceNumber from the interface directory the
// node hangs under, if any.
func interfaceNumber(fsys fs.FS, deviceDir, nodeDir string) string {
	rel := strings.TrimPrefix(nodeDir, deviceDir)
	for _, part := range strings.Split(rel, "/") {
		if interfaceDirPattern.MatchString(part) {
			return readAttr(fsys, path.Join(deviceDir, part), "bInterfaceNumber")
		}
	}
	return ""
}

func readAttr(fsys fs.FS, dir, name string) string {
	content, err := fs.ReadFile(fsys, path.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(content))
}

func parseUeventFile(fsys fs.FS, p string) Event {
	ev := make(Event)
	content, err := fs.ReadFile(fsys, p)
	if err != nil {
		return ev
	}
	for _, line := range strings.Split(string(content), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		ev[key] = value
	}
	return ev
}
