// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"regexp"
	"strings"
)

// busIDPattern matches the BUSID grammar from the glossary: digits, a dash,
// then one or more groups of digits or dots (e.g. "1-2.3", "1-2").
var busIDPattern = regexp.MustCompile(`[0-9]+-(?:[0-9]+|\.)+`)

// ParseBusID extracts a busid from a udev DEVPATH string. Two forms are
// accepted: "/usb1/<...>/<BUSID>[:/$]" (the form produced for interfaces and
// other child nodes) and "/usb1/<BUSID>$" (the form produced for the device
// node itself). Returns "", false if neither form matches.
func ParseBusID(devPath string) (string, bool) {
	const prefix = "/usb1/"
	idx := strings.Index(devPath, prefix)
	if idx < 0 {
		return "", false
	}
	rest := devPath[idx+len(prefix):]

	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	if colon := strings.Index(rest, ":"); colon >= 0 {
		rest = rest[:colon]
	}

	if !busIDPattern.MatchString(rest) {
		return "", false
	}
	return busIDPattern.FindString(rest), true
}
