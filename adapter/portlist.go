// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"io/fs"
	"strings"

	"github.com/efficientgo/core/errors"
)

// DefaultVHCIRunDir is where the attach path drops per-port connection
// records, mirroring the layout the user-space usbip tools use.
const DefaultVHCIRunDir = "/var/run/vhci_hcd"

// PortLister reports which remote buses are currently attached locally, as a
// map from worker ip to bus ids. The client-side timeout detector polls it.
type PortLister interface {
	PortListing() (map[string][]string, error)
}

// PortRecords reads the vhci run directory: one file per attached port named
// "port<N>", each containing "host tcp_port busid". An fs.FS keeps it
// testable the same way the sysfs driver is.
type PortRecords struct {
	fsys fs.FS
}

func NewPortRecords(fsys fs.FS) PortRecords {
	return PortRecords{fsys: fsys}
}

// PortListing implements PortLister.
func (p PortRecords) PortListing() (map[string][]string, error) {
	entries, err := fs.ReadDir(p.fsys, ".")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read vhci run dir")
	}

	out := make(map[string][]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "port") {
			continue
		}
		content, err := fs.ReadFile(p.fsys, entry.Name())
		if err != nil {
			continue
		}
		fields := strings.Fields(string(content))
		if len(fields) < 3 {
			continue
		}
		host, busID := fields[0], fields[2]
		out[host] = append(out[host], busID)
	}
	return out, nil
}
