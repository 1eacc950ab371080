// SPDX-License-Identifier: Apache-2.0

// Package firmware holds the flashing I/O primitives: mounting a board's
// bootloader partition, verifying it really is the UF2 bootloader, copying a
// firmware image onto it and probing a freshly flashed board for the default
// firmware banner.
package firmware

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
)

const (
	mountTimeout = 10 * time.Second
	copyTimeout  = 15 * time.Second
)

// bootMarkers is the exact directory listing of a UF2 bootloader partition.
// Anything else means we mounted the wrong thing.
var bootMarkers = []string{"INDEX.HTM", "INFO_UF2.TXT"}

// Runner executes one external command to completion. The default shells
// out; tests substitute a recorder.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run()
}

// Uploader drives one firmware upload cycle per call. Zero value is not
// usable; use NewUploader.
type Uploader struct {
	run  Runner
	list func(dir string) ([]string, error)
}

func NewUploader() *Uploader {
	return &Uploader{run: execRunner, list: listDir}
}

// NewUploaderWith injects the command runner and directory lister, for tests.
func NewUploaderWith(run Runner, list func(string) ([]string, error)) *Uploader {
	return &Uploader{run: run, list: list}
}

func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

// ErrNotBootloader reports a mounted partition whose listing did not match
// the bootloader markers. The caller retries on the next partition event
// rather than breaking the device.
var ErrNotBootloader = errors.New("mounted partition is not a UF2 bootloader")

// ErrMountFailed reports that the partition never mounted, so nothing was
// written and the device's outcome is still open.
var ErrMountFailed = errors.New("failed to mount partition")

// Upload mounts partition at mountPoint, verifies the bootloader markers,
// copies firmwarePath onto it and unmounts. The unmount runs regardless of
// the copy outcome so the node is never left mounted.
func (u *Uploader) Upload(partition, mountPoint, firmwarePath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), mountTimeout)
	defer cancel()
	if err := u.run(ctx, "mount", partition, mountPoint); err != nil {
		return errors.Wrapf(ErrMountFailed, "%s: %v", partition, err)
	}

	if err := u.verifyMarkers(mountPoint); err != nil {
		u.unmount(mountPoint)
		return err
	}

	copyCtx, cancelCopy := context.WithTimeout(context.Background(), copyTimeout)
	defer cancelCopy()
	if err := u.run(copyCtx, "cp", firmwarePath, mountPoint); err != nil {
		u.unmount(mountPoint)
		return errors.Wrapf(err, "failed to copy firmware to %s", mountPoint)
	}

	u.unmount(mountPoint)
	return nil
}

func (u *Uploader) verifyMarkers(mountPoint string) error {
	names, err := u.list(mountPoint)
	if err != nil {
		return errors.Wrapf(err, "failed to list %s", mountPoint)
	}
	sort.Strings(names)
	if len(names) != len(bootMarkers) {
		return ErrNotBootloader
	}
	for i, want := range bootMarkers {
		if names[i] != want {
			return ErrNotBootloader
		}
	}
	return nil
}

func (u *Uploader) unmount(mountPoint string) {
	ctx, cancel := context.WithTimeout(context.Background(), mountTimeout)
	defer cancel()
	_ = u.run(ctx, "umount", mountPoint)
}

// CheckDefault opens the serial node and reads until the default firmware's
// banner shows up or the deadline passes. A freshly flashed board prints the
// banner continuously.
func CheckDefault(devNode string, timeout time.Duration) bool {
	f, err := os.OpenFile(devNode, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	if err := f.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		// Not a pollable file; read what's there once.
		buf := make([]byte, 4096)
		n, _ := f.Read(buf)
		return strings.Contains(string(buf[:n]), "default firmware")
	}

	var seen strings.Builder
	buf := make([]byte, 512)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			seen.Write(buf[:n])
			if strings.Contains(seen.String(), "default firmware") {
				return true
			}
		}
		if err != nil {
			return false
		}
	}
}
