// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
	"testing"
	"time"

	"github.com/efficientgo/core/errors"

	"github.com/usbipice/usbipice/firmware"
	"github.com/usbipice/usbipice/udev"
)

type flashUploader struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (u *flashUploader) Upload(partition, mountPoint, firmwarePath string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	return u.err
}

func (u *flashUploader) setErr(err error) {
	u.mu.Lock()
	u.err = err
	u.mu.Unlock()
}

func flashEvent(serial, devName, subsystem, devType string) udev.Event {
	return udev.Event{
		"DEVNAME":         devName,
		"SUBSYSTEM":       subsystem,
		"DEVTYPE":         devType,
		"ID_MODEL":        "RP2350",
		"ID_SERIAL_SHORT": serial,
	}
}

func TestFlasherHappyPath(t *testing.T) {
	uploader := &flashUploader{}
	var triggered []string
	f := NewFirmwareFlasher(t.TempDir(), uploader, func(devNode string) error {
		triggered = append(triggered, devNode)
		return nil
	}, nil)

	f.Flash([]string{"AAA"}, "fw.uf2", []udev.Event{
		flashEvent("AAA", "/dev/ttyACM0", "tty", ""),
	})
	if len(triggered) != 1 {
		t.Fatalf("triggers = %v", triggered)
	}

	// The bootloader partition shows up and the upload completes.
	f.HandleUdevEvent("add", flashEvent("AAA", "/dev/sda1", "block", "partition"))

	remaining, failed := f.WaitUntilFlashingFinished(time.Second)
	if len(remaining) != 0 || len(failed) != 0 {
		t.Fatalf("remaining=%v failed=%v", remaining, failed)
	}
	if uploader.calls != 1 {
		t.Fatalf("uploads = %d", uploader.calls)
	}
}

func TestFlasherUploadFailure(t *testing.T) {
	uploader := &flashUploader{err: errors.New("upload failed")}
	f := NewFirmwareFlasher(t.TempDir(), uploader, func(string) error { return nil }, nil)

	f.Flash([]string{"AAA"}, "fw.uf2", nil)
	f.HandleUdevEvent("add", flashEvent("AAA", "/dev/sda1", "block", "partition"))

	remaining, failed := f.WaitUntilFlashingFinished(time.Second)
	if len(remaining) != 0 {
		t.Fatalf("remaining = %v", remaining)
	}
	if len(failed) != 1 || failed[0] != "AAA" {
		t.Fatalf("failed = %v", failed)
	}
}

func TestFlasherRetriesWrongPartition(t *testing.T) {
	uploader := &flashUploader{err: firmware.ErrNotBootloader}
	f := NewFirmwareFlasher(t.TempDir(), uploader, func(string) error { return nil }, nil)

	f.Flash([]string{"AAA"}, "fw.uf2", nil)
	// The wrong partition mounts but isn't the bootloader: the serial stays
	// queued, nothing is marked failed.
	f.HandleUdevEvent("add", flashEvent("AAA", "/dev/sdb1", "block", "partition"))

	f.mu.Lock()
	_, queued := f.remaining["AAA"]
	failed := len(f.failed)
	f.mu.Unlock()
	if !queued || failed != 0 {
		t.Fatalf("wrong partition resolved the serial: queued=%v failed=%d", queued, failed)
	}

	// Same for a partition that never mounts.
	uploader.setErr(firmware.ErrMountFailed)
	f.HandleUdevEvent("add", flashEvent("AAA", "/dev/sdb1", "block", "partition"))
	f.mu.Lock()
	_, queued = f.remaining["AAA"]
	f.mu.Unlock()
	if !queued {
		t.Fatal("mount failure resolved the serial")
	}

	// The right partition arrives later and completes the flash.
	uploader.setErr(nil)
	f.HandleUdevEvent("add", flashEvent("AAA", "/dev/sda1", "block", "partition"))
	remaining, failedSerials := f.WaitUntilFlashingFinished(time.Second)
	if len(remaining) != 0 || len(failedSerials) != 0 {
		t.Fatalf("remaining=%v failed=%v", remaining, failedSerials)
	}
	uploader.mu.Lock()
	defer uploader.mu.Unlock()
	if uploader.calls != 3 {
		t.Errorf("uploads = %d", uploader.calls)
	}
}

func TestFlasherTimeoutRollsRemainingIntoFailed(t *testing.T) {
	f := NewFirmwareFlasher(t.TempDir(), &flashUploader{}, func(string) error { return nil }, nil)

	f.Flash([]string{"AAA", "BBB"}, "fw.uf2", nil)
	// No partition ever shows up, so both serials are still pending at the timeout.
	remaining, failed := f.WaitUntilFlashingFinished(50 * time.Millisecond)
	if len(remaining) != 0 {
		t.Fatalf("remaining = %v", remaining)
	}
	if len(failed) != 2 {
		t.Fatalf("failed = %v", failed)
	}
}

func TestFlasherIgnoresForeignDevices(t *testing.T) {
	uploader := &flashUploader{}
	f := NewFirmwareFlasher(t.TempDir(), uploader, func(string) error { return nil }, nil)

	f.Flash([]string{"AAA"}, "fw.uf2", nil)
	// A partition for a serial that was never queued.
	f.HandleUdevEvent("add", flashEvent("ZZZ", "/dev/sdb1", "block", "partition"))
	if uploader.calls != 0 {
		t.Fatal("uploaded to a foreign device")
	}

	f.Stop()
	remaining, _ := f.WaitUntilFlashingFinished(0)
	if len(remaining) != 1 || remaining[0] != "AAA" {
		t.Fatalf("remaining = %v", remaining)
	}
}
