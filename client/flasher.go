// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbipice/usbipice/devstate"
	"github.com/usbipice/usbipice/firmware"
	"github.com/usbipice/usbipice/udev"
)

// FirmwareFlasher flashes locally attached boards: it reacts to the same
// udev events a worker would, triggering bootloaders on tty nodes and
// uploading onto bootloader partitions. A device is done when its partition
// upload succeeds, failed when the upload fails, remaining otherwise.
type FirmwareFlasher struct {
	mediaBase  string
	uploader   devstate.Uploader
	bootloader func(devNode string) error
	logger     log.Logger

	mu        sync.Mutex
	cv        *sync.Cond
	remaining map[string]string // serial -> firmware path
	uploading map[string]bool
	failed    []string
	stopped   bool
}

func NewFirmwareFlasher(mediaBase string, uploader devstate.Uploader, bootloader func(string) error, logger log.Logger) *FirmwareFlasher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	f := &FirmwareFlasher{
		mediaBase:  mediaBase,
		uploader:   uploader,
		bootloader: bootloader,
		logger:     log.With(logger, "component", "flasher"),
		remaining:  make(map[string]string),
		uploading:  make(map[string]bool),
	}
	f.cv = sync.NewCond(&f.mu)
	return f
}

// Flash queues serials for flashing with the firmware at path and triggers
// the bootloader on every already-known tty node. Returns once queued; wait
// with WaitUntilFlashingFinished.
func (f *FirmwareFlasher) Flash(serials []string, path string, knownNodes []udev.Event) {
	f.mu.Lock()
	f.stopped = false
	for _, serial := range serials {
		f.remaining[serial] = path
	}
	f.mu.Unlock()

	for _, ev := range knownNodes {
		serial := ev.Serial()
		if serial == "" || !f.isQueued(serial) {
			continue
		}
		if ev.Subsystem() == "tty" && ev.DevName() != "" {
			if err := f.bootloader(ev.DevName()); err != nil {
				_ = level.Warn(f.logger).Log("msg", "bootloader trigger failed", "serial", serial, "err", err)
			}
		}
	}
}

func (f *FirmwareFlasher) isQueued(serial string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.remaining[serial]
	return ok
}

// HandleUdevEvent reacts to one local device event; wire it to a udev
// monitor.
func (f *FirmwareFlasher) HandleUdevEvent(action string, ev udev.Event) {
	if action != "add" {
		return
	}
	serial := ev.Serial()
	if serial == "" {
		return
	}
	devName := ev.DevName()
	if devName == "" {
		return
	}

	switch {
	case ev.Subsystem() == "tty":
		if !f.isQueued(serial) {
			return
		}
		if err := f.bootloader(devName); err != nil {
			_ = level.Warn(f.logger).Log("msg", "bootloader trigger failed", "serial", serial, "err", err)
		}

	case ev.DevType() == "partition":
		f.mu.Lock()
		path, queued := f.remaining[serial]
		if !queued {
			f.mu.Unlock()
			return
		}
		delete(f.remaining, serial)
		f.uploading[serial] = true
		f.mu.Unlock()

		f.upload(serial, devName, path)
	}
}

func (f *FirmwareFlasher) upload(serial, partition, path string) {
	mountPath := filepath.Join(f.mediaBase, serial)
	if err := os.MkdirAll(mountPath, 0o755); err != nil {
		_ = level.Error(f.logger).Log("msg", "failed to create mount dir", "serial", serial, "err", err)
		f.requeue(serial, path)
		return
	}

	err := f.uploader.Upload(partition, mountPath, path)
	switch {
	case err == nil:
		f.finish(serial, true)
	case errors.Is(err, firmware.ErrNotBootloader), errors.Is(err, firmware.ErrMountFailed):
		// Nothing was written; wait for the right partition to show up.
		_ = level.Warn(f.logger).Log("msg", "partition not usable yet", "serial", serial, "err", err)
		f.requeue(serial, path)
	default:
		_ = level.Error(f.logger).Log("msg", "upload failed", "serial", serial, "err", err)
		f.finish(serial, false)
	}
}

// requeue puts a serial back into the remaining set after an attempt that
// resolved nothing.
func (f *FirmwareFlasher) requeue(serial, path string) {
	f.mu.Lock()
	delete(f.uploading, serial)
	f.remaining[serial] = path
	f.mu.Unlock()
}

func (f *FirmwareFlasher) finish(serial string, ok bool) {
	f.mu.Lock()
	delete(f.uploading, serial)
	if !ok {
		f.failed = append(f.failed, serial)
	}
	f.cv.Broadcast()
	f.mu.Unlock()
}

// WaitUntilFlashingFinished blocks until every queued device finished or
// failed, the timeout passed, or Stop was called. Returns the serials still
// remaining and the ones that failed; on timeout the remaining roll into
// failed.
func (f *FirmwareFlasher) WaitUntilFlashingFinished(timeout time.Duration) (remaining, failed []string) {
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			f.mu.Lock()
			for serial := range f.remaining {
				f.failed = append(f.failed, serial)
			}
			f.remaining = make(map[string]string)
			f.cv.Broadcast()
			f.mu.Unlock()
		})
		defer timer.Stop()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for (len(f.remaining) > 0 || len(f.uploading) > 0) && !f.stopped {
		f.cv.Wait()
	}

	for serial := range f.remaining {
		remaining = append(remaining, serial)
	}
	failed = f.failed
	f.remaining = make(map[string]string)
	f.failed = nil
	f.stopped = false
	return remaining, failed
}

// Stop aborts waiting; queued devices are reported as remaining.
func (f *FirmwareFlasher) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.cv.Broadcast()
	f.mu.Unlock()
}
