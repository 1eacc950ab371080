// SPDX-License-Identifier: Apache-2.0

// clientcli reserves boards over usbip, optionally flashes them with a
// firmware image first, and keeps the attachments alive until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"

	"github.com/usbipice/usbipice/adapter"
	"github.com/usbipice/usbipice/client"
	"github.com/usbipice/usbipice/config"
	"github.com/usbipice/usbipice/firmware"
	"github.com/usbipice/usbipice/udev"
)

const flashWait = 2 * time.Minute

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	driver, err := adapter.NewSysfsDriver(os.DirFS(adapter.DefaultSysRoot), adapter.DefaultSysRoot, logger)
	if err != nil {
		return errors.Wrap(err, "failed to set up vhci driver")
	}
	lister := adapter.NewPortRecords(os.DirFS(adapter.DefaultVHCIRunDir))

	c, err := client.NewUsbipClient(cfg.ControlServer, cfg.Name, driver, lister, logger)
	if err != nil {
		return errors.Wrap(err, "failed to connect to control")
	}
	defer c.Close()

	serials, err := c.Reserve(cfg.Amount)
	if err != nil {
		return errors.Wrap(err, "failed to reserve devices")
	}
	if len(serials) == 0 {
		return errors.New("no devices available")
	}
	_ = logger.Log("msg", "reserved devices", "serials", fmt.Sprintf("%v", serials))

	var g run.Group
	{
		// Local USB activity feeds the timeout detector; the same stream
		// drives the optional flasher.
		monitor, err := udev.NewMonitor(udev.Udev, logger)
		if err != nil {
			return errors.Wrap(err, "failed to open udev monitor")
		}

		var flasher *client.FirmwareFlasher
		if cfg.Firmware != "" {
			flasher = client.NewFirmwareFlasher("client_media", firmware.NewUploader(), adapter.SendBootloader, logger)
		}

		g.Add(func() error {
			return monitor.Run(func(action string, ev udev.Event) {
				if serial := ev.Serial(); serial != "" {
					c.Activity(serial)
				}
				if flasher != nil {
					flasher.HandleUdevEvent(action, ev)
				}
			})
		}, func(error) {
			monitor.Close()
		})

		if flasher != nil {
			// Flashing waits in the background so the monitor actor above is
			// already delivering events by the time partitions appear.
			go func() {
				nodes, err := udev.Enumerate(os.DirFS(adapter.DefaultSysRoot))
				if err != nil {
					_ = level.Warn(logger).Log("msg", "device scan for flashing failed", "err", err)
				}
				flasher.Flash(serials, cfg.Firmware, nodes)
				remaining, failed := flasher.WaitUntilFlashingFinished(flashWait)
				if len(remaining) > 0 || len(failed) > 0 {
					_ = level.Error(logger).Log("msg", "flashing incomplete", "remaining", fmt.Sprintf("%v", remaining), "failed", fmt.Sprintf("%v", failed))
					return
				}
				_ = logger.Log("msg", "flashing finished", "serials", fmt.Sprintf("%v", serials))
			}()
		}
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			select {
			case <-term:
				_ = logger.Log("msg", "caught interrupt; releasing reservations")
			case <-cancel:
			}
			return nil
		}, func(error) {
			close(cancel)
		})
	}

	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
