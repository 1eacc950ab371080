// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/usbipice/usbipice/adapter"
	"github.com/usbipice/usbipice/config"
	"github.com/usbipice/usbipice/devstate"
	"github.com/usbipice/usbipice/eventbus"
	"github.com/usbipice/usbipice/firmware"
	"github.com/usbipice/usbipice/reservable/pulsecount"
	"github.com/usbipice/usbipice/reservable/usbip"
	"github.com/usbipice/usbipice/store"
	"github.com/usbipice/usbipice/udev"
	"github.com/usbipice/usbipice/worker"
)

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	cfg, err := config.LoadWorker(os.Args[1:])
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	if cfg.ControlServer != "" {
		remote := worker.NewRemoteLogger(logger, cfg.ControlServer, cfg.Name)
		defer remote.Close()
		logger = remote
	}

	st, err := store.Open(cfg.Database, time.Hour, time.Hour)
	if err != nil {
		return errors.Wrap(err, "failed to open store")
	}
	defer func() { _ = st.Close() }()

	if err := st.AddWorker(cfg.Name, cfg.VirtualIP, cfg.ServerPort); err != nil {
		return errors.Wrap(err, "failed to register worker")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sender := eventbus.NewSender(st.GetDeviceCallback, eventbus.DefaultGrace, logger)
	defer sender.Close()

	export := adapter.NewExportDriver(adapter.DefaultSysRoot, logger)

	registry := devstate.NewRegistry()
	usbip.Register(registry, usbip.Config{
		Driver:    export,
		ServerIP:  cfg.VirtualIP,
		USBIPPort: cfg.VirtualPort,
	})
	if cfg.PulseCountFirmware != "" {
		pulsecount.Register(registry, pulsecount.Config{FirmwarePath: cfg.PulseCountFirmware})
	}

	manager := worker.NewManager(cfg.Name, st, sender, devstate.Options{
		MediaBase:       cfg.MediaBase,
		DefaultFirmware: cfg.DefaultFirmware,
		Uploader:        firmware.NewUploader(),
		Bootloader:      adapter.SendBootloader,
		Probe:           firmware.CheckDefault,
		Registry:        registry,
	}, logger)

	// Pick up boards that were plugged in before we started.
	if events, err := udev.Enumerate(os.DirFS(adapter.DefaultSysRoot)); err != nil {
		_ = level.Warn(logger).Log("msg", "initial device scan failed", "err", err)
	} else {
		manager.Seed(events)
	}

	var g run.Group
	{
		// Run the HTTP and socket server.
		router := worker.NewRouter(manager, sender, reg, logger)
		listen := net.JoinHostPort("", strconv.Itoa(cfg.ServerPort))
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, router); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// User-space device events drive the state machines.
		monitor, err := udev.NewMonitor(udev.Udev, logger)
		if err != nil {
			return errors.Wrap(err, "failed to open udev monitor")
		}
		g.Add(func() error {
			return monitor.Run(manager.HandleUdevEvent)
		}, func(error) {
			monitor.Close()
		})
	}

	{
		// Raw kernel events feed the usbip disconnect observers.
		monitor, err := udev.NewMonitor(udev.Kernel, logger)
		if err != nil {
			return errors.Wrap(err, "failed to open kernel uevent monitor")
		}
		g.Add(func() error {
			return monitor.Run(manager.HandleKernelEvent)
		}, func(error) {
			monitor.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			select {
			case <-term:
				_ = logger.Log("msg", "caught interrupt; gracefully cleaning up")
			case <-cancel:
			}
			return nil
		}, func(error) {
			close(cancel)
		})
	}

	defer manager.Close()
	_ = logger.Log("msg", "worker started", "name", cfg.Name, "port", cfg.ServerPort)
	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
