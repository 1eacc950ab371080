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

	"github.com/efficientgo/core/errors"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/usbipice/usbipice/config"
	"github.com/usbipice/usbipice/control"
	"github.com/usbipice/usbipice/eventbus"
	"github.com/usbipice/usbipice/store"
)

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	cfg, err := config.LoadControl(os.Args[1:])
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database, cfg.ReserveDuration, cfg.ExtendDuration)
	if err != nil {
		return errors.Wrap(err, "failed to open store")
	}
	defer func() { _ = st.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sender := eventbus.NewSender(st.GetDeviceCallback, eventbus.DefaultGrace, logger)
	defer sender.Close()

	ctl := control.New(st, sender, logger)
	scheduler := control.NewScheduler(ctl, st, sender, control.SchedulerConfig{
		HeartbeatPeriod:  cfg.HeartbeatPeriod,
		TimeoutPeriod:    cfg.TimeoutPeriod,
		ExpirePeriod:     cfg.ExpirePeriod,
		EndingSoonPeriod: cfg.EndingSoonPeriod,
		WorkerTimeout:    cfg.WorkerTimeout,
		NotifyWindow:     cfg.NotifyWindow,
	}, logger)

	var g run.Group
	{
		// Run the HTTP and socket server.
		router := control.NewRouter(ctl, sender, reg, logger)
		listen := net.JoinHostPort("", strconv.Itoa(cfg.Port))
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
		// The four background loops.
		g.Add(scheduler.Run, func(error) {
			scheduler.Stop()
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

	_ = logger.Log("msg", "control started", "port", cfg.Port)
	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
