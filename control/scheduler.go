// SPDX-License-Identifier: Apache-2.0

package control

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbipice/usbipice/eventbus"
	"github.com/usbipice/usbipice/store"
)

// SchedulerConfig holds the periods of the four background loops and their
// thresholds.
type SchedulerConfig struct {
	HeartbeatPeriod  time.Duration
	TimeoutPeriod    time.Duration
	ExpirePeriod     time.Duration
	EndingSoonPeriod time.Duration

	// WorkerTimeout is how long a worker may go without a successful
	// heartbeat before its reservations are failed over.
	WorkerTimeout time.Duration
	// NotifyWindow is how far ahead of expiry the ending-soon notification
	// fires.
	NotifyWindow time.Duration
}

// DefaultSchedulerConfig mirrors the documented defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		HeartbeatPeriod:  15 * time.Second,
		TimeoutPeriod:    15 * time.Second,
		ExpirePeriod:     30 * time.Second,
		EndingSoonPeriod: 300 * time.Second,
		WorkerTimeout:    60 * time.Second,
		NotifyWindow:     20 * time.Minute,
	}
}

// Scheduler runs control's four periodic loops: worker heartbeat, worker
// timeout, reservation expiry and ending-soon notification. Each tick runs
// its body in a fresh goroutine; a body still running when the next tick
// arrives causes that tick to be skipped, never queued.
type Scheduler struct {
	control *Control
	st      store.Store
	sender  *eventbus.Sender
	client  *http.Client
	cfg     SchedulerConfig
	logger  log.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewScheduler(control *Control, st store.Store, sender *eventbus.Sender, cfg SchedulerConfig, logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Scheduler{
		control: control,
		st:      st,
		sender:  sender,
		client:  &http.Client{Timeout: httpTimeout},
		cfg:     cfg,
		logger:  log.With(logger, "component", "scheduler"),
		stop:    make(chan struct{}),
	}
}

// Run blocks until Stop is called.
func (s *Scheduler) Run() error {
	s.loop("heartbeat", s.cfg.HeartbeatPeriod, s.heartbeatWorkers)
	s.loop("worker-timeout", s.cfg.TimeoutPeriod, s.workerTimeouts)
	s.loop("reservation-expire", s.cfg.ExpirePeriod, s.reservationTimeouts)
	s.loop("ending-soon", s.cfg.EndingSoonPeriod, s.endingSoon)
	<-s.stop
	s.wg.Wait()
	return nil
}

// Stop terminates the loops. In-flight bodies finish.
func (s *Scheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

func (s *Scheduler) loop(name string, period time.Duration, body func()) {
	var inFlight atomic.Bool
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !inFlight.CompareAndSwap(false, true) {
					_ = level.Warn(s.logger).Log("msg", "loop body overran its period; skipping tick", "loop", name)
					continue
				}
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					defer inFlight.Store(false)
					body()
				}()
			case <-s.stop:
				return
			}
		}
	}()
}

// heartbeatWorkers probes every worker's /heartbeat and records successes.
func (s *Scheduler) heartbeatWorkers() {
	workers, err := s.st.Workers()
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "failed to list workers", "err", err)
		return
	}
	for _, w := range workers {
		url := fmt.Sprintf("http://%s:%d/heartbeat", w.IP, w.ServerPort)
		res, err := s.client.Get(url)
		if err != nil {
			_ = level.Error(s.logger).Log("msg", "worker failed heartbeat check", "worker", w.Name, "err", err)
			continue
		}
		_ = res.Body.Close()
		if res.StatusCode != http.StatusOK {
			_ = level.Error(s.logger).Log("msg", "worker failed heartbeat check", "worker", w.Name, "status", res.StatusCode)
			continue
		}
		if err := s.st.HeartbeatWorker(w.Name); err != nil {
			_ = level.Warn(s.logger).Log("msg", "failed to record heartbeat", "worker", w.Name, "err", err)
		}
	}
}

// workerTimeouts fails over reservations under workers that went quiet.
func (s *Scheduler) workerTimeouts() {
	timedOut, err := s.st.HandleWorkerTimeouts(s.cfg.WorkerTimeout)
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "failed to handle worker timeouts", "err", err)
		return
	}
	for _, t := range timedOut {
		s.sender.SendTo(t.ClientID, t.Serial, map[string]any{
			"event":  "failure",
			"serial": t.Serial,
		})
		_ = s.logger.Log("msg", "worker timed out; failed device over", "worker", t.Worker, "serial", t.Serial)
	}
}

// reservationTimeouts expires overdue reservations.
func (s *Scheduler) reservationTimeouts() {
	ended, err := s.st.HandleReservationTimeouts()
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "failed to handle reservation timeouts", "err", err)
		return
	}
	for _, e := range ended {
		s.sender.SendTo(e.ClientID, e.Serial, map[string]any{
			"event":  "reservation end",
			"serial": e.Serial,
		})
		if err := s.control.unreserveWorker(e.WorkerIP, e.WorkerPort, e.Serial); err != nil {
			_ = level.Warn(s.logger).Log("msg", "failed to instruct worker to unreserve", "serial", e.Serial, "err", err)
		}
		_ = s.logger.Log("msg", "reservation expired", "serial", e.Serial, "client", e.ClientID)
	}
}

// endingSoon warns clients whose reservations approach expiry.
func (s *Scheduler) endingSoon() {
	serials, err := s.st.ReservationsEndingSoon(s.cfg.NotifyWindow)
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "failed to query ending-soon reservations", "err", err)
		return
	}
	for _, serial := range serials {
		s.sender.Send(serial, map[string]any{
			"event":  "reservation ending soon",
			"serial": serial,
		})
	}
}
