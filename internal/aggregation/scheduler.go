package aggregation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"greenhouse-telemetry/internal/telemetry"
)

const (
	DefaultPeriod     = 5 * time.Minute
	DefaultStartDelay = 30 * time.Second
)

// ErrRunInProgress is returned by RunOnce while another run is in flight.
var ErrRunInProgress = errors.New("aggregation run already in progress")

// RunReport summarizes one aggregation run.
type RunReport struct {
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	Devices     int       `json:"devices"`
	Written     int       `json:"written"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
}

// Options configures a Scheduler. Zero values select the defaults.
type Options struct {
	Period     time.Duration
	StartDelay time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// Scheduler fires the aggregation job every period while running. Each run
// covers [now-period, now) for every device active in that window. A
// device's window never starts before the end of its newest stored
// aggregate, so a reading is counted in at most one average across timer
// firings, manual runs and restarts.
//
// The zero state is stopped. Start and Stop are idempotent and safe to call
// from any goroutine. Stop prevents future runs but lets a run in progress
// finish; Done is closed once the timer loop has exited.
type Scheduler struct {
	store      Store
	aggregator *Aggregator
	period     time.Duration
	startDelay time.Duration
	now        func() time.Time
	logger     *slog.Logger

	inFlight atomic.Bool

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(store Store, opts Options) *Scheduler {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.StartDelay < 0 {
		opts.StartDelay = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	done := make(chan struct{})
	close(done)

	return &Scheduler{
		store:      store,
		aggregator: NewAggregator(store, opts.Now),
		period:     opts.Period,
		startDelay: opts.StartDelay,
		now:        opts.Now,
		logger:     opts.Logger,
		done:       done,
	}
}

// Period returns the window length.
func (s *Scheduler) Period() time.Duration {
	return s.period
}

// Running reports whether the timer loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Done returns a channel closed when the timer loop is not running.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Start begins firing: once after the start delay, then every period.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)

	s.logger.Info("aggregation scheduler started", "period", s.period.String(), "start_delay", s.startDelay.String())
}

// Stop prevents future firings. It does not wait for a run in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)

	s.logger.Info("aggregation scheduler stopped")
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	initial := time.NewTimer(s.startDelay)
	select {
	case <-stop:
		initial.Stop()
		return
	case <-initial.C:
	}
	s.fire()

	// The period is counted from the end of the first run.
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.fire()
		}
	}
}

// fire runs with its own context so that Stop never cancels a run.
func (s *Scheduler) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), s.period)
	defer cancel()

	if _, err := s.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			s.logger.Info("skipping aggregation firing, previous run still in progress")
			return
		}
		s.logger.Error("aggregation run failed", "error", err)
	}
}

// RunOnce aggregates the window ending now for every active device. A
// failure for one device is logged and counted without stopping the others.
// The returned error covers only the device discovery or ErrRunInProgress.
func (s *Scheduler) RunOnce(ctx context.Context) (RunReport, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return RunReport{}, ErrRunInProgress
	}
	defer s.inFlight.Store(false)

	end := s.now().UTC()
	report := RunReport{WindowStart: end.Add(-s.period), WindowEnd: end}

	devices, err := s.store.ActiveDevices(ctx, report.WindowStart, report.WindowEnd)
	if err != nil {
		return report, err
	}
	report.Devices = len(devices)

	for _, id := range devices {
		from, err := s.resumeFrom(ctx, id, report.WindowStart)
		if err != nil {
			report.Failed++
			s.logger.Error("device aggregation failed", "device_id", id, "error", err)
			continue
		}
		if !from.Before(report.WindowEnd) {
			report.Skipped++
			s.logger.Info("window already aggregated", "device_id", id)
			continue
		}

		rec, err := s.aggregator.AggregateWindow(ctx, id, from, report.WindowEnd)
		switch {
		case errors.Is(err, telemetry.ErrDuplicateWindow):
			report.Skipped++
			s.logger.Info("window already aggregated", "device_id", id)
		case err != nil:
			report.Failed++
			s.logger.Error("device aggregation failed", "device_id", id, "error", err)
		case rec == nil:
			report.Skipped++
			s.logger.Debug("no readings in window", "device_id", id)
		default:
			report.Written++
			s.logger.Debug("window aggregated",
				"device_id", id,
				"samples", rec.SampleCount,
			)
		}
	}

	s.logger.Info("aggregation run finished",
		"window_start", report.WindowStart,
		"window_end", report.WindowEnd,
		"devices", report.Devices,
		"written", report.Written,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}

// resumeFrom returns start, or the end of the device's newest stored window
// when that is later.
func (s *Scheduler) resumeFrom(ctx context.Context, deviceID string, start time.Time) (time.Time, error) {
	last, err := s.store.LatestAggregate(ctx, deviceID)
	switch {
	case errors.Is(err, telemetry.ErrNotFound):
		return start, nil
	case err != nil:
		return time.Time{}, err
	}
	if last.WindowEnd.After(start) {
		return last.WindowEnd, nil
	}
	return start, nil
}
