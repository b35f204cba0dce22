// Package httptap is a transparent instrumentation layer inserted between an
// HTTP transport and an application handler. It observes every request flowing
// downstream and every response flowing upstream, correlates each response
// with the request that produced it, and emits latency, size, and concurrency
// metrics without altering the observed messages.
package httptap

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jkbrsn/taskman"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Tap owns the metrics sink and spawns the correlators that observe HTTP
// traffic. A single Tap is typically shared by a whole process; its sink
// aggregates observations from every correlator.
type Tap struct {
	sink   MetricsSink
	logger zerolog.Logger
	now    func() time.Time

	correlators   sync.Map // key xid.ID to value *Correlator
	taskManager   *taskman.TaskManager
	statsInterval time.Duration

	observed   atomic.Int64
	completed  atomic.Int64
	underflows atomic.Int64
	discarded  atomic.Int64

	closeOnce sync.Once
}

// Option is a functional option for the Tap.
type Option func(*Tap)

// WithLogger attaches a logger to the Tap. Defaults to a no-op logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tap) {
		t.logger = logger
	}
}

// WithClock overrides the time source used for latency measurements. Intended
// for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tap) {
		t.now = now
	}
}

// WithStatsInterval makes the Tap log a snapshot of its aggregate counters at
// the given cadence. A zero or negative interval disables the reporting.
func WithStatsInterval(interval time.Duration) Option {
	return func(t *Tap) {
		t.statsInterval = interval
	}
}

// New creates and returns a new Tap recording into sink.
func New(sink MetricsSink, opts ...Option) *Tap {
	t := &Tap{
		sink:   sink,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.statsInterval > 0 {
		t.taskManager = taskman.New()
		job := taskman.Job{
			ID:       "httptap-stats",
			Cadence:  t.statsInterval,
			NextExec: time.Now().Add(t.statsInterval),
			Tasks:    []taskman.Task{statsTask{tap: t}},
		}
		if err := t.taskManager.ScheduleJob(job); err != nil {
			t.logger.Error().Err(err).Msg("failed to schedule stats job")
		}
	}

	return t
}

// NewCorrelator creates a correlator bound to this Tap and registers it. Use
// it to compose the tap into custom streaming machinery; Instrument,
// Middleware, and Transport cover the common net/http arrangements.
func (t *Tap) NewCorrelator() *Correlator {
	c := &Correlator{
		id:     xid.New(),
		tap:    t,
		logger: t.logger,
		now:    t.now,
	}
	t.correlators.Store(c.id, c)
	return c
}

func (t *Tap) dropCorrelator(id xid.ID) {
	t.correlators.Delete(id)
}

// Close shuts down the Tap: the stats reporting job is stopped and any open
// correlators are closed, restoring the shared in-flight gauge. Close the Tap
// only after the instrumented servers and clients have stopped.
func (t *Tap) Close() error {
	t.closeOnce.Do(func() {
		if t.taskManager != nil {
			t.taskManager.Stop()
		}
		t.correlators.Range(func(_, value any) bool {
			_ = value.(*Correlator).Close()
			return true
		})
	})
	return nil
}

// Stats is a snapshot of a Tap's aggregate counters.
type Stats struct {
	RequestsObserved int64 `json:"requests_observed"`
	PairsCompleted   int64 `json:"pairs_completed"`
	Underflows       int64 `json:"underflows"`
	Discarded        int64 `json:"discarded"`
	OpenCorrelators  int   `json:"open_correlators"`
}

// Stats returns a snapshot of the Tap's aggregate counters.
func (t *Tap) Stats() Stats {
	open := 0
	t.correlators.Range(func(_, _ any) bool {
		open++
		return true
	})
	return Stats{
		RequestsObserved: t.observed.Load(),
		PairsCompleted:   t.completed.Load(),
		Underflows:       t.underflows.Load(),
		Discarded:        t.discarded.Load(),
		OpenCorrelators:  open,
	}
}

// StatsHandler returns an HTTP handler that serves the Tap's stats as JSON.
func (t *Tap) StatsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		data, err := sonic.Marshal(t.Stats())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
}

// statsTask periodically logs a snapshot of the Tap's aggregate counters.
// Implements taskman.Task.
type statsTask struct {
	tap *Tap
}

// Execute logs the current stats snapshot.
func (s statsTask) Execute() error {
	stats := s.tap.Stats()
	s.tap.logger.Info().
		Int64("requests_observed", stats.RequestsObserved).
		Int64("pairs_completed", stats.PairsCompleted).
		Int64("underflows", stats.Underflows).
		Int64("discarded", stats.Discarded).
		Int("open_correlators", stats.OpenCorrelators).
		Msg("tap stats")
	return nil
}
