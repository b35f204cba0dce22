package httptap

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// inFlightEntry is the bookkeeping kept for one observed request while its
// response is pending. Request size is computed up front so the request object
// itself does not need to be retained.
type inFlightEntry struct {
	arrived      time.Time
	method       string
	reqSize      float64
	reqSizeKnown bool
}

// Correlator matches responses to the requests that produced them and records
// metrics for each completed pair. It assumes strict pipelining: within one
// correlator, the n-th response observed corresponds to the n-th request
// observed. Messages pass through untouched; the correlator only reads their
// metadata.
//
// A Correlator is bound to one request/response pipeline and is not safe for
// concurrent use. The pipeline delivers its events sequentially, so the
// in-flight queue needs no locking. Any number of correlators may share one
// MetricsSink.
type Correlator struct {
	id     xid.ID
	tap    *Tap
	logger zerolog.Logger
	now    func() time.Time

	queue  []inFlightEntry
	closed bool
}

// ID returns the unique identifier of the correlator.
func (c *Correlator) ID() xid.ID {
	return c.id
}

// InFlight returns the number of requests observed but not yet matched to a
// response.
func (c *Correlator) InFlight() int {
	return len(c.queue)
}

// OnRequest observes a request heading downstream and forwards it, unchanged,
// via forward. A nil forward skips forwarding. Runs in constant time.
func (c *Correlator) OnRequest(req *http.Request, forward func(*http.Request)) {
	if !c.closed {
		size, known := requestSize(req)
		c.queue = append(c.queue, inFlightEntry{
			arrived:      c.now(),
			method:       req.Method,
			reqSize:      size,
			reqSizeKnown: known,
		})
		c.tap.sink.IncInFlight()
		c.tap.observed.Inc()
	}
	if forward != nil {
		forward(req)
	}
}

// OnResponse observes a response heading upstream, records metrics for the
// completed pair, and forwards the response, unchanged, via forward. A nil
// forward skips forwarding.
//
// A response arriving with an empty in-flight queue violates the pipelining
// assumption. The correlator skips metric recording for that response, counts
// the anomaly, and still forwards it; instrumentation never interferes with
// the data path.
func (c *Correlator) OnResponse(resp *http.Response, forward func(*http.Response)) {
	c.observeResponse(resp)
	if forward != nil {
		forward(resp)
	}
}

func (c *Correlator) observeResponse(resp *http.Response) {
	if c.closed {
		return
	}
	if len(c.queue) == 0 {
		c.tap.underflows.Inc()
		c.logger.Warn().
			Str("correlator_id", c.id.String()).
			Int("status", resp.StatusCode).
			Msg("response observed with empty in-flight queue, skipping metrics")
		return
	}

	entry := c.queue[0]
	c.queue[0] = inFlightEntry{}
	c.queue = c.queue[1:]
	if len(c.queue) == 0 {
		c.queue = nil
	}

	elapsed := c.now().Sub(entry.arrived)
	status := strconv.Itoa(resp.StatusCode)

	sink := c.tap.sink
	sink.DecInFlight()
	sink.IncTotal(entry.method, status)
	sink.ObserveDuration(entry.method, status, float64(elapsed)/float64(time.Microsecond))
	if entry.reqSizeKnown {
		sink.ObserveRequestSize(entry.method, status, entry.reqSize)
	}
	if size, known := responseSize(resp); known {
		sink.ObserveResponseSize(entry.method, status, size)
	}
	c.tap.completed.Inc()
}

// Close marks the correlator as done and discards any entries still awaiting
// responses. Discarded entries emit no pair metrics, but the shared in-flight
// gauge is decremented for each so it does not drift when a pipeline is torn
// down mid-flight. Close is idempotent.
func (c *Correlator) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if n := len(c.queue); n > 0 {
		for range c.queue {
			c.tap.sink.DecInFlight()
		}
		c.tap.discarded.Add(int64(n))
		c.logger.Debug().
			Str("correlator_id", c.id.String()).
			Int("discarded", n).
			Msg("correlator closed with requests still in flight")
	}
	c.queue = nil
	c.tap.dropCorrelator(c.id)

	return nil
}
