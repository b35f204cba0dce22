package httptap

// MetricsSink receives the observations produced by correlators. One sink is
// shared by every correlator in a process, so implementations must be safe for
// concurrent use. Implementations must also be non-blocking or very fast; the
// correlator invokes the sink synchronously on the request path.
type MetricsSink interface {
	// IncInFlight and DecInFlight track the number of requests observed but
	// not yet matched to a response.
	IncInFlight()
	DecInFlight()

	// IncTotal counts one completed request/response pair.
	IncTotal(method, status string)

	// ObserveDuration records the elapsed time between a request and its
	// response, in microseconds.
	ObserveDuration(method, status string, micros float64)

	// ObserveRequestSize records the estimated wire size of a request, in
	// bytes. Only invoked when the size is known.
	ObserveRequestSize(method, status string, bytes float64)

	// ObserveResponseSize records the estimated wire size of a response, in
	// bytes. Only invoked when the size is known.
	ObserveResponseSize(method, status string, bytes float64)
}
