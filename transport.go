package httptap

import "net/http"

// Transport returns an http.RoundTripper that records metrics for every
// request passing through it. A nil base falls back to http.DefaultTransport.
//
// RoundTrip may be called from many goroutines and responses complete in any
// order, so the transport correlates by call identity: each round trip gets
// its own correlator rather than FIFO matching across calls. The shared
// in-flight gauge still reflects all concurrent calls.
func (t *Tap) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &tapTransport{tap: t, base: base}
}

type tapTransport struct {
	tap  *Tap
	base http.RoundTripper
}

// RoundTrip observes req, performs the round trip on the base transport, and
// observes the resulting response. Both messages pass through untouched.
func (tt *tapTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	corr := tt.tap.NewCorrelator()

	var outbound *http.Request
	corr.OnRequest(req, func(r *http.Request) {
		outbound = r
	})

	resp, err := tt.base.RoundTrip(outbound)
	if err != nil {
		// The pipeline died before a response was observed. Discard the
		// in-flight entry so the shared gauge is not skewed.
		_ = corr.Close()
		return nil, err
	}

	var forwarded *http.Response
	corr.OnResponse(resp, func(r *http.Response) {
		forwarded = r
	})
	_ = corr.Close()

	return forwarded, nil
}
