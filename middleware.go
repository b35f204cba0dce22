package httptap

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
)

type connCorrelatorKey struct{}

// Instrument wires the Tap into srv: one correlator per accepted connection,
// the server handler wrapped in Middleware, and correlator teardown when the
// connection closes or is hijacked. HTTP/1.x keep-alive serves the requests of
// a connection sequentially, so the per-connection correlator sees its events
// in strict pipelining order.
//
// Instrument must be called before the server starts accepting traffic.
func (t *Tap) Instrument(srv *http.Server) {
	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]*Correlator)
	)

	prevConnContext := srv.ConnContext
	srv.ConnContext = func(ctx context.Context, c net.Conn) context.Context {
		if prevConnContext != nil {
			ctx = prevConnContext(ctx, c)
		}
		corr := t.NewCorrelator()
		mu.Lock()
		conns[c] = corr
		mu.Unlock()
		return context.WithValue(ctx, connCorrelatorKey{}, corr)
	}

	prevConnState := srv.ConnState
	srv.ConnState = func(c net.Conn, state http.ConnState) {
		if state == http.StateClosed || state == http.StateHijacked {
			mu.Lock()
			corr := conns[c]
			delete(conns, c)
			mu.Unlock()
			if corr != nil {
				_ = corr.Close()
			}
		}
		if prevConnState != nil {
			prevConnState(c, state)
		}
	}

	srv.Handler = t.Middleware(srv.Handler)
}

// Middleware wraps next so that every request and its response pass through
// one of the Tap's correlators. Requests on a connection set up via Instrument
// share that connection's correlator. Without Instrument, and for multiplexed
// HTTP/2 traffic where response order is not tied to request order, each
// request gets its own correlator, i.e. correlation by request identity.
//
// The request is passed to next untouched, and the response bytes reach the
// client untouched; the middleware only captures response metadata.
func (t *Tap) Middleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.DefaultServeMux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr, _ := r.Context().Value(connCorrelatorKey{}).(*Correlator)
		if corr == nil || r.ProtoMajor >= 2 {
			corr = t.NewCorrelator()
			defer func() { _ = corr.Close() }()
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		corr.OnRequest(r, func(req *http.Request) {
			next.ServeHTTP(rec, req)
		})
		if !rec.hijacked {
			corr.OnResponse(rec.response(), nil)
		}
	})
}

// responseRecorder captures the status code and the number of body bytes an
// application handler writes, while passing everything through to the
// underlying ResponseWriter.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
	hijacked    bool
}

// WriteHeader records the first status code written and forwards the call.
func (r *responseRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Write forwards the body bytes and counts them.
func (r *responseRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(p)
	r.written += int64(n)
	return n, err
}

// Flush forwards to the underlying writer when it supports flushing.
func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets upgrade handlers take over the connection. A hijacked request
// produces no response event; its in-flight entry is discarded when the
// connection's correlator is torn down.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.hijacked = true
	return hj.Hijack()
}

// response synthesizes an http.Response carrying the metadata the correlator
// needs: status code, headers, and the number of body bytes written.
func (r *responseRecorder) response() *http.Response {
	return &http.Response{
		StatusCode:    r.status,
		Header:        r.ResponseWriter.Header(),
		ContentLength: r.written,
		Body:          http.NoBody,
	}
}
