package httptap

import "net/http"

// headerOverhead estimates the on-wire size of a header block. Each name/value
// pair costs its two lengths plus four bytes: the colon, the separating space,
// and the CRLF line terminator.
func headerOverhead(h http.Header) float64 {
	var total float64
	for name, values := range h {
		for _, value := range values {
			total += float64(len(name) + len(value) + 4)
		}
	}
	return total
}

// requestSize estimates the wire size of req as header overhead plus body
// length. The second return is false when the size cannot be determined.
//
// A zero ContentLength with a non-nil body means the length is undeclared
// (see http.Request.ContentLength), in which case the whole estimate is
// unknown rather than partial.
func requestSize(req *http.Request) (float64, bool) {
	overhead := headerOverhead(req.Header)
	switch {
	case req.Body == nil || req.Body == http.NoBody:
		return overhead, true
	case req.ContentLength > 0:
		return overhead + float64(req.ContentLength), true
	default:
		return 0, false
	}
}

// responseSize estimates the wire size of resp as header overhead plus body
// length. The second return is false when the size cannot be determined, i.e.
// when the body length is undeclared (chunked transfer or length -1).
func responseSize(resp *http.Response) (float64, bool) {
	overhead := headerOverhead(resp.Header)
	switch {
	case resp.ContentLength >= 0:
		return overhead + float64(resp.ContentLength), true
	case resp.Body == nil || resp.Body == http.NoBody:
		return overhead, true
	default:
		return 0, false
	}
}
