package httptap

import (
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

//
// Mocks
//

// recordingSink is a MetricsSink that captures every observation, for
// assertions in tests.
type recordingSink struct {
	mu            sync.Mutex
	inFlight      int
	totals        map[string]int
	durations     map[string][]float64
	requestSizes  map[string][]float64
	responseSizes map[string][]float64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		totals:        make(map[string]int),
		durations:     make(map[string][]float64),
		requestSizes:  make(map[string][]float64),
		responseSizes: make(map[string][]float64),
	}
}

func labelKey(method, status string) string {
	return method + " " + status
}

func (s *recordingSink) IncInFlight() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight++
}

func (s *recordingSink) DecInFlight() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
}

func (s *recordingSink) IncTotal(method, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals[labelKey(method, status)]++
}

func (s *recordingSink) ObserveDuration(method, status string, micros float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := labelKey(method, status)
	s.durations[key] = append(s.durations[key], micros)
}

func (s *recordingSink) ObserveRequestSize(method, status string, bytes float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := labelKey(method, status)
	s.requestSizes[key] = append(s.requestSizes[key], bytes)
}

func (s *recordingSink) ObserveResponseSize(method, status string, bytes float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := labelKey(method, status)
	s.responseSizes[key] = append(s.responseSizes[key], bytes)
}

func (s *recordingSink) gauge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *recordingSink) total(method, status string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals[labelKey(method, status)]
}

func (s *recordingSink) observedDurations(method, status string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.durations[labelKey(method, status)]...)
}

func (s *recordingSink) observedRequestSizes(method, status string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.requestSizes[labelKey(method, status)]...)
}

func (s *recordingSink) observedResponseSizes(method, status string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.responseSizes[labelKey(method, status)]...)
}

func (s *recordingSink) totalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.totals {
		count += n
	}
	return count
}

//
// Helpers
//

// upgrader is used to upgrade connections to WebSockets in tests.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// echoHandler echoes back the request payload, when present. Requests to /ws
// are upgraded to a WebSocket that echoes messages.
func echoHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/ws" {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "could not open websocket connection", http.StatusBadRequest)
			return
		}
		defer conn.Close()

		for {
			mt, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, message); err != nil {
				return
			}
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(body) > 0 {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(body)
		return
	}
	w.WriteHeader(http.StatusOK)
}
