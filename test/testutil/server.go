package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// ReceivedMutation is one delivery recorded by the test server.
type ReceivedMutation struct {
	IdempotencyKey string
	Path           string
	Body           []byte
	CreatedAt      string
	At             time.Time
}

// TestServer is a mock sync endpoint. It acknowledges every POST unless
// a failure is scripted for the mutation's Idempotency-Key, and records
// deliveries in arrival order.
type TestServer struct {
	*httptest.Server

	mu            sync.Mutex
	received      []ReceivedMutation
	failures      map[string][]int
	defaultStatus int
}

// NewTestServer starts a server that acknowledges everything.
func NewTestServer() *TestServer {
	ts := &TestServer{failures: make(map[string][]int)}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handle))
	return ts
}

// FailNext schedules HTTP status codes for a mutation's next
// deliveries, consumed one per request. Later requests are accepted.
func (ts *TestServer) FailNext(idempotencyKey string, statuses ...int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.failures[idempotencyKey] = append(ts.failures[idempotencyKey], statuses...)
}

// SetDefaultStatus makes every unscripted delivery return status.
// Pass 0 to restore acknowledgements.
func (ts *TestServer) SetDefaultStatus(status int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.defaultStatus = status
}

// Received returns recorded deliveries in arrival order.
func (ts *TestServer) Received() []ReceivedMutation {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	out := make([]ReceivedMutation, len(ts.received))
	copy(out, ts.received)
	return out
}

// ReceivedKeys returns Idempotency-Key headers in arrival order.
func (ts *TestServer) ReceivedKeys() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	keys := make([]string, 0, len(ts.received))
	for _, rec := range ts.received {
		keys = append(keys, rec.IdempotencyKey)
	}
	return keys
}

// CallsFor counts deliveries for one Idempotency-Key.
func (ts *TestServer) CallsFor(idempotencyKey string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	count := 0
	for _, rec := range ts.received {
		if rec.IdempotencyKey == idempotencyKey {
			count++
		}
	}
	return count
}

func (ts *TestServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	key := r.Header.Get("Idempotency-Key")

	ts.mu.Lock()
	ts.received = append(ts.received, ReceivedMutation{
		IdempotencyKey: key,
		Path:           r.URL.Path,
		Body:           body,
		CreatedAt:      r.Header.Get("X-Created-At"),
		At:             time.Now(),
	})

	status := 0
	if script, ok := ts.failures[key]; ok && len(script) > 0 {
		status = script[0]
		ts.failures[key] = script[1:]
	} else if ts.defaultStatus != 0 {
		status = ts.defaultStatus
	}
	ts.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":"srv-%s","synced_at":%q}`, key, time.Now().UTC().Format(time.RFC3339Nano))
}
