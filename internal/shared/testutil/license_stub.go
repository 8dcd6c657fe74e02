package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// VerifyRequest is the body a license client posts.
type VerifyRequest struct {
	AndroidIDStr string `json:"androidIdStr"`
	AuthCode     string `json:"authCode"`
}

// Responder produces the HTTP status and raw body for one request.
type Responder func(req VerifyRequest) (status int, body string)

// LicenseStub is a scriptable license server for tests. It records every
// request and tracks how many were served concurrently.
type LicenseStub struct {
	Server *httptest.Server

	mu        sync.Mutex
	requests  []VerifyRequest
	responder Responder
	gate      chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	started     chan struct{}
}

// NewLicenseStub starts a stub answering with respond. It is closed when the
// test ends.
func NewLicenseStub(t *testing.T, respond Responder) *LicenseStub {
	t.Helper()

	s := &LicenseStub{responder: respond, started: make(chan struct{}, 64)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		s.Release()
		s.Server.Close()
	})
	return s
}

func (s *LicenseStub) handle(w http.ResponseWriter, r *http.Request) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	var req VerifyRequest
	body, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(body, &req)

	s.mu.Lock()
	s.requests = append(s.requests, req)
	respond := s.responder
	gate := s.gate
	s.mu.Unlock()

	select {
	case s.started <- struct{}{}:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	status, out := respond(req)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, out)
}

// URL returns the verification endpoint.
func (s *LicenseStub) URL() string {
	return s.Server.URL + "/api/get_config.php"
}

// SetResponder replaces the responder for later requests.
func (s *LicenseStub) SetResponder(respond Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = respond
}

// Hold makes later requests block until Release is called.
func (s *LicenseStub) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == nil {
		s.gate = make(chan struct{})
	}
}

// Release unblocks held requests.
func (s *LicenseStub) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// Started receives one value per request that reached the handler.
func (s *LicenseStub) Started() <-chan struct{} {
	return s.started
}

// Requests returns a copy of the recorded requests.
func (s *LicenseStub) Requests() []VerifyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]VerifyRequest(nil), s.requests...)
}

// Calls returns the number of requests served.
func (s *LicenseStub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// MaxConcurrent returns the highest number of requests in flight at once.
func (s *LicenseStub) MaxConcurrent() int {
	return int(s.maxInFlight.Load())
}

// Respond returns a responder that always answers status and body.
func Respond(status int, body string) Responder {
	return func(VerifyRequest) (int, string) { return status, body }
}

// ApprovedBody renders a code-200 response. An empty config omits the field.
func ApprovedBody(days int, config string) string {
	data := map[string]any{"remaining_days": days}
	if config != "" {
		data["config"] = config
	}
	b, _ := json.Marshal(map[string]any{"code": 200, "msg": "ok", "data": data})
	return string(b)
}

// RejectedBody renders a non-200 response carrying msg.
func RejectedBody(code int, msg string) string {
	return fmt.Sprintf(`{"code":%d,"msg":%q}`, code, msg)
}
