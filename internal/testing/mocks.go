package testing

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockController is a scripted stand-in for the automation controller and
// the collection registry.
//
// Responses are queued per "METHOD path" key; the last queued response for a
// key is repeated once the queue drains. A POST with nothing queued is
// answered with 201 and a fresh {"id": N} when AutoCreate is set.
type MockController struct {
	mu            sync.Mutex
	responses     map[string][]*MockResponse
	requests      []*MockRequest
	defaultStatus int
	nextID        int64
	delay         time.Duration

	AutoCreate bool
}

// MockResponse is one scripted reply. Raw, when set, is written verbatim
// instead of encoding Body as JSON.
type MockResponse struct {
	Status int
	Body   any
	Raw    []byte
	Header map[string]string
}

// MockRequest represents a captured HTTP request.
type MockRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	At       time.Time
}

// JSON decodes the captured request body into a map.
func (r *MockRequest) JSON() map[string]any {
	out := map[string]any{}
	_ = json.Unmarshal(r.Body, &out)
	return out
}

// NewMockController creates a controller with AutoCreate enabled and ids
// starting at 100.
func NewMockController() *MockController {
	return &MockController{
		responses:     make(map[string][]*MockResponse),
		defaultStatus: http.StatusNotFound,
		nextID:        100,
		AutoCreate:    true,
	}
}

// ServeHTTP implements http.Handler.
func (m *MockController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests = append(m.requests, &MockRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
		At:       time.Now(),
	})
	delay := m.delay
	key := r.Method + " " + r.URL.Path
	var resp *MockResponse
	if queued := m.responses[key]; len(queued) > 0 {
		resp = queued[0]
		if len(queued) > 1 {
			m.responses[key] = queued[1:]
		}
	} else if r.Method == http.MethodPost && m.AutoCreate {
		m.nextID++
		resp = &MockResponse{Status: http.StatusCreated, Body: map[string]any{"id": m.nextID}}
	}
	status := m.defaultStatus
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if resp == nil {
		w.WriteHeader(status)
		return
	}
	for k, v := range resp.Header {
		w.Header().Set(k, v)
	}
	if resp.Raw == nil && resp.Body != nil {
		w.Header().Set("Content-Type", "application/json")
	}
	if resp.Status != 0 {
		w.WriteHeader(resp.Status)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	switch {
	case resp.Raw != nil:
		_, _ = w.Write(resp.Raw)
	case resp.Body != nil:
		_ = json.NewEncoder(w).Encode(resp.Body)
	}
}

// AddResponse queues a JSON response for method and path.
func (m *MockController) AddResponse(method, path string, status int, body any) {
	m.add(method, path, &MockResponse{Status: status, Body: body})
}

// AddRawResponse queues a response whose body is written verbatim.
func (m *MockController) AddRawResponse(method, path string, status int, raw []byte) {
	m.add(method, path, &MockResponse{Status: status, Raw: raw})
}

func (m *MockController) add(method, path string, resp *MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := method + " " + path
	m.responses[key] = append(m.responses[key], resp)
}

// SetDelay sets an artificial delay for all responses.
func (m *MockController) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Requests returns a copy of all captured requests.
func (m *MockController) Requests() []*MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestsTo returns captured requests matching method whose path starts
// with prefix.
func (m *MockController) RequestsTo(method, prefix string) []*MockRequest {
	var out []*MockRequest
	for _, req := range m.Requests() {
		if req.Method == method && strings.HasPrefix(req.Path, prefix) {
			out = append(out, req)
		}
	}
	return out
}

// Count returns how many requests hit exactly method and path.
func (m *MockController) Count(method, path string) int {
	n := 0
	for _, req := range m.Requests() {
		if req.Method == method && req.Path == path {
			n++
		}
	}
	return n
}

// NewTestServer starts an httptest server for the controller and closes it
// when the test completes.
func (m *MockController) NewTestServer(t interface{ Cleanup(func()) }) *httptest.Server {
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)
	return srv
}

// ServeCollection queues a tarball at the registry download path for name
// and version.
func (m *MockController) ServeCollection(name, version string, tarball []byte) {
	path := fmt.Sprintf("/api/galaxy/v3/plugin/ansible/content/published/collections/artifacts/%s-%s.tar.gz",
		strings.ReplaceAll(name, ".", "-"), version)
	m.AddRawResponse(http.MethodGet, path, http.StatusOK, tarball)
}

// ServeSyncedProject queues a successful sync status for project id.
func (m *MockController) ServeSyncedProject(id int64) {
	m.AddResponse(http.MethodGet, fmt.Sprintf("/api/controller/v2/projects/%d", id), http.StatusOK,
		map[string]any{"id": id, "status": "successful"})
}

// ServeRoleDefinition queues the JobTemplate Execute role lookup.
func (m *MockController) ServeRoleDefinition(id int64) {
	m.AddResponse(http.MethodGet, "/api/controller/v2/role_definitions/", http.StatusOK,
		map[string]any{"count": 1, "results": []any{map[string]any{"id": id, "name": "JobTemplate Execute"}}})
}

// Reset clears all responses and requests.
func (m *MockController) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = make(map[string][]*MockResponse)
	m.requests = nil
}
