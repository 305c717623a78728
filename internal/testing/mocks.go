// Package testing provides shared test utilities for clawup.
package testing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/clawup/clawup/internal/remote"
)

// Reply is one scripted outcome for a remote command.
type Reply struct {
	Result remote.Result
	Err    error
	// Panic, when non-nil, is raised instead of returning.
	Panic any
	// Stdout and Stderr lines are delivered to streaming callbacks before returning.
	Stdout []string
	Stderr []string
}

// OK returns a successful reply with stdout.
func OK(stdout string) Reply {
	return Reply{Result: remote.Result{Stdout: stdout}}
}

// Fail returns a reply with a non-zero exit code.
func Fail(code int, output string) Reply {
	return Reply{Result: remote.Result{ExitCode: code, Stderr: output}}
}

type rule struct {
	pattern string
	exact   bool
	replies []Reply
	calls   int
}

// FakeSession is a scripted remote.Session that records every command.
//
// Rules match the decoded script (see DecodeCommand) in registration order.
// Each rule returns its replies in sequence and repeats the last one.
// Unmatched commands return Default.
type FakeSession struct {
	mu       sync.Mutex
	rules    []*rule
	Default  Reply
	commands []string
	raw      []string
	closes   int
	CloseErr error
}

// NewFakeSession returns a session whose unmatched commands succeed silently.
func NewFakeSession() *FakeSession {
	return &FakeSession{}
}

// On scripts replies for scripts containing pattern.
func (f *FakeSession) On(pattern string, replies ...Reply) *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{pattern: pattern, replies: replies})
	return f
}

// OnExact scripts replies for scripts equal to script.
func (f *FakeSession) OnExact(script string, replies ...Reply) *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{pattern: script, exact: true, replies: replies})
	return f
}

func (f *FakeSession) next(cmd string) Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	script := DecodeCommand(cmd)
	f.raw = append(f.raw, cmd)
	f.commands = append(f.commands, script)
	for _, r := range f.rules {
		matched := strings.Contains(script, r.pattern)
		if r.exact {
			matched = script == r.pattern
		}
		if !matched || len(r.replies) == 0 {
			continue
		}
		idx := r.calls
		if idx >= len(r.replies) {
			idx = len(r.replies) - 1
		}
		r.calls++
		return r.replies[idx]
	}
	return f.Default
}

// Run implements remote.Session.
func (f *FakeSession) Run(ctx context.Context, cmd string) (remote.Result, error) {
	return f.RunStreaming(ctx, cmd, nil, nil)
}

// RunStreaming implements remote.Session.
func (f *FakeSession) RunStreaming(ctx context.Context, cmd string, onStdout, onStderr func(string)) (remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return remote.Result{}, err
	}
	reply := f.next(cmd)
	if reply.Panic != nil {
		panic(reply.Panic)
	}
	for _, line := range reply.Stdout {
		if onStdout != nil {
			onStdout(line)
		}
	}
	for _, line := range reply.Stderr {
		if onStderr != nil {
			onStderr(line)
		}
	}
	return reply.Result, reply.Err
}

// Close implements remote.Session and counts calls.
func (f *FakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return f.CloseErr
}

// CloseCount returns how many times Close was called.
func (f *FakeSession) CloseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// Commands returns the decoded scripts in execution order.
func (f *FakeSession) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// RawCommands returns the commands exactly as submitted.
func (f *FakeSession) RawCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.raw...)
}

// Count returns how many executed scripts contain pattern.
func (f *FakeSession) Count(pattern string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if strings.Contains(c, pattern) {
			n++
		}
	}
	return n
}

// FakeConnector hands out a FakeSession or fails to connect.
type FakeConnector struct {
	mu      sync.Mutex
	Session *FakeSession
	Err     error
	creds   []remote.Credentials
}

// Connect records creds and returns Session or Err.
func (c *FakeConnector) Connect(ctx context.Context, creds remote.Credentials) (remote.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = append(c.creds, creds)
	if c.Err != nil {
		return nil, c.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Session, nil
}

// Connects returns the credentials of every Connect call.
func (c *FakeConnector) Connects() []remote.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]remote.Credentials(nil), c.creds...)
}

// MockHTTPHandler is a mock HTTP handler for testing API clients.
type MockHTTPHandler struct {
	mu            sync.Mutex
	responses     map[string][]*MockResponse
	requests      []*MockRequest
	defaultStatus int
}

// MockResponse represents a mock HTTP response.
type MockResponse struct {
	Status int
	Body   any
	Header map[string]string
}

// MockRequest represents a captured HTTP request.
type MockRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
	At     time.Time
}

// NewMockHTTPHandler creates a handler that answers unknown paths with 404.
func NewMockHTTPHandler() *MockHTTPHandler {
	return &MockHTTPHandler{
		responses:     make(map[string][]*MockResponse),
		defaultStatus: http.StatusNotFound,
	}
}

// ServeHTTP implements http.Handler.
func (m *MockHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	m.requests = append(m.requests, &MockRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
		At:     time.Now(),
	})

	key := r.Method + ":" + r.URL.Path
	responses, ok := m.responses[key]
	if !ok || len(responses) == 0 {
		w.WriteHeader(m.defaultStatus)
		return
	}
	resp := responses[0]
	if len(responses) > 1 {
		m.responses[key] = responses[1:]
	}

	for k, v := range resp.Header {
		w.Header().Set(k, v)
	}
	if resp.Body != nil {
		w.Header().Set("Content-Type", "application/json")
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != nil {
		_ = json.NewEncoder(w).Encode(resp.Body)
	}
}

// AddResponse queues a response for method and path. The last queued
// response repeats.
func (m *MockHTTPHandler) AddResponse(method, path string, status int, body any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := method + ":" + path
	m.responses[key] = append(m.responses[key], &MockResponse{Status: status, Body: body})
}

// GetRequests returns all captured requests.
func (m *MockHTTPHandler) GetRequests() []*MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockRequest(nil), m.requests...)
}

// NewTestServer starts an httptest server closed at test cleanup.
func (m *MockHTTPHandler) NewTestServer(t interface{ Cleanup(func()) }) *httptest.Server {
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)
	return srv
}
