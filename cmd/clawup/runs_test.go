package main

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/clawup/clawup/internal/testing"
)

const runJSON = `{"id":"run_0011223344556677","host":"203.0.113.10","port":22,"username":"ubuntu","environment":"prod","provider":"anthropic","status":"SUCCEEDED","access_url":"http://203.0.113.10:18789/?token=[REDACTED]","token_sha256":"abc123","warnings":[{"kind":"post_configure","key":"gateway.auth.token","message":"could not set gateway.auth.token"}],"created_at":"2024-01-01T12:00:00.000000000Z","updated_at":"2024-01-01T12:03:00.000000000Z","finished_at":"2024-01-01T12:03:00.000000000Z"}`

func TestRunsList(t *testing.T) {
	var query string
	addr := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/runs", r.URL.Path)
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"runs":[` + runJSON + `]}`))
	})

	res := runCLI(t, newTestApp(), "runs", "list", "--addr", addr, "--limit", "5")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "limit=5", query)
	assert.Contains(t, res.stdout, "ID")
	assert.Contains(t, res.stdout, testutil.TestRunID)
	assert.Contains(t, res.stdout, "ubuntu@203.0.113.10:22")
	assert.Contains(t, res.stdout, "SUCCEEDED")

	res = runCLI(t, newTestApp(), "runs", "list", "--addr", addr, "--json")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Empty(t, query)
	assert.Contains(t, res.stdout, `"status": "SUCCEEDED"`)
}

func TestRunsListEmpty(t *testing.T) {
	addr := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"runs":[]}`))
	})

	res := runCLI(t, newTestApp(), "runs", "list", "--addr", addr)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "No runs found.\n", res.stdout)
}

func TestRunsShow(t *testing.T) {
	addr := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/runs/"+testutil.TestRunID {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"run not found","code":"v1/runs/not_found"}`))
			return
		}
		_, _ = w.Write([]byte(runJSON))
	})

	res := runCLI(t, newTestApp(), "runs", "show", testutil.TestRunID, "--addr", addr)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Status:")
	assert.Contains(t, res.stdout, "http://203.0.113.10:18789/?token=[REDACTED]")
	assert.Contains(t, res.stdout, "Environment:")
	assert.Contains(t, res.stdout, "Warnings:\n  - could not set gateway.auth.token\n")

	res = runCLI(t, newTestApp(), "runs", "show", "run_missing", "--addr", addr)
	assert.Equal(t, 1, res.code)
	assert.Equal(t, "error: run not found\n", res.stderr)
}

func TestRunsEvents(t *testing.T) {
	var query string
	addr := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/runs/"+testutil.TestRunID+"/events", r.URL.Path)
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"events":[
			{"id":1,"run_id":"run_0011223344556677","ts":"2024-01-01T12:00:00.000000000Z","progress":5,"log":"Connecting..."},
			{"id":2,"run_id":"run_0011223344556677","ts":"2024-01-01T12:03:00.000000000Z","progress":100,"log":"[SUCCESS] ready"}
		],"last_id":2}`))
	})

	res := runCLI(t, newTestApp(), "runs", "events", testutil.TestRunID, "--addr", addr, "--tail", "2")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "tail=2", query)
	assert.Equal(t, "[  5%] Connecting...\n[100%] [SUCCESS] ready\n", res.stdout)

	res = runCLI(t, newTestApp(), "runs", "events", testutil.TestRunID, "--addr", addr, "--after", "1", "--limit", "10")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "after=1&limit=10", query)

	res = runCLI(t, newTestApp(), "runs", "events", testutil.TestRunID, "--addr", addr, "--after", "1", "--tail", "2")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "mutually exclusive")
}
