// ABOUTME: HTTP client for the clawupd wizard API.
// ABOUTME: Decodes JSON responses and streams NDJSON install progress.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/clawup/clawup/internal/buildinfo"
	"github.com/clawup/clawup/internal/progress"
)

const (
	defaultAddr           = "http://127.0.0.1:8790"
	defaultRequestTimeout = 30 * time.Second
	maxJSONOutputBytes    = 4 << 20 // 4MB maximum JSON response size
	maxEventLineBytes     = 1 << 20
	runIDHeader           = "X-Clawup-Run-ID"
)

// apiClient talks to clawupd over HTTP.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
}

// apiError represents an error response from the clawupd API.
type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
}

type validationResponse struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	Provider string   `json:"provider,omitempty"`
	Models   []string `json:"models,omitempty"`
	HostKey  string   `json:"host_key,omitempty"`
}

type testSSHRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username,omitempty"`
	AuthType   string `json:"auth_type,omitempty"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

type testKeyRequest struct {
	Type     string `json:"type"`
	Key      string `json:"key"`
	Provider string `json:"provider,omitempty"`
}

type runResponse struct {
	ID          string          `json:"id"`
	Host        string          `json:"host"`
	Port        int             `json:"port"`
	Username    string          `json:"username"`
	Environment string          `json:"environment,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	Status      string          `json:"status"`
	AccessURL   string          `json:"access_url,omitempty"`
	TokenHash   string          `json:"token_sha256,omitempty"`
	Error       string          `json:"error,omitempty"`
	Warnings    json.RawMessage `json:"warnings,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	FinishedAt  string          `json:"finished_at,omitempty"`
}

type runsResponse struct {
	Runs []runResponse `json:"runs"`
}

type eventResponse struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Timestamp string          `json:"ts"`
	Progress  int             `json:"progress"`
	Message   string          `json:"log"`
	Extras    json.RawMessage `json:"extras,omitempty"`
}

type eventsResponse struct {
	Events []eventResponse `json:"events"`
	LastID int64           `json:"last_id,omitempty"`
}

func newAPIClient(baseURL, token string, timeout time.Duration) *apiClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultAddr
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &apiClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

// doJSON sends payload as JSON and returns the response body.
func (c *apiClient) doJSON(ctx context.Context, method, path string, payload any) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, err
		}
		body = buf
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s via %s: %w", method, path, c.baseURL, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONOutputBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// streamInstall posts an install request and calls onEvent for every NDJSON
// line. It returns the run id and the last event received. The request is not
// bounded by the client timeout; installs run for minutes.
func (c *apiClient) streamInstall(ctx context.Context, payload any, onEvent func(progress.Event)) (string, progress.Event, error) {
	var last progress.Event
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return "", last, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/install", buf)
	if err != nil {
		return "", last, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", last, fmt.Errorf("request POST /api/install via %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxJSONOutputBytes))
		return "", last, parseAPIError(resp.StatusCode, data)
	}
	runID := resp.Header.Get(runIDHeader)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLineBytes)
	received := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev progress.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return runID, last, fmt.Errorf("decode progress event: %w", err)
		}
		last = ev
		received = true
		if onEvent != nil {
			onEvent(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return runID, last, fmt.Errorf("read progress stream: %w", err)
	}
	if !received || last.Percentage != progress.Final {
		return runID, last, errors.New("progress stream ended before the run finished")
	}
	return runID, last, nil
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// parseAPIError converts an HTTP error response into an error.
func parseAPIError(status int, data []byte) error {
	if len(data) > 0 {
		var apiErr apiError
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
			if apiErr.Details != "" {
				return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Details)
			}
			return errors.New(apiErr.Error)
		}
	}
	return fmt.Errorf("request failed with status %d", status)
}

func (c *apiClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c == nil || c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// prettyPrintJSON formats JSON data with indentation and writes it to the writer.
func prettyPrintJSON(w io.Writer, data []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	out.WriteByte('\n')
	_, err := w.Write(out.Bytes())
	return err
}
