package daemon

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/clawup/clawup/internal/db"
	"github.com/clawup/clawup/internal/models"
)

type decodePayload struct {
	Name string `json:"name"`
}

func TestDecodeJSONBodySuccess(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ok"}`))
	var payload decodePayload
	if err := decodeJSON(w, r, &payload); err != nil {
		t.Fatalf("decodeJSON() error = %v", err)
	}
	if payload.Name != "ok" {
		t.Fatalf("payload.Name = %q, want %q", payload.Name, "ok")
	}
}

func TestDecodeJSONBodyEmpty(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	var payload decodePayload
	err := decodeJSON(w, r, &payload)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("decodeJSON() error = %v, want EOF", err)
	}
}

func TestDecodeJSONBodyNil(t *testing.T) {
	w := httptest.NewRecorder()
	r := &http.Request{Body: nil}
	var payload decodePayload
	err := decodeJSON(w, r, &payload)
	if err == nil || err.Error() != "request body is required" {
		t.Fatalf("error = %v, want %q", err, "request body is required")
	}
}

func TestDecodeJSONTrailingData(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ok"} trailing`))
	var payload decodePayload
	err := decodeJSON(w, r, &payload)
	if err == nil || err.Error() != "unexpected trailing data" {
		t.Fatalf("error = %v, want %q", err, "unexpected trailing data")
	}
}

func TestDecodeJSONTooLarge(t *testing.T) {
	w := httptest.NewRecorder()
	body := `{"name":"` + strings.Repeat("a", maxJSONBytes) + `"}`
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	var payload decodePayload
	if err := decodeJSON(w, r, &payload); err == nil {
		t.Fatalf("expected error for oversized body")
	}
}

func TestParseStreamParam(t *testing.T) {
	cases := map[string]bool{"": true, "true": true, "1": true, "false": false, "0": false}
	for raw, want := range cases {
		got, err := parseStreamParam(raw)
		if err != nil || got != want {
			t.Errorf("parseStreamParam(%q) = %v, %v; want %v", raw, got, err, want)
		}
	}
	if _, err := parseStreamParam("maybe"); err == nil {
		t.Errorf("expected error for invalid stream value")
	}
}

func TestRunToV1(t *testing.T) {
	created := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	finished := created.Add(90 * time.Second)
	run := models.Run{
		ID:           "run_1",
		Host:         "203.0.113.10",
		Port:         22,
		Username:     "root",
		Status:       models.RunSucceeded,
		WarningsJSON: `[{"kind":"readiness_timeout","message":"not ready"}]`,
		CreatedAt:    created,
		UpdatedAt:    finished,
		FinishedAt:   &finished,
	}
	resp := runToV1(run)
	if resp.FinishedAt != "2024-01-01T12:01:30Z" {
		t.Fatalf("finished_at = %q", resp.FinishedAt)
	}
	if string(resp.Warnings) != run.WarningsJSON {
		t.Fatalf("warnings = %s", resp.Warnings)
	}

	run.WarningsJSON = "not json"
	run.FinishedAt = nil
	resp = runToV1(run)
	if resp.Warnings != nil || resp.FinishedAt != "" {
		t.Fatalf("unexpected optional fields: %+v", resp)
	}
}

func TestEventToV1WrapsInvalidJSON(t *testing.T) {
	ev := eventToV1(db.Event{ID: 3, RunID: "run_1", Progress: 40, Message: " Preparing directories \n", JSON: "plain"})
	if ev.Message != "Preparing directories" {
		t.Fatalf("message = %q", ev.Message)
	}
	if string(ev.Extras) != `"plain"` {
		t.Fatalf("extras = %s", ev.Extras)
	}
	if empty := eventToV1(db.Event{ID: 4}); empty.Extras != nil {
		t.Fatalf("expected no extras, got %s", empty.Extras)
	}
}
