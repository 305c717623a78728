package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDaemonErrorCode(t *testing.T) {
	cases := []struct {
		status int
		msg    string
		want   string
	}{
		{http.StatusUnauthorized, "missing bearer token", daemonErrorCodeAuthMissingBearerToken},
		{http.StatusUnauthorized, "invalid bearer token", daemonErrorCodeAuthInvalidBearerToken},
		{http.StatusForbidden, "remote address not allowed", daemonErrorCodeAuthRemoteAddress},
		{http.StatusTooManyRequests, "rate limit exceeded", daemonErrorCodeValidationRateLimited},
		{http.StatusBadRequest, "invalid request body", daemonErrorCodeValidationMalformedJSON},
		{http.StatusBadRequest, "host is required", daemonErrorCodeValidationMissingField},
		{http.StatusBadRequest, "port must be between 1 and 65535", daemonErrorCodeValidationInvalidValue},
		{http.StatusBadRequest, "invalid limit", daemonErrorCodeValidationInvalidValue},
		{http.StatusServiceUnavailable, ErrBusy.Error(), daemonErrorCodeProvisioningUnavailable},
		{http.StatusServiceUnavailable, "run history unavailable", daemonErrorCodeUnavailable},
		{http.StatusNotFound, ErrRunNotFound.Error(), daemonErrorCodeRunNotFound},
		{http.StatusNotFound, "not found", daemonErrorCodeResourceNotFound},
		{http.StatusMethodNotAllowed, "method not allowed", daemonErrorCodeMethodNotAllowed},
		{http.StatusInternalServerError, "failed to load run", daemonErrorCodeServerError},
		{http.StatusTeapot, "", daemonErrorCodeInternalError},
	}
	for _, tc := range cases {
		if got := daemonErrorCode(tc.status, tc.msg); got != tc.want {
			t.Errorf("daemonErrorCode(%d, %q) = %q, want %q", tc.status, tc.msg, got, tc.want)
		}
	}
}

func TestWriteErrorResponses(t *testing.T) {
	t.Run("details redacted for client errors", func(t *testing.T) {
		rec := httptest.NewRecorder()
		writeError(rec, http.StatusBadRequest, "bad request", errors.New("token=super-secret"))

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
		var payload V1ErrorResponse
		if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
			t.Fatalf("decode error response: %v", err)
		}
		if strings.Contains(payload.Details, "super-secret") {
			t.Fatalf("details leaked secret: %q", payload.Details)
		}
		if payload.Details == "" || !strings.Contains(payload.Details, redactedValue) {
			t.Fatalf("expected redacted details, got %q", payload.Details)
		}
		if payload.Code != daemonErrorCodeValidationBadRequest {
			t.Fatalf("code = %q", payload.Code)
		}
	})

	t.Run("details omitted for server errors", func(t *testing.T) {
		rec := httptest.NewRecorder()
		writeError(rec, http.StatusInternalServerError, "internal error", errors.New("token=super-secret"))

		var payload V1ErrorResponse
		if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
			t.Fatalf("decode error response: %v", err)
		}
		if payload.Details != "" {
			t.Fatalf("expected empty details for server errors, got %q", payload.Details)
		}
	})

	t.Run("invalid JSON does not echo secrets", func(t *testing.T) {
		h := newAPIHarness(t, 1)
		secret := "super-secret-password"
		rec := h.do(http.MethodPost, "/api/install", `{"host":"h","password":"`+secret+`"`)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
		if strings.Contains(rec.Body.String(), secret) {
			t.Fatalf("response leaked secret")
		}
	})
}
