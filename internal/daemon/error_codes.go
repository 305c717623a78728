package daemon

import (
	"net/http"
	"strings"
)

const daemonErrorCodeVersion = "v1"

const (
	// Auth domain
	daemonErrorCodeAuthMissingBearerToken = daemonErrorCodeVersion + "/auth/missing_bearer_token"
	daemonErrorCodeAuthInvalidBearerToken = daemonErrorCodeVersion + "/auth/invalid_bearer_token"
	daemonErrorCodeAuthRemoteAddress      = daemonErrorCodeVersion + "/auth/remote_address_denied"
	daemonErrorCodeAuthUnauthorized       = daemonErrorCodeVersion + "/auth/unauthorized"
	daemonErrorCodeAuthForbidden          = daemonErrorCodeVersion + "/auth/forbidden"

	// Validation domain
	daemonErrorCodeValidationBadRequest    = daemonErrorCodeVersion + "/validation/bad_request"
	daemonErrorCodeValidationMalformedJSON = daemonErrorCodeVersion + "/validation/malformed_json"
	daemonErrorCodeValidationMissingField  = daemonErrorCodeVersion + "/validation/missing_required_field"
	daemonErrorCodeValidationInvalidValue  = daemonErrorCodeVersion + "/validation/invalid_value"
	daemonErrorCodeValidationRateLimited   = daemonErrorCodeVersion + "/validation/rate_limited"

	// Provisioning domain
	daemonErrorCodeProvisioningUnavailable = daemonErrorCodeVersion + "/provisioning/unavailable"

	// Runs domain
	daemonErrorCodeRunNotFound = daemonErrorCodeVersion + "/runs/not_found"

	// Generic fallbacks
	daemonErrorCodeResourceNotFound = daemonErrorCodeVersion + "/resource/not_found"
	daemonErrorCodeMethodNotAllowed = daemonErrorCodeVersion + "/resource/method_not_allowed"
	daemonErrorCodeInternalError    = daemonErrorCodeVersion + "/internal/error"
	daemonErrorCodeServerError      = daemonErrorCodeVersion + "/internal/server_error"
	daemonErrorCodeUnavailable      = daemonErrorCodeVersion + "/internal/unavailable"
)

func daemonErrorCode(status int, message string) string {
	normalized := strings.TrimSpace(strings.ToLower(message))
	if normalized != "" {
		if code := daemonErrorCodeFromMessage(status, normalized); code != "" {
			return code
		}
	}
	return daemonErrorCodeByStatus(status)
}

func daemonErrorCodeFromMessage(status int, normalized string) string {
	switch {
	case strings.Contains(normalized, "missing bearer token"):
		return daemonErrorCodeAuthMissingBearerToken
	case strings.Contains(normalized, "invalid bearer token"):
		return daemonErrorCodeAuthInvalidBearerToken
	case strings.Contains(normalized, "remote address not allowed"):
		return daemonErrorCodeAuthRemoteAddress
	case strings.Contains(normalized, "rate limit exceeded"):
		return daemonErrorCodeValidationRateLimited
	case strings.Contains(normalized, "request body is required"):
		return daemonErrorCodeValidationMissingField
	case strings.Contains(normalized, "invalid request body"),
		strings.Contains(normalized, "unexpected trailing data"),
		strings.Contains(normalized, "invalid json"):
		return daemonErrorCodeValidationMalformedJSON
	case strings.Contains(normalized, "provisioning capacity"):
		return daemonErrorCodeProvisioningUnavailable
	case strings.Contains(normalized, "run not found"):
		return daemonErrorCodeRunNotFound
	case strings.Contains(normalized, "not found"):
		return daemonErrorCodeResourceNotFound
	case strings.Contains(normalized, "method not allowed"):
		return daemonErrorCodeMethodNotAllowed
	case strings.Contains(normalized, "port must be between"),
		strings.Contains(normalized, "must be empty"),
		strings.Contains(normalized, "auth_type must be"),
		strings.Contains(normalized, "unknown key type"),
		strings.HasPrefix(normalized, "invalid "):
		return daemonErrorCodeValidationInvalidValue
	case strings.Contains(normalized, "is required"):
		return daemonErrorCodeValidationMissingField
	case strings.Contains(normalized, "unavailable"):
		if status >= http.StatusInternalServerError {
			return daemonErrorCodeUnavailable
		}
		return daemonErrorCodeValidationBadRequest
	}
	return ""
}

func daemonErrorCodeByStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return daemonErrorCodeAuthUnauthorized
	case http.StatusForbidden:
		return daemonErrorCodeAuthForbidden
	case http.StatusBadRequest:
		return daemonErrorCodeValidationBadRequest
	case http.StatusNotFound:
		return daemonErrorCodeResourceNotFound
	case http.StatusMethodNotAllowed:
		return daemonErrorCodeMethodNotAllowed
	case http.StatusTooManyRequests:
		return daemonErrorCodeValidationRateLimited
	case http.StatusInternalServerError:
		return daemonErrorCodeServerError
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadGateway:
		return daemonErrorCodeUnavailable
	default:
		if status >= http.StatusInternalServerError {
			return daemonErrorCodeServerError
		}
	}
	return daemonErrorCodeInternalError
}
