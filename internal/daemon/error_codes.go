package daemon

import (
	"net/http"
	"strings"
)

const apiErrorCodeVersion = "v1"

const (
	// Auth domain
	apiErrorCodeAuthMissingToken = apiErrorCodeVersion + "/auth/missing_token"
	apiErrorCodeAuthInvalidToken = apiErrorCodeVersion + "/auth/invalid_token"
	apiErrorCodeAuthUnauthorized = apiErrorCodeVersion + "/auth/unauthorized"

	// Validation domain
	apiErrorCodeValidationBadRequest   = apiErrorCodeVersion + "/validation/bad_request"
	apiErrorCodeValidationMalformed    = apiErrorCodeVersion + "/validation/malformed_json"
	apiErrorCodeValidationMissingField = apiErrorCodeVersion + "/validation/missing_required_field"
	apiErrorCodeValidationInvalidValue = apiErrorCodeVersion + "/validation/invalid_value"

	// Resource domain
	apiErrorCodePatternNotFound  = apiErrorCodeVersion + "/pattern/not_found"
	apiErrorCodeInstanceNotFound = apiErrorCodeVersion + "/pattern_instance/not_found"
	apiErrorCodeTaskNotFound     = apiErrorCodeVersion + "/task/not_found"
	apiErrorCodeResourceNotFound = apiErrorCodeVersion + "/resource/not_found"
	apiErrorCodeConflict         = apiErrorCodeVersion + "/resource/conflict"

	// Generic fallbacks
	apiErrorCodeMethodNotAllowed = apiErrorCodeVersion + "/request/method_not_allowed"
	apiErrorCodeRateLimited      = apiErrorCodeVersion + "/request/rate_limited"
	apiErrorCodeInternalError    = apiErrorCodeVersion + "/internal/error"
	apiErrorCodeServerError      = apiErrorCodeVersion + "/internal/server_error"
	apiErrorCodeUnavailable      = apiErrorCodeVersion + "/internal/unavailable"
)

func apiErrorCode(status int, message string) string {
	normalized := strings.TrimSpace(strings.ToLower(message))
	if normalized != "" {
		if code := apiErrorCodeFromMessage(normalized); code != "" {
			return code
		}
	}
	return apiErrorCodeByStatus(status)
}

func apiErrorCodeFromMessage(normalized string) string {
	switch {
	case strings.Contains(normalized, "missing token"):
		return apiErrorCodeAuthMissingToken
	case strings.Contains(normalized, "invalid token"):
		return apiErrorCodeAuthInvalidToken
	case strings.Contains(normalized, "request body is required"):
		return apiErrorCodeValidationMissingField
	case strings.Contains(normalized, "invalid request body"), strings.Contains(normalized, "unexpected trailing data"):
		return apiErrorCodeValidationMalformed
	case strings.Contains(normalized, "not found"):
		switch {
		case strings.Contains(normalized, "pattern instance"):
			return apiErrorCodeInstanceNotFound
		case strings.Contains(normalized, "pattern"):
			return apiErrorCodePatternNotFound
		case strings.Contains(normalized, "task"):
			return apiErrorCodeTaskNotFound
		default:
			return apiErrorCodeResourceNotFound
		}
	case strings.Contains(normalized, "already exists"):
		return apiErrorCodeConflict
	case strings.Contains(normalized, "is required"), strings.Contains(normalized, "must be set"):
		return apiErrorCodeValidationMissingField
	case strings.Contains(normalized, "must be"), strings.Contains(normalized, "invalid"):
		return apiErrorCodeValidationInvalidValue
	}
	return ""
}

func apiErrorCodeByStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return apiErrorCodeAuthUnauthorized
	case http.StatusBadRequest:
		return apiErrorCodeValidationBadRequest
	case http.StatusNotFound:
		return apiErrorCodeResourceNotFound
	case http.StatusConflict:
		return apiErrorCodeConflict
	case http.StatusMethodNotAllowed:
		return apiErrorCodeMethodNotAllowed
	case http.StatusTooManyRequests:
		return apiErrorCodeRateLimited
	case http.StatusInternalServerError:
		return apiErrorCodeServerError
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadGateway:
		return apiErrorCodeUnavailable
	default:
		if status >= http.StatusInternalServerError {
			return apiErrorCodeServerError
		}
	}
	return apiErrorCodeInternalError
}
