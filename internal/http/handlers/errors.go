// Package handlers defines HTTP-layer error codes used across all API
// endpoints.
//
// Codes are lowercase snake_case. Generic codes mirror common HTTP status
// semantics; domain-specific codes carry distinctions a status alone cannot
// (quota_exceeded vs rate_limited both map to 429, token_expired vs
// token_invalid both map to 401).
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeGone         = "gone"
	ErrCodeTooLarge     = "payload_too_large"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeVerificationFailed = "verification_failed"
	ErrCodeTokenExpired       = "token_expired"
	ErrCodeQuotaExceeded      = "quota_exceeded"
	ErrCodeJobLimit           = "job_limit_exceeded"
	ErrCodeSubmitFailed       = "submit_failed"
	ErrCodeMethodNotAllowed   = "method_not_allowed"
)
