// Package services implements the job runner's application core: the
// token/quota authority, the job store and scheduler, and the capture
// executor. This file centralizes service-level error values so they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer;
// translation into user-facing messages or HTTP status codes is performed
// at the handler layer.
package services

import (
	"errors"
	"fmt"
)

// Authorization errors.
var (
	// ErrTokenNotFound indicates the bearer secret does not match any
	// issued token.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the token existed but is past its expiry;
	// it has been evicted as a side effect of validation.
	ErrTokenExpired = errors.New("token expired")

	// ErrPendingTokenNotFound indicates no token is stashed under the
	// requested pickup job id, or it was already claimed.
	ErrPendingTokenNotFound = errors.New("no pending token for job")

	// ErrPendingTokenStale indicates the stashed token outlived the
	// one-time pickup window.
	ErrPendingTokenStale = errors.New("pending token expired")
)

// Job errors.
var (
	// ErrJobNotFound indicates the requested job id does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrForbidden indicates the requesting token does not own the job.
	ErrForbidden = errors.New("job owned by another token")

	// ErrServerJobLimit indicates the global job ceiling has been reached.
	ErrServerJobLimit = errors.New("server job limit reached")
)

// QuotaKind distinguishes the two quota counters a token carries.
type QuotaKind string

const (
	QuotaRecurringDomains QuotaKind = "recurring_domains"
	QuotaManualCaptures   QuotaKind = "manual_captures"
)

// QuotaError is returned when an operation would push a token past one of
// its quota maxima. It carries the current usage and the limit so the HTTP
// layer can produce a machine-readable 429.
type QuotaError struct {
	Kind    QuotaKind
	Current int
	Limit   int
}

// Error implements the error interface.
func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s at %d/%d", e.Kind, e.Current, e.Limit)
}

// IsQuotaError reports whether err is a QuotaError and returns it.
func IsQuotaError(err error) (*QuotaError, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
