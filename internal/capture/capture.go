// Package capture defines the boundary to the headless-browser page-capture
// mechanics, which this service treats as a black box: given a session
// descriptor it yields an image buffer. The actual navigation, cookie and
// storage injection, and screenshot encoding live in a companion capture
// service reached over HTTP.
package capture

import (
	"context"

	"github.com/pagewatch/pagewatch-runner/internal/domain"
)

// Session is one live browser page seeded from a client's session data.
// Callers must Close the session on every path; the underlying browser
// resource must not leak on failure.
type Session interface {
	// Navigate loads the target URL. Implementations apply a bounded
	// timeout and tolerate pages that never reach full network idle.
	Navigate(ctx context.Context, url string) error

	// Reload refreshes the current page.
	Reload(ctx context.Context) error

	// Screenshot captures the viewport, or the full scrollable page when
	// fullPage is set, and returns the encoded image bytes.
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)

	// Close releases the underlying browser resources.
	Close() error
}

// Browser acquires page sessions. Implementations are safe for concurrent
// use; each session is independent.
type Browser interface {
	NewSession(ctx context.Context, data domain.SessionData) (Session, error)
}
