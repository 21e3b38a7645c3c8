// Auth HTTP handlers.
//
// This file exposes the token-issuance surface:
//   - GET  /captcha/challenge   (challenge parameters for the client)
//   - POST /captcha/verify      (verify proof, mint token, optional stash)
//   - GET  /auth/job/:jobId     (one-time pickup of a stashed token)
//   - GET  /auth/token/stats    (quota usage for the presented token)
//   - POST /test                (authenticated connectivity echo)
//   - GET  /                    (unauthenticated service disclosure)
//
// Handlers are transport-thin: they validate input, call the services, and
// translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pagewatch/pagewatch-runner/internal/captcha"
	"github.com/pagewatch/pagewatch-runner/internal/domain"
	"github.com/pagewatch/pagewatch-runner/internal/http/middleware"
	"github.com/pagewatch/pagewatch-runner/internal/services"
)

//
// Service contracts
//

// TokenAuthority defines the token lifecycle operations consumed by HTTP
// handlers. Implementations must be safe for concurrent use.
type TokenAuthority interface {
	// Issue verifies the challenge proof and mints a new token.
	Issue(ctx context.Context, clientID, proof, remoteIP string) (*domain.Token, error)
	// Stats returns the quota snapshot for an issued token.
	Stats(secret string) (services.TokenStats, error)
	// StashForJob stores a secret for one-time asynchronous pickup.
	StashForJob(jobID, secret string)
	// ClaimForJob retrieves and invalidates a stashed secret.
	ClaimForJob(jobID string) (string, error)
}

// JobStore defines the job operations consumed by HTTP handlers.
// Implementations must be safe for concurrent use.
type JobStore interface {
	Submit(p services.SubmitParams) (services.SubmitResult, error)
	Get(jobID, secret string) (services.JobView, error)
	Delete(jobID, secret string) error
	UnretrievedResults(jobID, secret, clientID string) ([]domain.ResultRecord, error)
	Purge(jobID, secret string, keepLast int) (int, error)
	ListActive(secret string) []services.JobView
	Count() int
}

//
// Handler wiring
//

// ChallengeInfo is the static challenge configuration served to clients.
type ChallengeInfo struct {
	SiteKey string
	Bypass  bool
}

// Handlers groups the HTTP endpoints for auth and jobs.
type Handlers struct {
	tokens    TokenAuthority
	jobs      JobStore
	challenge ChallengeInfo
	version   string
}

// New constructs a Handlers instance bound to the given services.
func New(tokens TokenAuthority, jobs JobStore, challenge ChallengeInfo, version string) *Handlers {
	return &Handlers{tokens: tokens, jobs: jobs, challenge: challenge, version: version}
}

//
// DTOs
//

// VerifyRequest is the JSON payload for POST /captcha/verify.
type VerifyRequest struct {
	// CaptchaResponse is the challenge proof produced by the widget.
	CaptchaResponse string `json:"captchaResponse" binding:"required"`
	// ClientID identifies the extension instance; generated when empty.
	ClientID string `json:"clientId"`
	// JobID optionally stashes the token for asynchronous pickup via
	// GET /auth/job/:jobId (the challenge runs in a separate tab).
	JobID string `json:"jobId"`
}

// TokenResponse carries a freshly issued or picked-up token.
type TokenResponse struct {
	Token     string     `json:"token"`
	ClientID  string     `json:"clientId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

//
// Handlers
//

// Challenge godoc
// @ID          captchaChallenge
// @Summary     Challenge parameters
// @Description Returns the site key (and bypass flag) the client needs to render the verification widget.
// @Tags        Auth
// @Produce     json
// @Success     200 {object} map[string]any
// @Router      /captcha/challenge [get]
func (h *Handlers) Challenge(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{
		"siteKey": h.challenge.SiteKey,
		"bypass":  h.challenge.Bypass,
	})
}

// Verify godoc
// @ID          captchaVerify
// @Summary     Verify challenge and issue token
// @Description Validates the challenge proof and mints a bearer token. When jobId is supplied the token is also stashed for one-time pickup.
// @Tags        Auth
// @Accept      json
// @Produce     json
// @Param       body body handlers.VerifyRequest true "Verification payload"
// @Success     200 {object} handlers.TokenResponse
// @Failure     400 {object} handlers.ErrorResponse "Bad request"
// @Failure     401 {object} handlers.ErrorResponse "Verification failed"
// @Failure     500 {object} handlers.ErrorResponse "Internal error"
// @Router      /captcha/verify [post]
func (h *Handlers) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "captchaResponse required")
		return
	}

	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		clientID = uuid.NewString()
	}

	tok, err := h.tokens.Issue(c.Request.Context(), clientID, req.CaptchaResponse, c.ClientIP())
	if err != nil {
		if errors.Is(err, captcha.ErrVerificationFailed) {
			fail(c, http.StatusUnauthorized, ErrCodeVerificationFailed, "challenge verification failed")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "token issuance failed")
		return
	}

	if jobID := strings.TrimSpace(req.JobID); jobID != "" {
		h.tokens.StashForJob(jobID, tok.Secret)
	}

	expires := tok.ExpiresAt
	ok(c, http.StatusOK, TokenResponse{
		Token:     tok.Secret,
		ClientID:  tok.ClientID,
		ExpiresAt: &expires,
	})
}

// PickupToken godoc
// @ID          pickupToken
// @Summary     One-time token pickup
// @Description Retrieves a token stashed by a verification completed in another tab. Each stash can be claimed exactly once.
// @Tags        Auth
// @Produce     json
// @Param       jobId path string true "Pickup identifier"
// @Success     200 {object} handlers.TokenResponse
// @Failure     404 {object} handlers.ErrorResponse "Unknown or already claimed"
// @Failure     410 {object} handlers.ErrorResponse "Pickup window expired"
// @Router      /auth/job/{jobId} [get]
func (h *Handlers) PickupToken(c *gin.Context) {
	secret, err := h.tokens.ClaimForJob(c.Param("jobId"))
	switch {
	case errors.Is(err, services.ErrPendingTokenStale):
		fail(c, http.StatusGone, ErrCodeGone, "token pickup window expired")
		return
	case err != nil:
		fail(c, http.StatusNotFound, ErrCodeNotFound, "no pending token")
		return
	}
	ok(c, http.StatusOK, TokenResponse{Token: secret})
}

// TokenStats godoc
// @ID          tokenStats
// @Summary     Token quota and usage
// @Description Returns expiry, live quota usage and limits, and lifetime counters for the presented token.
// @Tags        Auth
// @Produce     json
// @Success     200 {object} services.TokenStats
// @Failure     401 {object} handlers.ErrorResponse "Invalid token"
// @Router      /auth/token/stats [get]
func (h *Handlers) TokenStats(c *gin.Context) {
	stats, err := h.tokens.Stats(middleware.TokenSecret(c))
	if err != nil {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid token")
		return
	}
	ok(c, http.StatusOK, stats)
}

// TestConnection godoc
// @ID          testConnection
// @Summary     Connectivity echo
// @Description Confirms the token is valid and echoes the quota snapshot and server time.
// @Tags        Ops
// @Produce     json
// @Success     200 {object} map[string]any
// @Failure     401 {object} handlers.ErrorResponse "Invalid token"
// @Router      /test [post]
func (h *Handlers) TestConnection(c *gin.Context) {
	stats, err := h.tokens.Stats(middleware.TokenSecret(c))
	if err != nil {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid token")
		return
	}
	ok(c, http.StatusOK, gin.H{
		"ok":         true,
		"clientId":   middleware.ClientID(c),
		"serverTime": time.Now().UTC(),
		"quota":      stats,
	})
}

// Root godoc
// @ID          serviceInfo
// @Summary     Service disclosure
// @Description Minimal unauthenticated service identification.
// @Tags        Ops
// @Produce     json
// @Success     200 {object} map[string]any
// @Router      / [get]
func (h *Handlers) Root(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{
		"service":    "pagewatch-runner",
		"version":    h.version,
		"activeJobs": h.jobs.Count(),
	})
}
