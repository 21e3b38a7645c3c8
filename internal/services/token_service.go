// Package services – TokenService
//
// This file implements the token/quota authority. Tokens are opaque bearer
// secrets issued after a human-verification challenge, carrying a fixed
// expiry and two live quota counters: the set of distinct domains with an
// active recurring job, and the number of in-flight manual captures.
//
// Quotas are tracked per token rather than per IP so a browser instance
// reconnecting from a different network path is not double-charged, and so
// abuse is limited at the point of costly resource consumption (headless
// browser launches) rather than at the HTTP layer alone.
//
// All quota operations are check-and-update under the service lock: a
// reservation either succeeds atomically or fails with a QuotaError, which
// keeps the counters consistent with the job-state transitions they guard.
package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagewatch/pagewatch-runner/internal/captcha"
	"github.com/pagewatch/pagewatch-runner/internal/config"
	"github.com/pagewatch/pagewatch-runner/internal/domain"
)

// pendingToken is a token stashed for asynchronous one-time pickup by a
// polling client that completed verification out of band.
type pendingToken struct {
	secret  string
	stashed time.Time
}

// TokenService owns all issued tokens. Safe for concurrent use.
type TokenService struct {
	mu      sync.Mutex
	tokens  map[string]*domain.Token
	pending map[string]pendingToken

	verifier   captcha.Verifier
	ttl        time.Duration
	pendingTTL time.Duration
	quotas     config.QuotaConfig
	log        zerolog.Logger

	// now is a clock seam for tests.
	now func() time.Time
}

// NewTokenService constructs a TokenService.
func NewTokenService(verifier captcha.Verifier, cfg config.Config, log zerolog.Logger) *TokenService {
	return &TokenService{
		tokens:     make(map[string]*domain.Token),
		pending:    make(map[string]pendingToken),
		verifier:   verifier,
		ttl:        cfg.TokenTTL,
		pendingTTL: cfg.PendingTokenTTL,
		quotas:     cfg.Quotas,
		log:        log,
		now:        time.Now,
	}
}

// Issue validates the human-verification proof and, on success, mints a new
// token with expiry = now + TTL. Fails with captcha.ErrVerificationFailed
// when the proof is rejected.
func (s *TokenService) Issue(ctx context.Context, clientID, proof, remoteIP string) (*domain.Token, error) {
	if err := s.verifier.Verify(ctx, proof, remoteIP); err != nil {
		return nil, err
	}

	secret, err := newSecret()
	if err != nil {
		return nil, err
	}

	now := s.now()
	tok := &domain.Token{
		Secret:           secret,
		ClientID:         clientID,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.ttl),
		RecurringDomains: make(map[string]struct{}),
	}

	s.mu.Lock()
	s.tokens[secret] = tok
	total := len(s.tokens)
	s.mu.Unlock()

	s.log.Info().Str("client_id", clientID).Int("tokens", total).Msg("token issued")
	return tok, nil
}

// Validate returns the token for secret if present and unexpired. Expired
// tokens are evicted lazily here, independent of the background sweep.
func (s *TokenService) Validate(secret string) (*domain.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[secret]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if tok.Expired(s.now()) {
		delete(s.tokens, secret)
		return nil, ErrTokenExpired
	}
	return tok, nil
}

// StartRecurring reserves a recurring-domain slot for domain. Adding a
// domain the token already monitors is a no-op (set semantics), so
// resubmitting an existing job never double-charges.
func (s *TokenService) StartRecurring(secret, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.validateLocked(secret)
	if err != nil {
		return err
	}
	if _, ok := tok.RecurringDomains[domain]; ok {
		return nil
	}
	if len(tok.RecurringDomains) >= s.quotas.MaxRecurringDomains {
		return &QuotaError{
			Kind:    QuotaRecurringDomains,
			Current: len(tok.RecurringDomains),
			Limit:   s.quotas.MaxRecurringDomains,
		}
	}
	tok.RecurringDomains[domain] = struct{}{}
	tok.Stats.TotalRecurring++
	tok.Stats.TotalJobs++
	return nil
}

// StopRecurring releases the recurring-domain slot for domain. Removing a
// domain that is not a member is a no-op; the counter never goes negative.
func (s *TokenService) StopRecurring(secret, domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tok, ok := s.tokens[secret]; ok {
		delete(tok.RecurringDomains, domain)
	}
}

// StartManual reserves one in-flight manual capture slot.
func (s *TokenService) StartManual(secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.validateLocked(secret)
	if err != nil {
		return err
	}
	if tok.ManualCaptures >= s.quotas.MaxManualCaptures {
		return &QuotaError{
			Kind:    QuotaManualCaptures,
			Current: tok.ManualCaptures,
			Limit:   s.quotas.MaxManualCaptures,
		}
	}
	tok.ManualCaptures++
	tok.Stats.TotalManual++
	tok.Stats.TotalJobs++
	return nil
}

// FinishManual releases one in-flight manual capture slot, flooring at
// zero. Called on every terminal state of a manual run, including failures
// that happen before a run record exists.
func (s *TokenService) FinishManual(secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tok, ok := s.tokens[secret]; ok && tok.ManualCaptures > 0 {
		tok.ManualCaptures--
	}
}

// TokenStats is the snapshot served by the stats endpoint.
type TokenStats struct {
	ClientID         string               `json:"clientId"`
	ExpiresAt        time.Time            `json:"expiresAt"`
	RecurringDomains int                  `json:"recurringDomains"`
	RecurringLimit   int                  `json:"recurringLimit"`
	ManualCaptures   int                  `json:"manualCaptures"`
	ManualLimit      int                  `json:"manualLimit"`
	Lifetime         domain.LifetimeStats `json:"lifetime"`
}

// Stats returns a consistent snapshot of the token's quota usage, limits,
// and lifetime counters.
func (s *TokenService) Stats(secret string) (TokenStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.validateLocked(secret)
	if err != nil {
		return TokenStats{}, err
	}
	return TokenStats{
		ClientID:         tok.ClientID,
		ExpiresAt:        tok.ExpiresAt,
		RecurringDomains: len(tok.RecurringDomains),
		RecurringLimit:   s.quotas.MaxRecurringDomains,
		ManualCaptures:   tok.ManualCaptures,
		ManualLimit:      s.quotas.MaxManualCaptures,
		Lifetime:         tok.Stats,
	}, nil
}

// SweepExpired removes all tokens past expiry and stale pending pickups.
// It runs hourly from the scheduler, independent of lazy eviction in
// Validate. Returns the number of tokens removed.
func (s *TokenService) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for secret, tok := range s.tokens {
		if tok.Expired(now) {
			delete(s.tokens, secret)
			removed++
		}
	}
	for jobID, p := range s.pending {
		if now.Sub(p.stashed) > s.pendingTTL {
			delete(s.pending, jobID)
		}
	}
	if removed > 0 {
		s.log.Info().Int("removed", removed).Int("remaining", len(s.tokens)).Msg("expired tokens swept")
	}
	return removed
}

// StashForJob stores the token secret under a pickup id for one-time
// asynchronous retrieval (the extension polls /auth/job/:jobId after
// completing the challenge in a separate tab).
func (s *TokenService) StashForJob(jobID, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[jobID] = pendingToken{secret: secret, stashed: s.now()}
}

// ClaimForJob retrieves and removes a stashed token secret. Fails with
// ErrPendingTokenNotFound when unknown or already claimed, and with
// ErrPendingTokenStale when older than the pickup window (the stale entry
// is removed either way).
func (s *TokenService) ClaimForJob(jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[jobID]
	if !ok {
		return "", ErrPendingTokenNotFound
	}
	delete(s.pending, jobID)
	if s.now().Sub(p.stashed) > s.pendingTTL {
		return "", ErrPendingTokenStale
	}
	return p.secret, nil
}

// validateLocked is Validate without re-acquiring the lock.
func (s *TokenService) validateLocked(secret string) (*domain.Token, error) {
	tok, ok := s.tokens[secret]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if tok.Expired(s.now()) {
		delete(s.tokens, secret)
		return nil, ErrTokenExpired
	}
	return tok, nil
}

// newSecret returns a 256-bit random hex secret.
func newSecret() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
