// Package captcha verifies the human-verification challenge that gates
// token issuance. The production implementation speaks the Turnstile-style
// siteverify protocol; non-production environments use the bypass verifier.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pagewatch/pagewatch-runner/internal/config"
)

// ErrVerificationFailed is returned when the challenge response is rejected.
var ErrVerificationFailed = errors.New("captcha verification failed")

// Verifier validates a challenge response.
type Verifier interface {
	// Verify checks the challenge response; remoteIP may be empty.
	Verify(ctx context.Context, response, remoteIP string) error
}

// New returns the verifier for the given configuration: the bypass verifier
// when cfg.Bypass is set, otherwise the siteverify client.
func New(cfg config.CaptchaConfig, client *http.Client) Verifier {
	if cfg.Bypass {
		return Bypass{}
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SiteVerify{cfg: cfg, client: client}
}

// Bypass accepts every challenge response. Only for non-production
// environments.
type Bypass struct{}

// Verify always succeeds.
func (Bypass) Verify(context.Context, string, string) error { return nil }

// SiteVerify validates challenge responses against the configured
// verification endpoint.
type SiteVerify struct {
	cfg    config.CaptchaConfig
	client *http.Client
}

// Verify posts the challenge response to the siteverify endpoint.
func (v *SiteVerify) Verify(ctx context.Context, response, remoteIP string) error {
	if strings.TrimSpace(response) == "" {
		return ErrVerificationFailed
	}

	form := url.Values{}
	form.Set("secret", v.cfg.SecretKey)
	form.Set("response", response)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.VerifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("captcha verify: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Success    bool     `json:"success"`
		ErrorCodes []string `json:"error-codes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("captcha verify: decode: %w", err)
	}
	if !body.Success {
		if len(body.ErrorCodes) > 0 {
			return fmt.Errorf("%w: %s", ErrVerificationFailed, strings.Join(body.ErrorCodes, ", "))
		}
		return ErrVerificationFailed
	}
	return nil
}
