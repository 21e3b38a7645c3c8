// Package webhook delivers per-field notifications when a canonical
// evaluation matches a field's configured trigger condition.
//
// Trigger matching applies confidence demotion: a true result whose
// confidence falls below the field's minimum-confidence percentage is
// treated as false for trigger purposes only; the stored evaluation keeps
// the original boolean. Deliveries run sequentially with a small inter-call
// delay so a downstream target implementing simple rate limiting is not
// hammered, and every attempt produces a structured log entry regardless of
// outcome. One field's failure never prevents firing for another field and
// never fails the overall job execution.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagewatch/pagewatch-runner/internal/domain"
)

const (
	// maxLoggedBody caps the response body bytes stored in a log entry.
	maxLoggedBody = 4 << 10

	// DefaultMinConfidence is the demotion threshold used when a field
	// does not configure one (percent).
	DefaultMinConfidence = 75
)

// Engine fires webhooks for one evaluation. The zero value is not usable;
// construct with NewEngine.
type Engine struct {
	client         *http.Client
	timeout        time.Duration
	interCallDelay time.Duration
	defaultMinConf int
	log            zerolog.Logger

	// sleep is a seam for tests; defaults to time.Sleep.
	sleep func(time.Duration)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClient overrides the HTTP client (tests).
func WithClient(c *http.Client) Option { return func(e *Engine) { e.client = c } }

// WithSleep overrides the inter-call sleep function (tests).
func WithSleep(fn func(time.Duration)) Option { return func(e *Engine) { e.sleep = fn } }

// NewEngine builds an Engine. timeout bounds each delivery attempt;
// interCallDelay is the pause between consecutive field deliveries;
// defaultMinConf is the demotion threshold (percent) applied when a field
// does not set its own.
func NewEngine(timeout, interCallDelay time.Duration, defaultMinConf int, log zerolog.Logger, opts ...Option) *Engine {
	if defaultMinConf <= 0 {
		defaultMinConf = DefaultMinConfidence
	}
	e := &Engine{
		client:         &http.Client{Timeout: timeout},
		timeout:        timeout,
		interCallDelay: interCallDelay,
		defaultMinConf: defaultMinConf,
		log:            log,
		sleep:          time.Sleep,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Fire evaluates every webhook-enabled field against the canonical
// evaluation and delivers matching ones. It returns one log entry per
// attempted delivery; fields that are disabled, unconfigured, absent from
// the evaluation, or whose trigger does not match produce no entry.
func (e *Engine) Fire(ctx context.Context, jobDomain string, eval *domain.Evaluation, fields []domain.FieldDef) []domain.WebhookLogEntry {
	if eval == nil || eval.Failed() || len(eval.Fields) == 0 {
		return nil
	}

	var entries []domain.WebhookLogEntry
	for _, f := range fields {
		if !f.WebhookEnabled || strings.TrimSpace(f.WebhookURL) == "" {
			continue
		}
		score, ok := eval.Fields[f.Name]
		if !ok {
			continue
		}
		if !e.shouldFire(f, score) {
			continue
		}

		if len(entries) > 0 && e.interCallDelay > 0 {
			e.sleep(e.interCallDelay)
		}
		entry := e.deliver(ctx, jobDomain, f, score)
		entries = append(entries, entry)

		lg := e.log.With().
			Str("field", f.Name).
			Str("domain", jobDomain).
			Str("url", f.WebhookURL).
			Int("status", entry.StatusCode).
			Int64("duration_ms", entry.DurationMS).
			Logger()
		if entry.Success {
			lg.Info().Msg("webhook delivered")
		} else {
			lg.Warn().Str("error", entry.Error).Msg("webhook delivery failed")
		}
	}
	return entries
}

// shouldFire applies confidence demotion and compares the effective result
// against the field's trigger condition.
func (e *Engine) shouldFire(f domain.FieldDef, score domain.FieldScore) bool {
	minConf := f.WebhookMinConfidence
	if minConf <= 0 {
		minConf = e.defaultMinConf
	}

	effective := score.Result
	if effective && score.Confidence*100 < float64(minConf) {
		effective = false
	}

	trigger := f.WebhookTrigger
	if trigger == "" {
		trigger = domain.TriggerOnTrue
	}
	return (trigger == domain.TriggerOnTrue) == effective
}

// deliver performs one time-bounded HTTP call and records the outcome.
func (e *Engine) deliver(ctx context.Context, jobDomain string, f domain.FieldDef, score domain.FieldScore) domain.WebhookLogEntry {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	entry := domain.WebhookLogEntry{
		Field:   f.Name,
		URL:     f.WebhookURL,
		FiredAt: time.Now().UTC(),
	}

	var req *http.Request
	var err error
	if strings.TrimSpace(f.WebhookPayload) != "" {
		body := customPayload(f, jobDomain, score)
		entry.Method = http.MethodPost
		entry.RequestBody = string(body)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, f.WebhookURL, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		entry.Method = http.MethodGet
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, queryURL(f, jobDomain, score), nil)
	}
	if err != nil {
		entry.Error = err.Error()
		return entry
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	entry.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		entry.Error = err.Error()
		return entry
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	entry.StatusCode = resp.StatusCode
	entry.ResponseBody = string(body)
	entry.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !entry.Success {
		entry.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return entry
}

// customPayload renders the field's JSON template, reformatting it for
// known chat-webhook destinations. An invalid template falls back to an
// error-describing payload so the destination still learns something fired.
func customPayload(f domain.FieldDef, jobDomain string, score domain.FieldScore) []byte {
	var tmpl map[string]any
	if err := json.Unmarshal([]byte(f.WebhookPayload), &tmpl); err != nil {
		fallback, _ := json.Marshal(map[string]any{
			"error":      "invalid webhook payload template",
			"detail":     err.Error(),
			"field":      f.Name,
			"result":     score.Result,
			"confidence": score.Confidence,
			"domain":     jobDomain,
		})
		return fallback
	}

	if isDiscordWebhook(f.WebhookURL) {
		return discordEmbed(f, jobDomain, score, tmpl)
	}

	out, _ := json.Marshal(tmpl)
	return out
}

// isDiscordWebhook recognizes Discord incoming-webhook URLs, which reject
// arbitrary JSON shapes and need the embeds format.
func isDiscordWebhook(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return (host == "discord.com" || host == "discordapp.com") &&
		strings.HasPrefix(u.Path, "/api/webhooks/")
}

// discordEmbed reformats a custom template into a Discord rich embed.
func discordEmbed(f domain.FieldDef, jobDomain string, score domain.FieldScore, tmpl map[string]any) []byte {
	color := 0x2ecc71 // green
	if !score.Result {
		color = 0xe74c3c // red
	}
	detail, _ := json.Marshal(tmpl)
	payload := map[string]any{
		"embeds": []map[string]any{{
			"title":       fmt.Sprintf("%s on %s", f.Name, jobDomain),
			"description": string(detail),
			"color":       color,
			"fields": []map[string]any{
				{"name": "Result", "value": strconv.FormatBool(score.Result), "inline": true},
				{"name": "Confidence", "value": fmt.Sprintf("%.0f%%", score.Confidence*100), "inline": true},
			},
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}},
	}
	out, _ := json.Marshal(payload)
	return out
}

// queryURL builds the GET form: field name, result, confidence, domain, and
// timestamp as query parameters on the configured URL.
func queryURL(f domain.FieldDef, jobDomain string, score domain.FieldScore) string {
	u, err := url.Parse(f.WebhookURL)
	if err != nil {
		return f.WebhookURL
	}
	q := u.Query()
	q.Set("field", f.Name)
	q.Set("result", strconv.FormatBool(score.Result))
	q.Set("confidence", strconv.FormatFloat(score.Confidence, 'f', 2, 64))
	q.Set("domain", jobDomain)
	q.Set("timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}
