// Package domain defines the core data model for the capture job runner:
// authorization tokens with usage quotas, capture jobs (one-shot or
// recurring), their append-only result histories, and the canonical
// evaluation shape produced by the response normalizer.
//
// All state is held in process memory; nothing here is persisted across
// restarts. JSON tags follow the wire names the browser extension sends.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a job.
//
// Transitions: idle → running → {idle (recurring), complete (one-shot),
// failed}. Only one execution of a job may hold "running" at any instant.
type JobStatus string

const (
	StatusIdle     JobStatus = "idle"
	StatusRunning  JobStatus = "running"
	StatusComplete JobStatus = "complete"
	StatusFailed   JobStatus = "failed"
)

// TriggerCondition selects when a field's webhook fires relative to the
// evaluated boolean.
type TriggerCondition string

const (
	// TriggerOnTrue fires the webhook when the effective result is true.
	// This is the default when a field does not specify a trigger.
	TriggerOnTrue TriggerCondition = "true"
	// TriggerOnFalse fires the webhook when the effective result is false.
	TriggerOnFalse TriggerCondition = "false"
)

// FieldDef is one evaluation criterion supplied with a job. The Name doubles
// as the model-facing key and the webhook-configuration lookup key; names are
// unique within a job's field set (enforced by the extension's field editor).
type FieldDef struct {
	Name                 string           `json:"name"`
	Criteria             string           `json:"criteria"`
	WebhookEnabled       bool             `json:"webhookEnabled"`
	WebhookURL           string           `json:"webhookUrl,omitempty"`
	WebhookTrigger       TriggerCondition `json:"webhookTrigger,omitempty"`
	WebhookMinConfidence int              `json:"webhookMinConfidence,omitempty"` // percent, 0-100; 0 means server default
	WebhookPayload       string           `json:"webhookPayload,omitempty"`       // optional custom JSON template
}

// Cookie is one browser cookie injected into the capture session.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"` // unix seconds; 0 = session cookie
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// Viewport is the browser viewport size for the capture session.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SessionData seeds a fresh page session: target URL plus the cookies,
// storage, user agent, and viewport captured from the client's browser.
type SessionData struct {
	URL          string            `json:"url"`
	Cookies      []Cookie          `json:"cookies,omitempty"`
	LocalStorage map[string]string `json:"localStorage,omitempty"`
	UserAgent    string            `json:"userAgent,omitempty"`
	Viewport     *Viewport         `json:"viewport,omitempty"`
}

// LLMConfig is the per-job language-model configuration. Empty fields fall
// back to server defaults.
type LLMConfig struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	Endpoint    string  `json:"endpoint,omitempty"`
	APIKey      string  `json:"apiKey,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// CaptureSettings tune one screenshot run.
type CaptureSettings struct {
	FullPage bool `json:"fullPage"`          // full scrollable page instead of viewport
	Refresh  bool `json:"refresh"`           // reload before capture (skipped on first run)
	DelayMS  int  `json:"delayMs,omitempty"` // settle delay before the screenshot
	Compress bool `json:"compress"`          // compress stored copy (model gets the original)
}

// FieldScore is the canonical per-field evaluation: a boolean result and a
// confidence in [0,1]. On the wire it is the two-element array
// [result, confidence], matching the legacy extension format.
type FieldScore struct {
	Result     bool
	Confidence float64
}

// MarshalJSON encodes the score as the canonical [bool, confidence] pair.
func (f FieldScore) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{f.Result, f.Confidence})
}

// UnmarshalJSON decodes the canonical [bool, confidence] pair.
func (f *FieldScore) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("field score: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("field score: want 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &f.Result); err != nil {
		return fmt.Errorf("field score result: %w", err)
	}
	if err := json.Unmarshal(pair[1], &f.Confidence); err != nil {
		return fmt.Errorf("field score confidence: %w", err)
	}
	return nil
}

// Evaluation is the canonical model output regardless of which raw response
// shape was received. A failed parse still yields an Evaluation carrying the
// raw text, the parse error, and a truncation flag so clients can inspect
// what the model actually said.
type Evaluation struct {
	Fields     map[string]FieldScore `json:"fields,omitempty"`
	Summary    string                `json:"summary,omitempty"`
	RawContent string                `json:"raw_content,omitempty"`
	ParseError string                `json:"parse_error,omitempty"`
	Truncated  bool                  `json:"truncated,omitempty"`
}

// Failed reports whether this evaluation is a parse-failure record.
func (e *Evaluation) Failed() bool { return e != nil && e.ParseError != "" }

// WebhookLogEntry records one outbound webhook attempt, success or not.
type WebhookLogEntry struct {
	Field        string    `json:"field"`
	URL          string    `json:"url"`
	Method       string    `json:"method"`
	RequestBody  string    `json:"requestBody,omitempty"`
	StatusCode   int       `json:"statusCode,omitempty"`
	ResponseBody string    `json:"responseBody,omitempty"`
	DurationMS   int64     `json:"durationMs"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	FiredAt      time.Time `json:"firedAt"`
}

// ResultRecord is one completed or failed execution outcome appended to a
// job. RetrievedBy tracks which client identifiers already fetched this
// record via the pull API; it must be initialized (possibly empty) on every
// record, including error records, for backward compatibility.
type ResultRecord struct {
	ID              string            `json:"id"`
	Timestamp       time.Time         `json:"timestamp"`
	ImageData       string            `json:"imageData,omitempty"` // base64; empty when capture never happened
	RequestPayload  string            `json:"requestPayload,omitempty"`
	LLMResponse     *Evaluation       `json:"llmResponse,omitempty"`
	RawResponse     string            `json:"rawResponse,omitempty"`
	Error           string            `json:"error,omitempty"`
	CaptureSettings CaptureSettings   `json:"captureSettings"`
	Webhooks        []WebhookLogEntry `json:"webhooks,omitempty"`
	RetrievedBy     map[string]bool   `json:"retrievedBy"`
}

// Job is one monitored (domain, token) capture configuration, or one
// standalone manual request. Interval > 0 means recurring (seconds between
// runs); 0 means one-shot manual.
type Job struct {
	ID          string    `json:"id"`
	Domain      string    `json:"domain"`
	TokenSecret string    `json:"-"`
	Interval    int       `json:"interval,omitempty"`
	Status      JobStatus `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	LastRun     time.Time `json:"lastRun"`
	LastError   string    `json:"lastError,omitempty"`
	RunCount    int       `json:"runCount"`

	Session            SessionData     `json:"sessionData"`
	LLM                LLMConfig       `json:"llmConfig"`
	Fields             []FieldDef      `json:"fields"`
	PreviousEvaluation *Evaluation     `json:"previousEvaluation,omitempty"`
	Capture            CaptureSettings `json:"captureSettings"`

	Results []*ResultRecord `json:"-"`
}

// Recurring reports whether the job runs on an interval.
func (j *Job) Recurring() bool { return j.Interval > 0 }

// LastSuccessfulResult returns the chronologically last appended result that
// carries a parsed evaluation, or nil. Used to build prior-evaluation
// context; never reads a result still in flight because results are only
// appended on run completion.
func (j *Job) LastSuccessfulResult() *ResultRecord {
	for i := len(j.Results) - 1; i >= 0; i-- {
		r := j.Results[i]
		if r.Error == "" && r.LLMResponse != nil && !r.LLMResponse.Failed() {
			return r
		}
	}
	return nil
}

// LifetimeStats accumulate per-token counters for the stats endpoint. They
// only ever grow; quota enforcement uses the live counters on Token.
type LifetimeStats struct {
	TotalJobs      int `json:"totalJobs"`
	TotalManual    int `json:"totalManualCaptures"`
	TotalRecurring int `json:"totalRecurringJobs"`
}

// Token is a bearer credential issued after human verification. Quota
// counters never go negative and never exceed the configured maxima; both
// invariants are enforced by the token service under its lock.
type Token struct {
	Secret    string    `json:"-"`
	ClientID  string    `json:"clientId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	RecurringDomains map[string]struct{} `json:"-"`
	ManualCaptures   int                 `json:"-"`

	Stats LifetimeStats `json:"stats"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *Token) Expired(now time.Time) bool { return now.After(t.ExpiresAt) }
