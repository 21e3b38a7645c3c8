// Package llm calls a vision-capable language model with a page screenshot
// and the job's field criteria, returning the raw model text for the
// normalizer to interpret.
//
// The HTTP client speaks the OpenAI chat-completions dialect, which is also
// what compatible self-hosted gateways accept. Per-job LLMConfig overrides
// (model, endpoint, API key, temperature, max tokens) take precedence over
// the server defaults.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pagewatch/pagewatch-runner/internal/config"
	"github.com/pagewatch/pagewatch-runner/internal/domain"
)

// Request is one evaluation call.
type Request struct {
	// ImageB64 is the screenshot as base64 (PNG or JPEG).
	ImageB64 string
	// Fields are the evaluation criteria the model must answer.
	Fields []domain.FieldDef
	// Prior carries trusted booleans from the previous run, already
	// confidence-filtered by the caller. May be nil.
	Prior map[string]bool
	// Config is the per-job model configuration; empty fields fall back
	// to server defaults.
	Config domain.LLMConfig
}

// Response is the raw model output plus the stop reason, which the
// normalizer uses to detect truncation.
type Response struct {
	RawText    string
	StopReason string
}

// Truncated reports whether the model stopped because of a length limit.
func (r Response) Truncated() bool {
	switch strings.ToLower(r.StopReason) {
	case "length", "max_tokens":
		return true
	}
	return false
}

// Client evaluates screenshots against field criteria.
type Client interface {
	Evaluate(ctx context.Context, req Request) (Response, error)
}

// HTTPClient is the production Client implementation.
type HTTPClient struct {
	defaults config.LLMConfig
	client   *http.Client
}

// NewHTTPClient builds a model client with the given server defaults. The
// http.Client may be nil; the call timeout comes from defaults.Timeout.
func NewHTTPClient(defaults config.LLMConfig, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: defaults.Timeout}
	}
	return &HTTPClient{defaults: defaults, client: client}
}

// chat-completions wire types (request side).
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// chat-completions wire types (response side).
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Evaluate sends the screenshot and criteria to the model. Non-2xx
// responses and transport errors surface as errors; the caller records them
// as a failed run rather than crashing the request.
func (c *HTTPClient) Evaluate(ctx context.Context, req Request) (Response, error) {
	endpoint := firstNonEmpty(req.Config.Endpoint, c.defaults.Endpoint)
	model := firstNonEmpty(req.Config.Model, c.defaults.Model)
	apiKey := firstNonEmpty(req.Config.APIKey, c.defaults.APIKey)

	body := chatRequest{
		Model:       model,
		MaxTokens:   req.Config.MaxTokens,
		Temperature: req.Config.Temperature,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: buildPrompt(req.Fields, req.Prior)},
				{Type: "image_url", ImageURL: &imageURL{URL: "data:image/png;base64," + req.ImageB64}},
			},
		}},
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("model call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Response{}, fmt.Errorf("model call: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, fmt.Errorf("model call: status %d: %s", resp.StatusCode, compact(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, fmt.Errorf("model call: decode response: %w", err)
	}
	if parsed.Error != nil {
		return Response{}, fmt.Errorf("model call: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("model call: empty choices")
	}

	choice := parsed.Choices[0]
	return Response{RawText: choice.Message.Content, StopReason: choice.FinishReason}, nil
}

// buildPrompt lists the criteria and the trusted prior booleans, and pins
// the expected answer format to the evaluation-wrapped JSON shape.
func buildPrompt(fields []domain.FieldDef, prior map[string]bool) string {
	var b strings.Builder
	b.WriteString("Evaluate the attached page screenshot against each criterion. ")
	b.WriteString("Answer with a single JSON object of the form ")
	b.WriteString(`{"evaluation": {"<name>": {"result": <bool>, "confidence": <0..1>}}, "summary": "<one sentence>"}.`)
	b.WriteString("\n\nCriteria:\n")
	for _, f := range fields {
		fmt.Fprintf(&b, "- %s: %s\n", f.Name, f.Criteria)
	}
	if len(prior) > 0 {
		b.WriteString("\nResults from the previous check (for context only; re-evaluate from the screenshot):\n")
		for name, v := range prior {
			fmt.Fprintf(&b, "- %s was %t\n", name, v)
		}
	}
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// compact flattens an error body to one log-friendly line.
func compact(raw []byte) string {
	s := strings.Join(strings.Fields(string(raw)), " ")
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}
