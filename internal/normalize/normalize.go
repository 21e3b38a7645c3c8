// Package normalize turns heterogeneous language-model output into the
// canonical evaluation shape: a mapping of field name to [boolean,
// confidence] plus an optional natural-language summary.
//
// Three response shapes are recognized, detected in priority order:
//
//  1. SAPIENT structured text (see sapient.go)
//  2. JSON wrapped in an "evaluation" object
//  3. Bare legacy JSON (field map at the top level)
//
// Each per-field value may arrive in one of four sub-shapes, handled by an
// explicit closed set of variant parsers with a single dispatch point:
//
//	[bool, num]                      canonical array pair
//	{result, confidence|probability} current object form
//	{boolean, probability}           legacy object form
//	bare bool                        shorthand (confidence defaulted)
//
// A parse failure never surfaces as an error to the caller: the result is an
// Evaluation carrying the raw text, the parse error, and a truncation flag,
// so the client can inspect what the model actually said.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pagewatch/pagewatch-runner/internal/domain"
)

// DefaultConfidence is assumed when a sub-shape omits the confidence value.
const DefaultConfidence = 0.8

// Normalizer parses raw model output against a requested field list.
type Normalizer struct {
	// Fields is the set of requested field names. Names present in the
	// model output but absent here are ignored; requested names absent
	// from the output are omitted from the canonical map (a missing field
	// means "no evaluation", not a negative result).
	Fields []string
}

// New returns a Normalizer for the given field definitions.
func New(fields []domain.FieldDef) *Normalizer {
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name)
	}
	return &Normalizer{Fields: names}
}

// Parse normalizes raw model text. truncated signals that the model's stop
// reason indicated a length limit, which enables brace-balancing repair
// before giving up.
func (n *Normalizer) Parse(raw string, truncated bool) *domain.Evaluation {
	text := strings.TrimSpace(raw)
	if text == "" {
		return parseFailure(raw, "empty model response", truncated)
	}

	// Shape 1: SAPIENT structured text.
	if looksLikeSapient(text) {
		msg, err := ParseSapient(text)
		if err == nil {
			return n.fromSapient(msg)
		}
		// A malformed SAPIENT envelope is not retried as JSON: the opening
		// marker makes the intent unambiguous.
		return parseFailure(raw, err.Error(), truncated)
	}

	// Shapes 2 and 3: JSON, possibly wrapped and possibly truncated.
	ev, err := n.parseJSON(text)
	if err != nil && truncated {
		if repaired, ok := repairBraces(text); ok {
			if ev2, err2 := n.parseJSON(repaired); err2 == nil {
				ev2.Truncated = true
				return ev2
			}
		}
	}
	if err != nil {
		return parseFailure(raw, err.Error(), truncated)
	}
	return ev
}

// parseJSON handles the evaluation-wrapped and bare legacy shapes.
func (n *Normalizer) parseJSON(text string) (*domain.Evaluation, error) {
	text = extractJSONObject(text)

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &top); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}

	fieldSrc := top
	summary := ""

	// Shape 2: {"evaluation": {...}, "summary": ...}.
	if wrapped, ok := top["evaluation"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(wrapped, &inner); err != nil {
			return nil, fmt.Errorf("evaluation wrapper: %w", err)
		}
		fieldSrc = inner
	}
	for _, key := range []string{"summary", "reason"} {
		if raw, ok := top[key]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				summary = s
				break
			}
		}
	}

	fields := make(map[string]domain.FieldScore)
	for _, name := range n.Fields {
		raw, ok := fieldSrc[name]
		if !ok {
			continue
		}
		score, err := parseRawFieldResult(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		fields[name] = score
	}

	return &domain.Evaluation{Fields: fields, Summary: summary}, nil
}

// fromSapient lifts a parsed SAPIENT message into the canonical shape.
func (n *Normalizer) fromSapient(msg *Message) *domain.Evaluation {
	requested := make(map[string]struct{}, len(n.Fields))
	for _, f := range n.Fields {
		requested[f] = struct{}{}
	}

	fields := make(map[string]domain.FieldScore)
	summary := strings.TrimSpace(msg.Body)

	for _, blk := range msg.Blocks {
		switch {
		case blk.Format == FormatJSON && (blk.Name == "evaluation" || blk.Name == "field_results"):
			var entries map[string]json.RawMessage
			if err := json.Unmarshal([]byte(blk.Content), &entries); err != nil {
				continue
			}
			for name, raw := range entries {
				if _, ok := requested[name]; !ok {
					continue
				}
				if score, err := parseRawFieldResult(raw); err == nil {
					fields[name] = score
				}
			}
		case blk.Name == "reasoning":
			// A dedicated reasoning block wins over the free-text body.
			summary = strings.TrimSpace(blk.Content)
		}
	}

	return &domain.Evaluation{Fields: fields, Summary: summary}
}

// parseRawFieldResult is the single dispatch point over the four raw
// per-field sub-shapes.
func parseRawFieldResult(raw json.RawMessage) (domain.FieldScore, error) {
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case strings.HasPrefix(trimmed, "["):
		return parseArrayPair(raw)
	case strings.HasPrefix(trimmed, "{"):
		return parseObjectResult(raw)
	case trimmed == "true" || trimmed == "false":
		return domain.FieldScore{Result: trimmed == "true", Confidence: DefaultConfidence}, nil
	default:
		return domain.FieldScore{}, fmt.Errorf("unrecognized value %s", trimmed)
	}
}

// parseArrayPair handles the canonical [bool, num] variant.
func parseArrayPair(raw json.RawMessage) (domain.FieldScore, error) {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil {
		return domain.FieldScore{}, err
	}
	if len(pair) == 0 || len(pair) > 2 {
		return domain.FieldScore{}, fmt.Errorf("array pair has %d elements", len(pair))
	}
	var result bool
	if err := json.Unmarshal(pair[0], &result); err != nil {
		return domain.FieldScore{}, fmt.Errorf("array pair result: %w", err)
	}
	conf := DefaultConfidence
	if len(pair) == 2 {
		if err := json.Unmarshal(pair[1], &conf); err != nil {
			return domain.FieldScore{}, fmt.Errorf("array pair confidence: %w", err)
		}
	}
	return domain.FieldScore{Result: result, Confidence: clampConfidence(conf)}, nil
}

// parseObjectResult handles both object variants: {result, confidence|
// probability} and the legacy {boolean, probability}.
func parseObjectResult(raw json.RawMessage) (domain.FieldScore, error) {
	var obj struct {
		Result      *bool    `json:"result"`
		Boolean     *bool    `json:"boolean"`
		Confidence  *float64 `json:"confidence"`
		Probability *float64 `json:"probability"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return domain.FieldScore{}, err
	}

	var result bool
	switch {
	case obj.Result != nil:
		result = *obj.Result
	case obj.Boolean != nil:
		result = *obj.Boolean
	default:
		return domain.FieldScore{}, fmt.Errorf("object has neither result nor boolean")
	}

	conf := DefaultConfidence
	switch {
	case obj.Confidence != nil:
		conf = *obj.Confidence
	case obj.Probability != nil:
		conf = *obj.Probability
	}
	return domain.FieldScore{Result: result, Confidence: clampConfidence(conf)}, nil
}

// repairBraces appends the deficit of closing braces to text truncated by a
// model length limit. Returns false when the text has no unmatched braces.
func repairBraces(text string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for _, r := range text {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
			}
		}
	}
	if depth <= 0 {
		return text, false
	}
	// A string left open by the cut swallows everything after it; close it
	// before balancing.
	if inString {
		text += `"`
	}
	return text + strings.Repeat("}", depth), true
}

// extractJSONObject strips fenced code blocks and leading/trailing prose so
// that "Here is the result: {...}" style answers still parse.
func extractJSONObject(text string) string {
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		text = rest
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func parseFailure(raw, parseErr string, truncated bool) *domain.Evaluation {
	return &domain.Evaluation{
		RawContent: raw,
		ParseError: parseErr,
		Truncated:  truncated,
	}
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		// Some models answer in percent.
		if c <= 100 {
			return c / 100
		}
		return 1
	}
	return c
}
