// SAPIENT structured-text protocol.
//
// SAPIENT is a line-oriented envelope that mixes free-text narrative with
// delimited machine-parseable data blocks. A message looks like:
//
//	::SAPIENT/1.0 from=model to=runner trace=abc123
//	The page shows an out-of-stock banner.
//	::DATA evaluation format=json
//	{"in_stock": {"result": false, "confidence": 0.93}}
//	::END-DATA
//	::END-SAPIENT
//
// The header carries from/to agent names and optional trace/ref/priority
// metadata. Block formats are json, yaml, text, csv, and xml; only json
// blocks named "evaluation" or "field_results" feed the canonical
// evaluation, and a "reasoning" block (any format) overrides the free-text
// body as the summary.
//
// Parsing walks the text line by line through an explicit four-state
// machine: expect-header → in-body → in-block (back to in-body on block
// end) → complete on the message-end marker.
package normalize

import (
	"fmt"
	"strings"
)

// Envelope markers.
const (
	headerPrefix = "::SAPIENT/"
	blockPrefix  = "::DATA "
	blockEnd     = "::END-DATA"
	messageEnd   = "::END-SAPIENT"
)

// BlockFormat is the declared content format of a data block.
type BlockFormat string

const (
	FormatJSON BlockFormat = "json"
	FormatYAML BlockFormat = "yaml"
	FormatText BlockFormat = "text"
	FormatCSV  BlockFormat = "csv"
	FormatXML  BlockFormat = "xml"
)

// Block is one named data block inside a SAPIENT message.
type Block struct {
	Name    string
	Format  BlockFormat
	Content string
}

// Message is a parsed SAPIENT envelope.
type Message struct {
	Version  string
	From     string
	To       string
	Trace    string
	Ref      string
	Priority string
	Body     string
	Blocks   []Block
}

// parser states for the line walker.
type sapientState int

const (
	stateExpectHeader sapientState = iota
	stateInBody
	stateInBlock
	stateComplete
)

// looksLikeSapient reports whether the text opens with a SAPIENT header.
func looksLikeSapient(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), headerPrefix)
}

// ParseSapient parses a SAPIENT envelope. It is strict about structure (a
// missing end marker or an unterminated block is an error) but tolerant of
// unknown header metadata and unknown block formats.
func ParseSapient(text string) (*Message, error) {
	msg := &Message{}
	state := stateExpectHeader

	var body []string
	var block Block
	var blockLines []string

	for i, line := range strings.Split(text, "\n") {
		switch state {
		case stateExpectHeader:
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if !strings.HasPrefix(trimmed, headerPrefix) {
				return nil, fmt.Errorf("sapient: line %d: expected header, got %q", i+1, trimmed)
			}
			if err := parseHeader(trimmed, msg); err != nil {
				return nil, fmt.Errorf("sapient: line %d: %w", i+1, err)
			}
			state = stateInBody

		case stateInBody:
			trimmed := strings.TrimSpace(line)
			switch {
			case trimmed == messageEnd:
				state = stateComplete
			case strings.HasPrefix(trimmed, blockPrefix):
				var err error
				block, err = parseBlockStart(trimmed)
				if err != nil {
					return nil, fmt.Errorf("sapient: line %d: %w", i+1, err)
				}
				blockLines = blockLines[:0]
				state = stateInBlock
			default:
				body = append(body, line)
			}

		case stateInBlock:
			if strings.TrimSpace(line) == blockEnd {
				block.Content = strings.TrimSpace(strings.Join(blockLines, "\n"))
				msg.Blocks = append(msg.Blocks, block)
				state = stateInBody
				continue
			}
			blockLines = append(blockLines, line)

		case stateComplete:
			if strings.TrimSpace(line) != "" {
				return nil, fmt.Errorf("sapient: line %d: content after end marker", i+1)
			}
		}
	}

	switch state {
	case stateInBlock:
		return nil, fmt.Errorf("sapient: unterminated data block %q", block.Name)
	case stateComplete:
		msg.Body = strings.TrimSpace(strings.Join(body, "\n"))
		return msg, nil
	default:
		return nil, fmt.Errorf("sapient: missing %s marker", messageEnd)
	}
}

// parseHeader reads "::SAPIENT/<version> key=value ...".
func parseHeader(line string, msg *Message) error {
	fields := strings.Fields(line)
	msg.Version = strings.TrimPrefix(fields[0], headerPrefix)
	if msg.Version == "" {
		return fmt.Errorf("header missing version")
	}
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return fmt.Errorf("malformed header attribute %q", f)
		}
		switch k {
		case "from":
			msg.From = v
		case "to":
			msg.To = v
		case "trace":
			msg.Trace = v
		case "ref":
			msg.Ref = v
		case "priority":
			msg.Priority = v
		default:
			// Unknown metadata is carried by future protocol revisions;
			// skip rather than reject.
		}
	}
	if msg.From == "" || msg.To == "" {
		return fmt.Errorf("header requires from= and to=")
	}
	return nil
}

// parseBlockStart reads "::DATA <name> format=<fmt>".
func parseBlockStart(line string) (Block, error) {
	rest := strings.TrimPrefix(line, blockPrefix)
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Block{}, fmt.Errorf("data block missing name")
	}
	blk := Block{Name: fields[0], Format: FormatText}
	for _, f := range fields[1:] {
		if v, ok := strings.CutPrefix(f, "format="); ok {
			blk.Format = BlockFormat(strings.ToLower(v))
		}
	}
	switch blk.Format {
	case FormatJSON, FormatYAML, FormatText, FormatCSV, FormatXML:
	default:
		// Unknown formats degrade to opaque text.
		blk.Format = FormatText
	}
	return blk, nil
}

// BuildMessage renders a SAPIENT envelope. It is the companion builder used
// to produce protocol-conformant messages (and to round-trip the parser in
// tests).
func BuildMessage(msg *Message) string {
	var b strings.Builder

	version := msg.Version
	if version == "" {
		version = "1.0"
	}
	b.WriteString(headerPrefix + version)
	writeAttr(&b, "from", msg.From)
	writeAttr(&b, "to", msg.To)
	writeAttr(&b, "trace", msg.Trace)
	writeAttr(&b, "ref", msg.Ref)
	writeAttr(&b, "priority", msg.Priority)
	b.WriteByte('\n')

	if msg.Body != "" {
		b.WriteString(msg.Body)
		b.WriteByte('\n')
	}
	for _, blk := range msg.Blocks {
		format := blk.Format
		if format == "" {
			format = FormatText
		}
		fmt.Fprintf(&b, "%s%s format=%s\n", blockPrefix, blk.Name, format)
		b.WriteString(blk.Content)
		b.WriteByte('\n')
		b.WriteString(blockEnd)
		b.WriteByte('\n')
	}
	b.WriteString(messageEnd)
	b.WriteByte('\n')
	return b.String()
}

func writeAttr(b *strings.Builder, key, val string) {
	if val != "" {
		fmt.Fprintf(b, " %s=%s", key, val)
	}
}
