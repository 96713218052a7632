package bundle

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Parser deserializes a bundle file back into structured data.
type Parser interface {
	Parse(data []byte) (*Bundle, error)
}

// ParserFor picks a parser by content: the Markdown sentinel wins,
// anything else is treated as JSON.
func ParserFor(data []byte) Parser {
	if bytes.Contains(data, []byte(versionSentinel)) {
		return &MarkdownParser{}
	}
	return &JSONParser{}
}

// JSONParser parses a JSON-encoded Bundle.
type JSONParser struct{}

func (p *JSONParser) Parse(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse JSON bundle: %w", err)
	}
	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("failed to parse JSON bundle: %w", err)
	}
	return &b, nil
}

// MarkdownParser parses a Markdown-rendered Bundle by extracting the
// embedded base64 JSON payload from the sentinel comments.
type MarkdownParser struct{}

func (p *MarkdownParser) Parse(data []byte) (*Bundle, error) {
	content := string(data)

	if !strings.Contains(content, versionSentinel) {
		return nil, fmt.Errorf("not a valid rewind bundle: missing version sentinel")
	}

	start := strings.Index(content, dataPrefix)
	if start == -1 {
		return nil, fmt.Errorf("not a valid rewind bundle: missing data payload")
	}
	start += len(dataPrefix)
	end := strings.Index(content[start:], dataSuffix)
	if end == -1 {
		return nil, fmt.Errorf("not a valid rewind bundle: malformed data payload")
	}

	jsonBytes, err := base64.StdEncoding.DecodeString(content[start : start+end])
	if err != nil {
		return nil, fmt.Errorf("not a valid rewind bundle: corrupted base64 payload: %w", err)
	}

	var b Bundle
	if err := json.Unmarshal(jsonBytes, &b); err != nil {
		return nil, fmt.Errorf("not a valid rewind bundle: failed to parse embedded JSON: %w", err)
	}
	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("not a valid rewind bundle: %w", err)
	}
	return &b, nil
}

func (b *Bundle) validate() error {
	if b.Version != Version {
		return fmt.Errorf("unsupported bundle version %d", b.Version)
	}
	if b.ChallengeID == "" {
		return fmt.Errorf("challenge id is missing")
	}
	for _, rec := range b.Recordings {
		if err := rec.Validate(); err != nil {
			return err
		}
	}
	return nil
}
