package external

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrNoJSON is returned when a reply holds no JSON object at all.
	ErrNoJSON = errors.New("no JSON object in reply")

	trailingCommaRegex = regexp.MustCompile(`,\s*([}\]])`)
)

// ParseStructured pulls a JSON object out of a model reply, repairing the
// usual damage, and checks it against schema when one is given.
func ParseStructured(reply string, schema map[string]any) (map[string]any, error) {
	raw := extractObject(stripFences(reply))
	if raw == "" {
		return nil, ErrNoJSON
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		repaired := RepairJSON(raw)
		if err := json.Unmarshal([]byte(repaired), &out); err != nil {
			return nil, fmt.Errorf("unparseable JSON after repair: %w", err)
		}
	}

	if err := ValidateAgainstSchema(schema, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RepairJSON strips trailing commas and closes any brackets or braces left
// open, including an unterminated string.
func RepairJSON(s string) string {
	s = strings.TrimSpace(s)
	s = trailingCommaRegex.ReplaceAllString(s, "$1")

	var (
		stack    []byte
		inString bool
		escaped  bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	// Closing may have exposed a new trailing comma, e.g. `{"a": 1,`.
	return trailingCommaRegex.ReplaceAllString(b.String(), "$1")
}

// ValidateAgainstSchema checks doc against a JSON schema given as a Go map.
// An empty schema accepts anything.
func ValidateAgainstSchema(schema, doc map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return fmt.Errorf("reply does not match schema: %v", errs)
	}
	return nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start == -1 {
		return s
	}
	body := s[start+3:]
	if nl := strings.Index(body, "\n"); nl != -1 {
		body = body[nl+1:]
	}
	if end := strings.LastIndex(body, "```"); end != -1 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// extractObject returns the text from the first '{' to its matching brace,
// or to the end of s when the object is never closed.
func extractObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}
