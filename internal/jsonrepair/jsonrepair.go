// Package jsonrepair extracts structured data from agent text output.
// Agents are asked for JSON but routinely wrap it in prose or markdown
// fences, use single quotes, or leave trailing commas. Parse works through
// progressively more forgiving layers and only gives up when none of them
// produce valid JSON. Everything here is pure string work with no side
// effects.
package jsonrepair

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError reports that every repair layer failed.
type ParseError struct {
	Reason string
	Input  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("jsonrepair: %s", e.Reason)
}

const maxErrorInput = 200

// Parse returns the first JSON value found in text, as decoded by
// encoding/json (map[string]any, []any, etc). Layers, in order: strict
// parse of the whole text, strict parse of the extracted candidate block,
// strict parse of the repaired candidate.
func Parse(text string) (any, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, &ParseError{Reason: "empty input"}
	}

	if v, err := strict(trimmed); err == nil {
		return v, nil
	}

	candidate := extractCandidate(trimmed)
	if candidate != "" {
		if v, err := strict(candidate); err == nil {
			return v, nil
		}
		repaired := repair(candidate)
		if v, err := strict(repaired); err == nil {
			return v, nil
		}
	}

	input := trimmed
	if len(input) > maxErrorInput {
		input = input[:maxErrorInput]
	}
	return nil, &ParseError{Reason: "no parseable JSON found", Input: input}
}

func strict(text string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, err
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, nil
	}
	return nil, fmt.Errorf("not an object or array")
}

// extractCandidate pulls the most plausible JSON block out of surrounding
// prose: a fenced code block when present, otherwise the first balanced
// object or array.
func extractCandidate(text string) string {
	if fenced := extractFenced(text); fenced != "" {
		// The fence content may itself carry prose around the JSON.
		if inner := extractBalanced(fenced); inner != "" {
			return inner
		}
		return fenced
	}
	return extractBalanced(text)
}

func extractFenced(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return ""
	}
	rest := text[start+3:]
	// Skip the info string ("json", "JSON", ...) up to the first newline.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// extractBalanced scans for the first '{' or '[' and returns the substring
// up to its matching close, honoring strings and escapes.
func extractBalanced(text string) string {
	start := -1
	var open, close byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			start, open, close = i, '{', '}'
			break
		}
		if text[i] == '[' {
			start, open, close = i, '[', ']'
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	// Unterminated block; hand back what we have so the repair layer can
	// at least try.
	return text[start:]
}

// repair fixes the two damages agents produce most: single-quoted strings
// and trailing commas. Both passes track string state so quoted content is
// never touched.
func repair(text string) string {
	return stripTrailingCommas(convertSingleQuotes(text))
}

func convertSingleQuotes(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inDouble := false
	inSingle := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
			b.WriteByte(c)
		case c == '\\':
			escaped = true
			b.WriteByte(c)
		case inDouble:
			if c == '"' {
				inDouble = false
			}
			b.WriteByte(c)
		case inSingle:
			switch c {
			case '\'':
				inSingle = false
				b.WriteByte('"')
			case '"':
				b.WriteString(`\"`)
			default:
				b.WriteByte(c)
			}
		case c == '"':
			inDouble = true
			b.WriteByte(c)
		case c == '\'':
			inSingle = true
			b.WriteByte('"')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func stripTrailingCommas(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			b.WriteByte(c)
			continue
		}
		switch c {
		case '"':
			inString = true
			b.WriteByte(c)
		case ',':
			// Drop the comma when the next non-space byte closes the
			// container.
			j := i + 1
			for j < len(text) && (text[j] == ' ' || text[j] == '\t' || text[j] == '\n' || text[j] == '\r') {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
