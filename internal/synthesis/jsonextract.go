package synthesis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when model output carries no balanced JSON object.
var ErrNoJSON = errors.New("no JSON object in model output")

// ExtractJSONObject returns the first balanced {...} span of text. Braces
// inside string literals, including escaped quotes, are ignored.
func ExtractJSONObject(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escape := false
	for i, r := range text {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
				inString = false
				escape = false
			}
			continue
		}
		if inString {
			if escape {
				escape = false
				continue
			}
			if r == '\\' {
				escape = true
				continue
			}
			if r == '"' {
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(text[start : i+1]), true
			}
		}
	}
	return "", false
}

// DecodeObject extracts the first JSON object from text, checks that every
// required top-level key is present and non-null, and decodes it into out.
func DecodeObject(text string, out any, required ...string) error {
	raw, ok := ExtractJSONObject(text)
	if !ok {
		return ErrNoJSON
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return fmt.Errorf("parse model JSON: %w", err)
	}
	var missing []string
	for _, key := range required {
		value, ok := fields[key]
		if !ok || string(value) == "null" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("model JSON missing %s", strings.Join(missing, ", "))
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode model JSON: %w", err)
	}
	return nil
}
