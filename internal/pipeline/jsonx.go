package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
)

// RecoverObjects extracts an array of JSON objects from an LLM response.
// The model is treated as adversarial: a clean parse is attempted first,
// then markdown fences are stripped, then the first balanced [...] block is
// extracted, then individual balanced {...} objects are collected, and
// finally the whole response goes through json-repair. The caller owns the
// last resort (a reduced repair prompt).
func RecoverObjects(response string) ([]map[string]any, error) {
	text := strings.TrimSpace(response)
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}

	if out, err := parseObjectArray(text); err == nil {
		return out, nil
	}

	stripped := StripFences(text)
	if out, err := parseObjectArray(stripped); err == nil {
		return out, nil
	}

	if block := extractArrayBlock(stripped); block != "" {
		if out, err := parseObjectArray(block); err == nil {
			return out, nil
		}
	}

	if objs := extractBalancedObjects(stripped); len(objs) > 0 {
		out := make([]map[string]any, 0, len(objs))
		for _, raw := range objs {
			var m map[string]any
			if err := json.Unmarshal([]byte(raw), &m); err == nil {
				out = append(out, m)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	if repaired, err := jsonrepair.RepairJSON(stripped); err == nil {
		if out, err := parseObjectArray(repaired); err == nil {
			return out, nil
		}
	}

	return nil, fmt.Errorf("no JSON array recoverable from response")
}

// RecoverObject extracts a single JSON object, with the same defensive
// cascade as RecoverObjects.
func RecoverObject(response string) (map[string]any, error) {
	text := StripFences(strings.TrimSpace(response))
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err == nil {
		return m, nil
	}
	if objs := extractBalancedObjects(text); len(objs) > 0 {
		if err := json.Unmarshal([]byte(objs[0]), &m); err == nil {
			return m, nil
		}
	}
	repaired, err := jsonrepair.RepairJSON(text)
	if err != nil {
		return nil, fmt.Errorf("no JSON object recoverable from response")
	}
	if err := json.Unmarshal([]byte(repaired), &m); err != nil {
		return nil, fmt.Errorf("no JSON object recoverable from response")
	}
	return m, nil
}

func parseObjectArray(text string) ([]map[string]any, error) {
	var out []map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StripFences removes a surrounding ```json ... ``` (or plain ```) block.
func StripFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if idx := strings.Index(t, "\n"); idx >= 0 {
		// Drop the language tag line ("json", "JSON", ...).
		first := strings.TrimSpace(t[:idx])
		if len(first) <= 8 {
			t = t[idx+1:]
		}
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

// extractArrayBlock returns the first balanced top-level [...] block,
// respecting strings and escapes.
func extractArrayBlock(text string) string {
	start := strings.IndexByte(text, '[')
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
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// extractBalancedObjects collects every balanced top-level {...} block.
func extractBalancedObjects(text string) []string {
	var objs []string
	depth := 0
	start := -1
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
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					objs = append(objs, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return objs
}
