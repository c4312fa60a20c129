// Package reconcile turns the outputs of a finished analysis execution into
// the incident's stored Analysis.
package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// envelopePath locates the text of a generative completion response.
const envelopePath = "candidates.0.content.parts.0.text"

// wrapperKeys hold a task's payload in common engine output shapes
// (HTTP task body, script output, returned value).
var wrapperKeys = []string{"body", "output", "value"}

// ExtractText reduces one task's raw output to text. It accepts plain strings,
// JSON-encoded strings, decoded structures and completion envelopes, and
// falls back to the JSON serialization of whatever it could not unwrap.
// It reports false only when there is nothing to extract.
func ExtractText(raw any) (string, bool) {
	return extract(raw, true)
}

func extract(raw any, unwrap bool) (string, bool) {
	switch v := raw.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return "", false
		}
		if looksLikeJSON(s) {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				if text, ok := envelopeText(decoded); ok {
					return text, true
				}
				if unwrap {
					if inner, ok := wrapped(decoded); ok {
						return extract(inner, false)
					}
				}
			}
		}
		return s, true
	case json.RawMessage:
		return extract(string(v), unwrap)
	case []byte:
		return extract(string(v), unwrap)
	}

	if text, ok := envelopeText(raw); ok {
		return text, true
	}
	if unwrap {
		if inner, ok := wrapped(raw); ok {
			if text, ok := extract(inner, false); ok {
				return text, true
			}
		}
	}
	return serialize(raw)
}

func looksLikeJSON(s string) bool {
	return (strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")) ||
		(strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"))
}

// envelopeText finds the completion text in a decoded structure.
func envelopeText(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	if _, ok := m["candidates"]; !ok {
		return "", false
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", false
	}
	r := gjson.GetBytes(b, envelopePath)
	if r.Type != gjson.String {
		return "", false
	}
	return r.Str, true
}

// wrapped returns the value under the first wrapper key of an object.
func wrapped(v any) (any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	for _, k := range wrapperKeys {
		if inner, ok := m[k]; ok && inner != nil {
			return inner, true
		}
	}
	return nil, false
}

func serialize(v any) (string, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v), true
	}
	s := string(b)
	if s == "null" || s == `""` {
		return "", false
	}
	return s, true
}
