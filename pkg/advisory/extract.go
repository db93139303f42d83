package advisory

import (
	"encoding/json"
	"strings"
)

// Parse modes reported alongside an extraction attempt.
const (
	ParseFull             = "full"
	ParseExtracted        = "extracted"
	ParseEmpty            = "empty"
	ParseNoObject         = "none"
	ParseInvalidExtracted = "invalid_extracted"
	ParseInvalid          = "invalid"
)

// ExtractJSONObject pulls the first balanced JSON object out of raw LLM
// text. Models wrap their answer in prose more often than not, so after
// a failed full parse we scan from the first '{', tracking string and
// escape state, and cut at the brace that closes the object. A nil map
// means no usable object was found; the second return is the parse mode.
func ExtractJSONObject(raw string) (map[string]any, string) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, ParseEmpty
	}

	var full map[string]any
	if err := json.Unmarshal([]byte(text), &full); err == nil && full != nil {
		return full, ParseFull
	}

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, ParseNoObject
	}

	inString := false
	escaped := false
	depth := 0
	for idx := start; idx < len(text); idx++ {
		ch := text[idx]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			escaped = true
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if inString {
				continue
			}
			depth--
			if depth == 0 {
				candidate := text[start : idx+1]
				var parsed map[string]any
				if err := json.Unmarshal([]byte(candidate), &parsed); err != nil || parsed == nil {
					return nil, ParseInvalidExtracted
				}
				return parsed, ParseExtracted
			}
		}
	}
	// Ran off the end with an open object or an unterminated string.
	return nil, ParseInvalid
}
