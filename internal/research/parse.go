package research

import (
	"encoding/json"
	"strings"
)

// stripCodeFences removes a leading/trailing markdown code fence so a model
// that wraps its JSON in ```json ... ``` still parses.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:] // drop the language tag line
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// extractFirstJSON returns the first balanced top-level JSON object in s,
// or s unchanged when no balanced object is found.
func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, ch := range s {
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inString && depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return s[start : i+1]
				}
			}
		}
	}
	return s
}

// decodeLooseJSON runs the two-stage tolerant parse: fence strip plus direct
// unmarshal, then first-object extraction. The caller supplies the hard
// default when both stages fail.
func decodeLooseJSON(raw string, out any) error {
	cleaned := stripCodeFences(raw)
	if err := json.Unmarshal([]byte(cleaned), out); err == nil {
		return nil
	}
	return json.Unmarshal([]byte(extractFirstJSON(cleaned)), out)
}
