package llm

import (
	"encoding/json"
	"strings"
)

// Reply is the structured assistant answer.
type Reply struct {
	Content string   `json:"content"`
	Notes   []string `json:"notes"`
}

// ParseStructured decodes a {"content","notes"} body. Anything that is not a
// JSON object with non-empty content is returned verbatim as Content.
func ParseStructured(raw string) Reply {
	raw = strings.TrimSpace(raw)
	fallback := Reply{Content: raw, Notes: []string{}}

	body := ExtractJSONObject(raw)
	if body == "" {
		return fallback
	}

	var out struct {
		Content any   `json:"content"`
		Notes   []any `json:"notes"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		// notes of the wrong type should not cost us the content
		var loose struct {
			Content any `json:"content"`
		}
		if json.Unmarshal([]byte(body), &loose) != nil {
			return fallback
		}
		out.Content = loose.Content
	}

	content, ok := out.Content.(string)
	if !ok || strings.TrimSpace(content) == "" {
		return fallback
	}
	reply := Reply{Content: strings.TrimSpace(content), Notes: []string{}}
	for _, n := range out.Notes {
		if s, ok := n.(string); ok && strings.TrimSpace(s) != "" {
			reply.Notes = append(reply.Notes, strings.TrimSpace(s))
		}
	}
	return reply
}

// ExtractJSONObject strips markdown code fences and returns the outermost
// {...} span, or "" when there is none.
func ExtractJSONObject(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
