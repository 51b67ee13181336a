package storyteller

import (
	"regexp"
	"strings"
)

var controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)
var trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

// stripCodeFence removes a surrounding ``` ... ``` markdown fence, which
// chat models love to wrap JSON in despite being told not to.
func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") && strings.HasSuffix(trimmed, "```") {
		lines := strings.Split(trimmed, "\n")
		if len(lines) >= 2 {
			return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}
	return trimmed
}

func sanitizeJSONText(text string) string {
	cleaned := strings.ReplaceAll(text, "\r\n", "\n")
	cleaned = strings.ReplaceAll(cleaned, "\r", "\n")
	cleaned = controlCharPattern.ReplaceAllString(cleaned, "")
	cleaned = trailingCommaPattern.ReplaceAllString(cleaned, "$1")
	return cleaned
}

// safeJSONObject best-effort repairs model output into a parseable JSON
// object substring: strips code fences, strips control characters and
// trailing commas, and if the whole string still doesn't parse, narrows
// to the outermost {...} span. Mirrors json_utils.safe_load_json_dict.
func safeJSONObject(text string) string {
	candidate := sanitizeJSONText(stripCodeFence(text))
	if looksLikeJSONObject(candidate) {
		return candidate
	}
	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start == -1 || end == -1 || end <= start {
		return candidate
	}
	return candidate[start : end+1]
}

func looksLikeJSONObject(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}")
}
