package service

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxPromptInput caps caller-supplied text embedded in a prompt.
const maxPromptInput = 10000

// roleMarkers are line prefixes a model may read as a turn boundary.
var roleMarkers = []string{
	"system:", "assistant:", "user:", "[system]", "[assistant]",
	"<|system|>", "<|assistant|>", "<|im_start|>",
	"### system", "### assistant", "### instruction",
}

// sanitizePromptInput strips control characters and neutralises role
// markers in caller-supplied text before it is templated into a prompt.
func sanitizePromptInput(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		trimmed := strings.ToLower(strings.TrimSpace(line))
		for _, prefix := range roleMarkers {
			if strings.HasPrefix(trimmed, prefix) {
				lines[i] = "[sanitized] " + line
				break
			}
		}
	}
	s = strings.Join(lines, "\n")

	if len(s) > maxPromptInput {
		cut := maxPromptInput
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "\n[truncated]"
	}
	return s
}
