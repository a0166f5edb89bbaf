package devent

import (
	"regexp"
	"strings"
)

var (
	hexRun    = regexp.MustCompile(`0x[0-9a-fA-F]+|[0-9a-fA-F]{8,}`)
	digitRun  = regexp.MustCompile(`\d+`)
	quotedStr = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	spaceRun  = regexp.MustCompile(`\s+`)
)

// Fingerprint derives the coalescing key for an error event: a
// normalization of the error message plus its location. Two occurrences of
// the same recurring error must produce the same fingerprint even when
// addresses, counters, or literals in the message differ.
func Fingerprint(e Event) string {
	msg := normalizeMessage(e.Message())
	loc := location(e)
	if loc == "" {
		return msg
	}
	return msg + "@" + loc
}

func normalizeMessage(msg string) string {
	s := strings.ToLower(strings.TrimSpace(msg))
	s = quotedStr.ReplaceAllString(s, "<str>")
	s = hexRun.ReplaceAllString(s, "<hex>")
	s = digitRun.ReplaceAllString(s, "<n>")
	s = spaceRun.ReplaceAllString(s, " ")
	return s
}

// location prefers an explicit filename from the content, falling back to
// the first frame of the stack trace.
func location(e Event) string {
	if f, ok := e.Content["filename"].(string); ok && f != "" {
		return digitRun.ReplaceAllString(f, "<n>")
	}
	if e.StackTrace == "" {
		return ""
	}
	for _, line := range strings.Split(e.StackTrace, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "at ") {
			return digitRun.ReplaceAllString(strings.TrimPrefix(line, "at "), "<n>")
		}
	}
	return ""
}
