// Package assist produces AI-generated fix proposals for diagrams that
// fail to parse. Input is validated and sanitized before it reaches the
// model, one quota unit is charged up front, and the raw completion is
// parsed back into code plus a short rationale.
package assist

import (
	"regexp"
	"strings"
)

const (
	// MaxCodeLen matches the persistence layer's diagram size cap.
	MaxCodeLen = 100000
	// MaxErrLen bounds the renderer error message forwarded to the model.
	MaxErrLen = 1000
)

// headerPatterns match the first substantive line of every diagram kind the
// renderer supports. Anything else is rejected before spending quota.
var headerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^graph\s+(TB|TD|BT|RL|LR)\b`),
	regexp.MustCompile(`^flowchart\s+(TB|TD|BT|RL|LR)\b`),
	regexp.MustCompile(`^sequenceDiagram\b`),
	regexp.MustCompile(`^classDiagram\b`),
	regexp.MustCompile(`^stateDiagram(-v2)?\b`),
	regexp.MustCompile(`^erDiagram\b`),
	regexp.MustCompile(`^gantt\b`),
	regexp.MustCompile(`^pie\b`),
	regexp.MustCompile(`^mindmap\b`),
	regexp.MustCompile(`^timeline\b`),
	regexp.MustCompile(`^gitGraph\b`),
	regexp.MustCompile(`^journey\b`),
	regexp.MustCompile(`^quadrantChart\b`),
	regexp.MustCompile(`^requirementDiagram\b`),
	regexp.MustCompile(`^C4Context\b`),
}

var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	runNewlines  = regexp.MustCompile(`\n{4,}`)
)

// LooksLikeMermaid reports whether the first non-empty, non-comment line
// starts with a known diagram header.
func LooksLikeMermaid(code string) bool {
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "%%") {
			continue
		}
		for _, p := range headerPatterns {
			if p.MatchString(line) {
				return true
			}
		}
		return false
	}
	return false
}

// Sanitize strips control characters, collapses runs of blank lines, and
// neutralizes fence markers so user text cannot terminate the delimited
// block it is embedded in.
func Sanitize(s string) string {
	s = controlChars.ReplaceAllString(s, "")
	s = runNewlines.ReplaceAllString(s, "\n\n\n")
	s = strings.ReplaceAll(s, "```", "` ` `")
	return strings.TrimSpace(s)
}

// SanitizeError cleans a renderer error message and truncates it to the
// forwarded limit.
func SanitizeError(msg string) string {
	msg = Sanitize(msg)
	if len(msg) > MaxErrLen {
		msg = msg[:MaxErrLen]
	}
	return msg
}
