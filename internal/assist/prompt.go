package assist

import (
	"fmt"
	"regexp"
	"strings"
)

// maxExplanationLen caps the rationale shown next to a proposed fix.
const maxExplanationLen = 500

const systemPrompt = `You are an expert in Mermaid diagram syntax. You will be given a Mermaid diagram that fails to parse, together with the parser's error message.

Fix the diagram with the smallest change that makes it valid. Preserve the author's intent, labels, and structure. Do not add nodes, edges, or styling that the original does not have.

Reply with the corrected diagram in a single fenced code block tagged mermaid, followed by one or two sentences explaining what was wrong. Do not include anything else.`

// BuildPrompt wraps the already-sanitized code and error message in
// delimited blocks so the model can tell them apart from instructions.
func BuildPrompt(code, errMsg string) string {
	var b strings.Builder
	b.WriteString("<mermaid_code>\n")
	b.WriteString(code)
	b.WriteString("\n</mermaid_code>\n\n")
	b.WriteString("<error_message>\n")
	b.WriteString(errMsg)
	b.WriteString("\n</error_message>")
	return b.String()
}

var fencedBlock = regexp.MustCompile("(?s)```mermaid\\s*\\n(.*?)\\n```")

// ParseResponse extracts the corrected diagram from the first mermaid
// fenced block and uses the remaining text as the explanation.
func ParseResponse(raw string) (code, explanation string, err error) {
	loc := fencedBlock.FindStringSubmatchIndex(raw)
	if loc == nil {
		return "", "", fmt.Errorf("assist: completion contains no mermaid code block")
	}
	code = strings.TrimSpace(raw[loc[2]:loc[3]])
	if code == "" {
		return "", "", fmt.Errorf("assist: completion code block is empty")
	}
	before := strings.TrimSpace(raw[:loc[0]])
	after := strings.TrimSpace(raw[loc[1]:])
	explanation = strings.TrimSpace(before + " " + after)
	if len(explanation) > maxExplanationLen {
		explanation = explanation[:maxExplanationLen]
	}
	return code, explanation, nil
}
