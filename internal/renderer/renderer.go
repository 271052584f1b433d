// Package renderer turns Mermaid source text into SVG markup and reports
// syntax errors. The production implementation drives the Mermaid library
// inside headless Chrome; the editor core depends only on the interface.
package renderer

import "context"

// SyntaxError is the diagram library's parse failure. Its message is shown
// to the user verbatim.
type SyntaxError struct {
	Message string
}

func (e *SyntaxError) Error() string {
	return e.Message
}

type Renderer interface {
	// Parse validates text without producing markup. A *SyntaxError means
	// the text is invalid Mermaid; any other error is an infrastructure
	// failure.
	Parse(ctx context.Context, text string) error
	// Render produces SVG markup for text. uniqueID namespaces element ids
	// inside the generated SVG.
	Render(ctx context.Context, uniqueID, text string) (string, error)
}
