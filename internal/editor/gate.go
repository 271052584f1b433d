package editor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"diagrid/api/internal/renderer"
)

// DefaultRenderDebounce is the quiescence interval after the last keystroke
// before a render is attempted.
const DefaultRenderDebounce = 500 * time.Millisecond

// RenderState is the observable output of the gate. Markup and ErrorMessage
// are mutually exclusive; IsRendering is true from the moment text is
// accepted until the newest request's result is written.
type RenderState struct {
	Markup       string
	ErrorMessage string
	HasError     bool
	IsRendering  bool
}

// Gate sequences render requests against the diagram renderer. Every
// submission takes a new sequence number; only the result carrying the
// highest issued number may reach observable state, so a slow render that
// finishes after a newer one is silently discarded.
type Gate struct {
	ctx      context.Context
	renderer renderer.Renderer
	debounce *debouncer
	onChange func(RenderState)

	mu    sync.Mutex
	seq   uint64
	text  string
	state RenderState
}

type GateOption func(*Gate)

func WithRenderDebounce(delay time.Duration) GateOption {
	return func(g *Gate) {
		g.debounce = newDebouncer(delay, g.renderLatest)
	}
}

// WithRenderObserver registers a callback invoked after each state change.
func WithRenderObserver(fn func(RenderState)) GateOption {
	return func(g *Gate) {
		g.onChange = fn
	}
}

func NewGate(ctx context.Context, r renderer.Renderer, opts ...GateOption) *Gate {
	g := &Gate{
		ctx:      ctx,
		renderer: r,
	}
	g.debounce = newDebouncer(DefaultRenderDebounce, g.renderLatest)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit accepts new source text. The render itself happens after the
// debounce interval; submissions arriving before that restart the timer.
func (g *Gate) Submit(text string) {
	g.mu.Lock()
	g.seq++
	g.text = text
	g.state.IsRendering = true
	state := g.state
	g.mu.Unlock()
	g.notify(state)

	g.debounce.Call()
}

func (g *Gate) State() RenderState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) Close() {
	g.debounce.Cancel()
}

func (g *Gate) renderLatest() {
	g.mu.Lock()
	n := g.seq
	text := g.text

	if strings.TrimSpace(text) == "" {
		g.state = RenderState{}
		state := g.state
		g.mu.Unlock()
		g.notify(state)
		return
	}

	g.mu.Unlock()

	markup, renderErr := g.render(text, n)

	g.mu.Lock()
	// Stale result: a newer submission owns the state now. Discard
	// silently and leave IsRendering to the newer request.
	if n != g.seq {
		g.mu.Unlock()
		return
	}
	if renderErr != nil {
		g.state = RenderState{ErrorMessage: renderErr.Error(), HasError: true}
	} else {
		g.state = RenderState{Markup: markup}
	}
	state := g.state
	g.mu.Unlock()
	g.notify(state)
}

// render validates then renders. Renderer failures of any kind become a
// displayable error; nothing propagates, and there is no retry - the next
// keystroke supersedes a failed render naturally.
func (g *Gate) render(text string, n uint64) (string, error) {
	if err := g.renderer.Parse(g.ctx, text); err != nil {
		return "", err
	}
	uniqueID := fmt.Sprintf("mermaid-preview-%d-%d", n, time.Now().UnixNano())
	markup, err := g.renderer.Render(g.ctx, uniqueID, text)
	if err != nil {
		return "", err
	}
	return markup, nil
}

func (g *Gate) notify(state RenderState) {
	if g.onChange != nil {
		g.onChange(state)
	}
}
