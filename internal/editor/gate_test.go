package editor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"diagrid/api/internal/renderer"
)

type fakeRenderer struct {
	mu       sync.Mutex
	parseFn  func(text string) error
	renderFn func(uniqueID, text string) (string, error)
	rendered []string
}

func (f *fakeRenderer) Parse(_ context.Context, text string) error {
	if f.parseFn != nil {
		return f.parseFn(text)
	}
	return nil
}

func (f *fakeRenderer) Render(_ context.Context, uniqueID, text string) (string, error) {
	f.mu.Lock()
	f.rendered = append(f.rendered, text)
	f.mu.Unlock()
	if f.renderFn != nil {
		return f.renderFn(uniqueID, text)
	}
	return "<svg>" + text + "</svg>", nil
}

func (f *fakeRenderer) renderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rendered)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestGateCoalescesBurstIntoOneRender(t *testing.T) {
	r := &fakeRenderer{}
	g := NewGate(context.Background(), r, WithRenderDebounce(30*time.Millisecond))
	defer g.Close()

	g.Submit("graph TD\n    A")
	g.Submit("graph TD\n    A --> ")
	g.Submit("graph TD\n    A --> B")

	waitFor(t, time.Second, func() bool {
		return g.State().Markup != ""
	})

	if got := r.renderCount(); got != 1 {
		t.Fatalf("expected 1 render for the burst, got %d", got)
	}
	if !strings.Contains(g.State().Markup, "A --> B") {
		t.Fatalf("rendered markup is not from the final text: %q", g.State().Markup)
	}
}

func TestGateRenderingFromSubmitUntilResult(t *testing.T) {
	r := &fakeRenderer{}
	g := NewGate(context.Background(), r, WithRenderDebounce(200*time.Millisecond))
	defer g.Close()

	// Rendering is signalled as soon as text is accepted, not when the
	// debounce timer matures.
	g.Submit("graph TD\n    A")
	if !g.State().IsRendering {
		t.Fatal("expected IsRendering immediately after Submit")
	}

	waitFor(t, time.Second, func() bool { return g.State().Markup != "" })
	if g.State().IsRendering {
		t.Fatal("expected IsRendering cleared once the result landed")
	}
}

func TestGateEmptyTextClearsWithoutRendering(t *testing.T) {
	r := &fakeRenderer{}
	g := NewGate(context.Background(), r, WithRenderDebounce(10*time.Millisecond))
	defer g.Close()

	g.Submit("graph TD\n    A --> B")
	waitFor(t, time.Second, func() bool { return g.State().Markup != "" })

	g.Submit("   \n  ")
	waitFor(t, time.Second, func() bool { return g.State().Markup == "" })

	state := g.State()
	if state.HasError || state.ErrorMessage != "" || state.IsRendering {
		t.Fatalf("expected cleared state, got %+v", state)
	}
	if got := r.renderCount(); got != 1 {
		t.Fatalf("whitespace-only text must not hit the renderer, render count = %d", got)
	}
}

func TestGateSyntaxErrorShownVerbatim(t *testing.T) {
	msg := "Parse error on line 2:\n...D -- C\n---------^\nExpecting 'SEMI'"
	r := &fakeRenderer{
		parseFn: func(string) error {
			return &renderer.SyntaxError{Message: msg}
		},
	}
	g := NewGate(context.Background(), r, WithRenderDebounce(10*time.Millisecond))
	defer g.Close()

	g.Submit("graph TD\n    A --> B\n    D -- C")
	waitFor(t, time.Second, func() bool { return g.State().HasError })

	state := g.State()
	if state.ErrorMessage != msg {
		t.Fatalf("error message must pass through unmodified:\nwant %q\ngot  %q", msg, state.ErrorMessage)
	}
	if state.Markup != "" {
		t.Fatal("failed render must not leave markup behind")
	}
}

func TestGateErrorClearedBySuccessfulRender(t *testing.T) {
	r := &fakeRenderer{
		parseFn: func(text string) error {
			if strings.Contains(text, "broken") {
				return &renderer.SyntaxError{Message: "unexpected token"}
			}
			return nil
		},
	}
	g := NewGate(context.Background(), r, WithRenderDebounce(10*time.Millisecond))
	defer g.Close()

	g.Submit("graph TD\n    broken")
	waitFor(t, time.Second, func() bool { return g.State().HasError })

	g.Submit("graph TD\n    A --> B")
	waitFor(t, time.Second, func() bool { return g.State().Markup != "" })

	state := g.State()
	if state.HasError || state.ErrorMessage != "" {
		t.Fatalf("expected error cleared after good render, got %+v", state)
	}
}

func TestGateStaleResultNeverOverwritesNewer(t *testing.T) {
	release := make(chan struct{})
	firstStarted := make(chan struct{})
	var once sync.Once

	r := &fakeRenderer{}
	r.renderFn = func(_, text string) (string, error) {
		if strings.Contains(text, "slow") {
			once.Do(func() { close(firstStarted) })
			<-release
			return "<svg>slow</svg>", nil
		}
		return "<svg>fast</svg>", nil
	}

	g := NewGate(context.Background(), r, WithRenderDebounce(5*time.Millisecond))
	defer g.Close()

	g.Submit("graph TD\n    slow")
	<-firstStarted

	g.Submit("graph TD\n    fast")
	waitFor(t, time.Second, func() bool { return g.State().Markup == "<svg>fast</svg>" })

	// Let the stale render complete; it must be discarded.
	close(release)
	time.Sleep(50 * time.Millisecond)

	if got := g.State().Markup; got != "<svg>fast</svg>" {
		t.Fatalf("stale result overwrote newer render: %q", got)
	}
}
