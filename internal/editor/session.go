package editor

import (
	"context"
	"errors"
	"sync"

	"diagrid/api/internal/assist"
	"diagrid/api/internal/renderer"
)

var (
	// ErrNoRenderError is returned when a fix is requested while the
	// preview renders cleanly.
	ErrNoRenderError = errors.New("editor: current diagram has no render error")
	// ErrNoUser is returned when a fix is requested from an anonymous
	// session; quota is charged per user.
	ErrNoUser = errors.New("editor: fix requests require a signed-in user")
	// ErrAssistUnavailable is returned when no fixer was configured.
	ErrAssistUnavailable = errors.New("editor: assist is not configured")
)

// Fixer produces a fix proposal for a broken diagram.
type Fixer interface {
	RequestFix(ctx context.Context, userID, diagramID, code, errMsg string) (assist.Result, error)
}

// Session is the server-side state of one open diagram: the render gate
// feeding the preview, the autosave coordinator, the split-view layout,
// and the assist entry point. All text changes go through SetText so the
// preview and persistence always observe the same value.
type Session struct {
	gate     *Gate
	autosave *Autosave
	split    *SplitView
	fixer    Fixer

	userID    string
	diagramID string

	mu     sync.Mutex
	text   string
	fixing bool
}

// SessionConfig carries the collaborators a session is built from.
type SessionConfig struct {
	Renderer  renderer.Renderer
	Saver     Saver
	Fixer     Fixer
	UserID    string
	DiagramID string
	Text      string

	GateOptions     []GateOption
	AutosaveOptions []AutosaveOption
}

// NewSession opens a session seeded with the stored diagram text. The seed
// is rendered immediately but never counts as an unsaved edit.
func NewSession(ctx context.Context, cfg SessionConfig) *Session {
	s := &Session{
		gate:      NewGate(ctx, cfg.Renderer, cfg.GateOptions...),
		autosave:  NewAutosave(ctx, cfg.Saver, cfg.DiagramID, cfg.Text, cfg.AutosaveOptions...),
		split:     NewSplitView(),
		fixer:     cfg.Fixer,
		userID:    cfg.UserID,
		diagramID: cfg.DiagramID,
		text:      cfg.Text,
	}
	s.gate.Submit(cfg.Text)
	return s
}

// SetText records an edit and feeds both the preview and autosave.
func (s *Session) SetText(text string) {
	s.mu.Lock()
	s.text = text
	s.mu.Unlock()
	s.gate.Submit(text)
	s.autosave.Observe(text)
}

func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

func (s *Session) RenderState() RenderState { return s.gate.State() }

func (s *Session) SaveState() SaveState { return s.autosave.State() }

func (s *Session) Split() *SplitView { return s.split }

// RequestFix charges the user one quota unit and asks the model for a
// corrected diagram. The text captured here is pinned into the proposal,
// so a later edit makes the staleness visible to the caller. At most one
// request may be in flight per session; a second one is refused before it
// can spend quota.
func (s *Session) RequestFix(ctx context.Context) (FixProposal, error) {
	if s.fixer == nil {
		return FixProposal{}, ErrAssistUnavailable
	}
	if s.userID == "" {
		return FixProposal{}, ErrNoUser
	}
	s.mu.Lock()
	_, pending := s.split.Proposal()
	if s.fixing || pending {
		s.mu.Unlock()
		return FixProposal{}, ErrProposalPending
	}
	s.fixing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.fixing = false
		s.mu.Unlock()
	}()

	render := s.gate.State()
	if !render.HasError {
		return FixProposal{}, ErrNoRenderError
	}
	text := s.Text()

	res, err := s.fixer.RequestFix(ctx, s.userID, s.diagramID, text, render.ErrorMessage)
	if err != nil {
		return FixProposal{}, err
	}
	p := FixProposal{
		OriginalText:   text,
		ProposedText:   res.FixedCode,
		Rationale:      res.Explanation,
		QuotaRemaining: res.QuotaRemaining,
	}
	if err := s.split.SetProposal(p); err != nil {
		return FixProposal{}, err
	}
	return p, nil
}

// AcceptFix applies the pending proposal through the normal edit path, so
// it is re-rendered and autosaved like any keystroke.
func (s *Session) AcceptFix() (FixProposal, error) {
	p, err := s.split.Accept()
	if err != nil {
		return FixProposal{}, err
	}
	s.SetText(p.ProposedText)
	return p, nil
}

// RejectFix discards the pending proposal; the editor text is untouched.
func (s *Session) RejectFix() error {
	return s.split.Reject()
}

func (s *Session) Close() {
	s.gate.Close()
	s.autosave.Close()
}
