package editor

import (
	"errors"
	"sync"
)

const (
	MinPaneRatio     = 0.2
	MaxPaneRatio     = 0.8
	DefaultPaneRatio = 0.5
)

// ErrProposalPending is returned when a new fix proposal arrives while an
// earlier one has not been accepted or rejected yet.
var ErrProposalPending = errors.New("editor: a fix proposal is already pending")

// ErrNoProposal is returned by Accept or Reject when nothing is pending.
var ErrNoProposal = errors.New("editor: no fix proposal pending")

// FixProposal is a suggested replacement for the editor text, produced by
// the assist flow. OriginalText is the text the suggestion was computed
// against; it is kept so a caller can tell whether the buffer moved on.
type FixProposal struct {
	OriginalText   string
	ProposedText   string
	Rationale      string
	QuotaRemaining int64
}

// SplitView tracks the editor/preview divider position and holds at most
// one pending fix proposal.
type SplitView struct {
	mu       sync.Mutex
	ratio    float64
	dragging bool
	proposal *FixProposal
}

func NewSplitView() *SplitView {
	return &SplitView{ratio: DefaultPaneRatio}
}

// Ratio reports the current divider position as the editor pane's share of
// the total width.
func (s *SplitView) Ratio() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ratio
}

// SetRatio moves the divider, clamping into the allowed band.
func (s *SplitView) SetRatio(r float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratio = clampRatio(r)
	return s.ratio
}

func (s *SplitView) BeginDrag() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dragging = true
}

// DragTo updates the divider while a drag is active. Positions outside the
// band are clamped rather than rejected, so the divider tracks the pointer
// to the edge of the band and stops there.
func (s *SplitView) DragTo(r float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dragging {
		return s.ratio
	}
	s.ratio = clampRatio(r)
	return s.ratio
}

func (s *SplitView) EndDrag() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dragging = false
}

func (s *SplitView) Dragging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dragging
}

// SetProposal installs a pending fix proposal. Only one may be pending at a
// time; the caller must resolve the current one first.
func (s *SplitView) SetProposal(p FixProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proposal != nil {
		return ErrProposalPending
	}
	s.proposal = &p
	return nil
}

// Proposal returns the pending proposal, if any.
func (s *SplitView) Proposal() (FixProposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proposal == nil {
		return FixProposal{}, false
	}
	return *s.proposal, true
}

// Accept clears the pending proposal and returns it so the caller can apply
// the proposed text through the normal edit path.
func (s *SplitView) Accept() (FixProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proposal == nil {
		return FixProposal{}, ErrNoProposal
	}
	p := *s.proposal
	s.proposal = nil
	return p, nil
}

// Reject discards the pending proposal without touching the editor text.
func (s *SplitView) Reject() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proposal == nil {
		return ErrNoProposal
	}
	s.proposal = nil
	return nil
}

func clampRatio(r float64) float64 {
	if r < MinPaneRatio {
		return MinPaneRatio
	}
	if r > MaxPaneRatio {
		return MaxPaneRatio
	}
	return r
}
