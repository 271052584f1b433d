package editor

import (
	"errors"
	"testing"
)

func TestSplitViewDefaultsAndClamping(t *testing.T) {
	s := NewSplitView()
	if got := s.Ratio(); got != DefaultPaneRatio {
		t.Fatalf("default ratio = %v, want %v", got, DefaultPaneRatio)
	}

	cases := []struct {
		in   float64
		want float64
	}{
		{0.5, 0.5},
		{0.2, 0.2},
		{0.8, 0.8},
		{0.05, MinPaneRatio},
		{-1, MinPaneRatio},
		{0.95, MaxPaneRatio},
		{2, MaxPaneRatio},
	}
	for _, tc := range cases {
		if got := s.SetRatio(tc.in); got != tc.want {
			t.Errorf("SetRatio(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSplitViewDragLifecycle(t *testing.T) {
	s := NewSplitView()

	// Movement without an active drag is ignored.
	if got := s.DragTo(0.7); got != DefaultPaneRatio {
		t.Fatalf("DragTo without BeginDrag moved the divider to %v", got)
	}

	s.BeginDrag()
	if !s.Dragging() {
		t.Fatal("expected dragging after BeginDrag")
	}
	if got := s.DragTo(0.7); got != 0.7 {
		t.Fatalf("DragTo(0.7) = %v", got)
	}
	if got := s.DragTo(0.01); got != MinPaneRatio {
		t.Fatalf("DragTo past the edge = %v, want clamp to %v", got, MinPaneRatio)
	}
	s.EndDrag()
	if s.Dragging() {
		t.Fatal("expected drag ended")
	}
	if got := s.DragTo(0.6); got != MinPaneRatio {
		t.Fatalf("DragTo after EndDrag moved the divider to %v", got)
	}
}

func TestSplitViewSingleProposalSlot(t *testing.T) {
	s := NewSplitView()

	first := FixProposal{OriginalText: "bad", ProposedText: "good", Rationale: "missing arrow"}
	if err := s.SetProposal(first); err != nil {
		t.Fatalf("SetProposal() error = %v", err)
	}
	if err := s.SetProposal(FixProposal{ProposedText: "other"}); !errors.Is(err, ErrProposalPending) {
		t.Fatalf("second SetProposal error = %v, want ErrProposalPending", err)
	}

	got, ok := s.Proposal()
	if !ok || got.ProposedText != "good" {
		t.Fatalf("Proposal() = %+v, %v", got, ok)
	}

	accepted, err := s.Accept()
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if accepted.ProposedText != "good" {
		t.Fatalf("accepted wrong proposal: %+v", accepted)
	}
	if _, ok := s.Proposal(); ok {
		t.Fatal("slot must be empty after Accept")
	}
	if _, err := s.Accept(); !errors.Is(err, ErrNoProposal) {
		t.Fatalf("Accept on empty slot error = %v, want ErrNoProposal", err)
	}
}

func TestSplitViewReject(t *testing.T) {
	s := NewSplitView()

	if err := s.Reject(); !errors.Is(err, ErrNoProposal) {
		t.Fatalf("Reject on empty slot error = %v, want ErrNoProposal", err)
	}

	if err := s.SetProposal(FixProposal{ProposedText: "good"}); err != nil {
		t.Fatalf("SetProposal() error = %v", err)
	}
	if err := s.Reject(); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if _, ok := s.Proposal(); ok {
		t.Fatal("slot must be empty after Reject")
	}

	// A new proposal can follow a rejection.
	if err := s.SetProposal(FixProposal{ProposedText: "again"}); err != nil {
		t.Fatalf("SetProposal after Reject error = %v", err)
	}
}
