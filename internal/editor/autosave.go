package editor

import (
	"context"
	"sync"
	"time"
)

// DefaultSaveDebounce is the quiet period after the last edit before the
// text is persisted.
const DefaultSaveDebounce = 2 * time.Second

// SaveState is the observable autosave status.
type SaveState struct {
	Dirty       bool
	Saving      bool
	LastSavedAt time.Time
	LastError   string
}

// Saver is the persistence collaborator's update-by-id operation.
type Saver interface {
	SaveCode(ctx context.Context, diagramID, code string) error
}

// Autosave debounces persistence writes for one diagram. The text loaded at
// session start seeds lastPersisted, so opening a diagram never triggers a
// save. A completed save only marks the text persisted when the value that
// was actually sent still equals the current text; an edit that arrived
// during the network round trip starts another debounce cycle instead of
// being silently treated as saved.
type Autosave struct {
	ctx       context.Context
	saver     Saver
	diagramID string
	debounce  *debouncer
	onChange  func(SaveState)
	enabled   bool

	mu            sync.Mutex
	current       string
	lastPersisted string
	inflightCount int
	inflightText  string
	state         SaveState
}

type AutosaveOption func(*Autosave)

func WithSaveDebounce(delay time.Duration) AutosaveOption {
	return func(a *Autosave) {
		a.debounce = newDebouncer(delay, a.saveLatest)
	}
}

// WithSaveObserver registers a callback invoked after each state change.
func WithSaveObserver(fn func(SaveState)) AutosaveOption {
	return func(a *Autosave) {
		a.onChange = fn
	}
}

// WithAutosaveDisabled turns the coordinator into a no-op; edits are
// observed but never persisted.
func WithAutosaveDisabled() AutosaveOption {
	return func(a *Autosave) {
		a.enabled = false
	}
}

func NewAutosave(ctx context.Context, saver Saver, diagramID, initialText string, opts ...AutosaveOption) *Autosave {
	a := &Autosave{
		ctx:           ctx,
		saver:         saver,
		diagramID:     diagramID,
		current:       initialText,
		lastPersisted: initialText,
		enabled:       true,
	}
	a.debounce = newDebouncer(DefaultSaveDebounce, a.saveLatest)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Observe records the latest text. A change away from the persisted value
// re-arms the debounce timer; unchanged text never schedules a save.
func (a *Autosave) Observe(text string) {
	a.mu.Lock()
	a.current = text
	dirty := text != a.lastPersisted
	a.state.Dirty = dirty
	state := a.state

	if !a.enabled || !dirty {
		a.mu.Unlock()
		a.notify(state)
		return
	}
	// Identical content is already being written; don't queue a duplicate.
	if a.inflightCount > 0 && a.inflightText == text {
		a.mu.Unlock()
		a.notify(state)
		return
	}
	a.mu.Unlock()
	a.notify(state)

	a.debounce.Call()
}

func (a *Autosave) State() SaveState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Autosave) Close() {
	a.debounce.Cancel()
}

func (a *Autosave) saveLatest() {
	a.mu.Lock()
	text := a.current
	if text == a.lastPersisted {
		a.mu.Unlock()
		return
	}
	if a.inflightCount > 0 && a.inflightText == text {
		a.mu.Unlock()
		return
	}
	a.inflightCount++
	a.inflightText = text
	a.state.Saving = true
	state := a.state
	a.mu.Unlock()
	a.notify(state)

	err := a.saver.SaveCode(a.ctx, a.diagramID, text)

	rearm := false
	a.mu.Lock()
	a.inflightCount--
	a.state.Saving = a.inflightCount > 0
	if err != nil {
		// Keep lastPersisted unchanged so the next qualifying edit
		// retries with the full accumulated diff. No automatic retry.
		a.state.LastError = err.Error()
	} else {
		a.state.LastError = ""
		a.state.LastSavedAt = time.Now()
		if a.current == text {
			a.lastPersisted = text
			a.state.Dirty = false
		} else {
			// An edit landed while the save was in flight; the stored
			// row is already stale, so schedule another cycle.
			rearm = true
		}
	}
	state = a.state
	a.mu.Unlock()
	a.notify(state)

	if rearm {
		a.debounce.Call()
	}
}

func (a *Autosave) notify(state SaveState) {
	if a.onChange != nil {
		a.onChange(state)
	}
}
