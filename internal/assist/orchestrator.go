package assist

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"time"
)

// FixCost is the quota charge for one fix request, deducted before the
// model call and never refunded.
const FixCost = 1

// DefaultTimeout bounds the model round trip.
const DefaultTimeout = 60 * time.Second

// State tracks a fix request through its lifecycle.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateQuotaCheck
	StateCalling
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateQuotaCheck:
		return "quota_check"
	case StateCalling:
		return "calling"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrEmptyCode  = errors.New("assist: diagram code is empty")
	ErrCodeTooBig = errors.New("assist: diagram code exceeds the size limit")
	ErrEmptyError = errors.New("assist: error message is empty")
	ErrNotMermaid = errors.New("assist: input does not look like a mermaid diagram")
	// ErrCompletionFailed is deliberately generic; the underlying cause is
	// logged, not surfaced. Quota spent on a failed call stays spent.
	ErrCompletionFailed = errors.New("assist: could not generate a fix")
)

// Completer produces a model completion for a system prompt and user prompt.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Quota charges a user before the model call. It matches the ledger
// client's deduct operation.
type Quota interface {
	Deduct(ctx context.Context, userID string, amount int64, txType, referenceID string, metadata map[string]string) (int64, error)
}

// Result is a successful fix proposal.
type Result struct {
	FixedCode      string
	Explanation    string
	QuotaRemaining int64
}

// Orchestrator runs the fix pipeline: validate, sanitize, charge quota,
// call the model, parse the reply.
type Orchestrator struct {
	completer Completer
	quota     Quota
	timeout   time.Duration
	onState   func(State)
}

type OrchestratorOption func(*Orchestrator)

func WithTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithStateObserver registers a callback invoked on each state transition.
func WithStateObserver(fn func(State)) OrchestratorOption {
	return func(o *Orchestrator) { o.onState = fn }
}

func NewOrchestrator(completer Completer, quota Quota, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		completer: completer,
		quota:     quota,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RequestFix runs one fix attempt for the given diagram. Validation errors
// cost nothing; once quota is deducted, a failed or unparseable completion
// is not refunded.
func (o *Orchestrator) RequestFix(ctx context.Context, userID, diagramID, code, errMsg string) (Result, error) {
	o.setState(StateValidating)
	if code == "" {
		return o.fail(ErrEmptyCode)
	}
	if len(code) > MaxCodeLen {
		return o.fail(ErrCodeTooBig)
	}
	if errMsg == "" {
		return o.fail(ErrEmptyError)
	}
	if !LooksLikeMermaid(code) {
		return o.fail(ErrNotMermaid)
	}
	code = Sanitize(code)
	errMsg = SanitizeError(errMsg)

	o.setState(StateQuotaCheck)
	remaining, err := o.quota.Deduct(ctx, userID, FixCost, "ai_fix", diagramID, map[string]string{
		"error_hash": errorHash(errMsg),
	})
	if err != nil {
		o.setState(StateFailed)
		return Result{}, err
	}

	o.setState(StateCalling)
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	raw, err := o.completer.Complete(callCtx, systemPrompt, BuildPrompt(code, errMsg))
	if err != nil {
		log.Printf("assist: completion for diagram %s: %v", diagramID, err)
		return o.fail(ErrCompletionFailed)
	}
	fixed, explanation, err := ParseResponse(raw)
	if err != nil {
		log.Printf("assist: parse completion for diagram %s: %v", diagramID, err)
		return o.fail(ErrCompletionFailed)
	}

	o.setState(StateSuccess)
	return Result{FixedCode: fixed, Explanation: explanation, QuotaRemaining: remaining}, nil
}

func (o *Orchestrator) fail(err error) (Result, error) {
	o.setState(StateFailed)
	return Result{}, err
}

func (o *Orchestrator) setState(s State) {
	if o.onState != nil {
		o.onState(s)
	}
}

func errorHash(msg string) string {
	h := fnv.New32a()
	h.Write([]byte(msg))
	return fmt.Sprintf("%08x", h.Sum32())
}
