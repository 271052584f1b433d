package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"

	"diagrid/api/internal/store"
	"diagrid/api/internal/util"
)

// ErrLedgerUnavailable is surfaced when the backend cannot complete a
// deduction even after the one-shot account initialization retry.
var ErrLedgerUnavailable = errors.New("credit ledger unavailable")

// InsufficientQuotaError reports a rejected deduction along with the
// unchanged balance so callers can display it.
type InsufficientQuotaError struct {
	Balance int64
}

func (e *InsufficientQuotaError) Error() string {
	return fmt.Sprintf("insufficient credits: balance is %d", e.Balance)
}

// Store is the backend account store (redis in production).
type Store interface {
	InitializeAccount(ctx context.Context, userID string) error
	Deduct(ctx context.Context, userID string, amount int64) (DeductResult, error)
	Balance(ctx context.Context, userID string) (Balance, error)
}

// TransactionRecorder persists the append-only audit trail.
type TransactionRecorder interface {
	InsertCreditTransaction(ctx context.Context, tx store.CreditTransaction) error
}

// Client wraps the account store with the caller-facing deduction protocol:
// a deduction against an uninitialized account triggers exactly one
// idempotent initialization and exactly one retry. Deductions are final -
// there is no refund path, so callers must deduct before performing the
// operation being paid for, never after.
type Client struct {
	store    Store
	recorder TransactionRecorder
}

func NewClient(store Store, recorder TransactionRecorder) *Client {
	return &Client{store: store, recorder: recorder}
}

// Deduct removes amount from the user's balance and returns the new balance.
// Failure modes: *InsufficientQuotaError (balance unchanged, reported) or
// ErrLedgerUnavailable. A successful deduction writes one audit transaction.
func (c *Client) Deduct(ctx context.Context, userID string, amount int64, txType, referenceID string, metadata map[string]string) (int64, error) {
	if userID == "" {
		return 0, errors.New("ledger: user id is required")
	}

	result, err := c.store.Deduct(ctx, userID, amount)
	if errors.Is(err, ErrNotInitialized) {
		if initErr := c.store.InitializeAccount(ctx, userID); initErr != nil {
			return 0, fmt.Errorf("%w: %v", ErrLedgerUnavailable, initErr)
		}
		result, err = c.store.Deduct(ctx, userID, amount)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	if !result.Success {
		return result.NewBalance, &InsufficientQuotaError{Balance: result.NewBalance}
	}

	c.record(ctx, store.CreditTransaction{
		ID:               util.NewID("ctx"),
		UserID:           userID,
		Amount:           amount,
		Type:             txType,
		ReferenceID:      referenceID,
		Metadata:         metadata,
		ResultingBalance: result.NewBalance,
	})

	return result.NewBalance, nil
}

// Balance reads the user's account, lazily initializing it on first use.
func (c *Client) Balance(ctx context.Context, userID string) (Balance, error) {
	if userID == "" {
		return Balance{}, errors.New("ledger: user id is required")
	}

	balance, err := c.store.Balance(ctx, userID)
	if errors.Is(err, ErrNotInitialized) {
		if initErr := c.store.InitializeAccount(ctx, userID); initErr != nil {
			return Balance{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, initErr)
		}
		balance, err = c.store.Balance(ctx, userID)
	}
	if err != nil {
		return Balance{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return balance, nil
}

// The audit row is written once per successful deduction. Audit is not part
// of the deduction's control flow, so a write failure is logged rather than
// returned.
func (c *Client) record(ctx context.Context, tx store.CreditTransaction) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.InsertCreditTransaction(ctx, tx); err != nil {
		log.Printf("ledger: record transaction for %s: %v", tx.UserID, err)
	}
}
