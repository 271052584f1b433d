// Package ledger provides the per-user credit balance used to meter AI
// operations. The redis backend guarantees atomic all-or-nothing deductions;
// Client layers the caller-facing initialize-and-retry protocol on top.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotInitialized is reported by the backend when no account record exists
// for the user yet.
var ErrNotInitialized = errors.New("ledger account not initialized")

// Balance is the current state of one user's account.
type Balance struct {
	UserID       string
	Balance      int64
	LifetimeUsed int64
}

// DeductResult reports the outcome of a single deduction attempt. When
// Success is false the deduction was not applied and NewBalance holds the
// unchanged balance.
type DeductResult struct {
	Success    bool
	NewBalance int64
}

// The deduct script is the atomicity boundary: the balance check and the
// decrement happen in one script execution, so two concurrent deductions for
// the same user are serialized by redis and can never drive the balance
// negative or partially apply.
var deductScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return {-1, 0}
end
local balance = tonumber(redis.call("HGET", KEYS[1], "balance"))
local amount = tonumber(ARGV[1])
if balance < amount then
	return {0, balance}
end
local newbal = redis.call("HINCRBY", KEYS[1], "balance", -amount)
redis.call("HINCRBY", KEYS[1], "lifetime_used", amount)
return {1, newbal}
`)

var initScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "balance", ARGV[1], "lifetime_used", 0)
return 1
`)

// RedisLedger implements the account store on redis.
type RedisLedger struct {
	client         *redis.Client
	prefix         string
	initialBalance int64
}

func NewRedisLedger(redisURL string, initialBalance int64) (*RedisLedger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLedgerWithClient(client, initialBalance), nil
}

// NewRedisLedgerWithClient creates a ledger from an existing Redis client.
func NewRedisLedgerWithClient(client *redis.Client, initialBalance int64) *RedisLedger {
	return &RedisLedger{
		client:         client,
		prefix:         "credits:",
		initialBalance: initialBalance,
	}
}

func (l *RedisLedger) key(userID string) string {
	return l.prefix + userID
}

// InitializeAccount creates the account with the initial balance. It is
// idempotent: a concurrent or repeated call against an existing account is a
// no-op.
func (l *RedisLedger) InitializeAccount(ctx context.Context, userID string) error {
	err := initScript.Run(ctx, l.client, []string{l.key(userID)}, l.initialBalance).Err()
	if err != nil {
		return fmt.Errorf("initialize account: %w", err)
	}
	return nil
}

// Deduct atomically removes amount from the user's balance. A failed check
// leaves the balance untouched and reports it in the result.
func (l *RedisLedger) Deduct(ctx context.Context, userID string, amount int64) (DeductResult, error) {
	if amount <= 0 {
		return DeductResult{}, fmt.Errorf("deduct amount must be positive, got %d", amount)
	}

	values, err := deductScript.Run(ctx, l.client, []string{l.key(userID)}, amount).Slice()
	if err != nil {
		return DeductResult{}, fmt.Errorf("run deduct script: %w", err)
	}
	if len(values) != 2 {
		return DeductResult{}, fmt.Errorf("unexpected deduct script reply: %v", values)
	}

	status, _ := values[0].(int64)
	newBalance, _ := values[1].(int64)

	switch status {
	case -1:
		return DeductResult{}, ErrNotInitialized
	case 0:
		return DeductResult{Success: false, NewBalance: newBalance}, nil
	default:
		return DeductResult{Success: true, NewBalance: newBalance}, nil
	}
}

// Add credits the account, for purchase/bonus grants. Returns the new balance.
func (l *RedisLedger) Add(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("add amount must be positive, got %d", amount)
	}
	exists, err := l.client.Exists(ctx, l.key(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("check account: %w", err)
	}
	if exists == 0 {
		return 0, ErrNotInitialized
	}
	newBalance, err := l.client.HIncrBy(ctx, l.key(userID), "balance", amount).Result()
	if err != nil {
		return 0, fmt.Errorf("add credits: %w", err)
	}
	return newBalance, nil
}

func (l *RedisLedger) Balance(ctx context.Context, userID string) (Balance, error) {
	values, err := l.client.HMGet(ctx, l.key(userID), "balance", "lifetime_used").Result()
	if err != nil {
		return Balance{}, fmt.Errorf("read balance: %w", err)
	}
	if values[0] == nil {
		return Balance{}, ErrNotInitialized
	}

	balance := Balance{UserID: userID}
	if s, ok := values[0].(string); ok {
		balance.Balance, _ = strconv.ParseInt(s, 10, 64)
	}
	if s, ok := values[1].(string); ok {
		balance.LifetimeUsed, _ = strconv.ParseInt(s, 10, 64)
	}
	return balance, nil
}

func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}
