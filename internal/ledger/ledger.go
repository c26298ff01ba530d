// Package ledger implements the Credit Ledger Interface (C6): precheck of
// sufficient credits, idempotent post-usage debit, and rare refunds. Per
// spec.md §1, the real ledger is an external collaborator (its rows are
// owned by the billing system); InMemoryLedger here is the open-source
// stand-in this gateway ships with, the way the teacher ships without a
// wired ClickHouse sink by default.
package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientCredits is returned by Precheck/Debit when the org's
	// balance cannot cover the amount.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
)

// Ledger is the interface the Dispatch Engine consumes. Implementations
// must serialize writes per organization (spec.md §4.6).
type Ledger interface {
	// Precheck is a non-binding read; it does not reserve funds.
	Precheck(ctx context.Context, orgID string, estimatedCost decimal.Decimal) error
	// Debit is idempotent on requestID: concurrent or repeated debits for
	// the same requestID collapse to one effect.
	Debit(ctx context.Context, orgID, requestID string, amount decimal.Decimal) error
	// Refund reverses a prior debit for requestID. Idempotent and
	// at-most-once; used only on rare post-success delivery failures.
	Refund(ctx context.Context, orgID, requestID string) error
	// Balance returns the org's current balance, for diagnostics/tests.
	Balance(ctx context.Context, orgID string) (decimal.Decimal, error)
}

type orgAccount struct {
	mu        sync.Mutex
	balance   decimal.Decimal
	applied   map[string]decimal.Decimal // requestID -> amount debited
}

// InMemoryLedger is the default, in-process Ledger implementation. Each
// organization's balance and applied-request set is guarded by its own
// mutex so that writes to different orgs never contend.
type InMemoryLedger struct {
	startingBalance decimal.Decimal

	mu       sync.Mutex
	accounts map[string]*orgAccount
}

// NewInMemory builds an InMemoryLedger. Every org not seen before starts
// with startingBalance credits (LEDGER_STARTING_BALANCE), matching the
// single-tenant open-source default this build ships with.
func NewInMemory(startingBalance decimal.Decimal) *InMemoryLedger {
	return &InMemoryLedger{
		startingBalance: startingBalance,
		accounts:        make(map[string]*orgAccount),
	}
}

func (l *InMemoryLedger) account(orgID string) *orgAccount {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[orgID]
	if !ok {
		acc = &orgAccount{
			balance: l.startingBalance,
			applied: make(map[string]decimal.Decimal),
		}
		l.accounts[orgID] = acc
	}
	return acc
}

// Precheck reports ErrInsufficientCredits if the org's current balance
// cannot cover estimatedCost. It does not reserve or mutate state.
func (l *InMemoryLedger) Precheck(_ context.Context, orgID string, estimatedCost decimal.Decimal) error {
	acc := l.account(orgID)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if acc.balance.LessThan(estimatedCost) {
		return ErrInsufficientCredits
	}
	return nil
}

// Debit subtracts amount from the org's balance, keyed by requestID for
// idempotency. A repeated call with the same requestID is a no-op that
// returns nil — the amount is never applied twice.
func (l *InMemoryLedger) Debit(_ context.Context, orgID, requestID string, amount decimal.Decimal) error {
	acc := l.account(orgID)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if _, already := acc.applied[requestID]; already {
		return nil
	}
	if acc.balance.LessThan(amount) {
		return ErrInsufficientCredits
	}
	acc.balance = acc.balance.Sub(amount)
	acc.applied[requestID] = amount
	return nil
}

// Refund reverses a prior debit for requestID. Calling it again, or for a
// requestID that was never debited, is a no-op.
func (l *InMemoryLedger) Refund(_ context.Context, orgID, requestID string) error {
	acc := l.account(orgID)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	amount, ok := acc.applied[requestID]
	if !ok {
		return nil
	}
	acc.balance = acc.balance.Add(amount)
	delete(acc.applied, requestID)
	return nil
}

// Balance returns the org's current balance.
func (l *InMemoryLedger) Balance(_ context.Context, orgID string) (decimal.Decimal, error) {
	acc := l.account(orgID)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.balance, nil
}
