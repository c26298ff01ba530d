package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDebitIdempotent(t *testing.T) {
	l := NewInMemory(decimal.NewFromInt(100))
	ctx := context.Background()

	amount := decimal.NewFromInt(10)
	if err := l.Debit(ctx, "org1", "req1", amount); err != nil {
		t.Fatalf("first debit: %v", err)
	}
	if err := l.Debit(ctx, "org1", "req1", amount); err != nil {
		t.Fatalf("second debit: %v", err)
	}

	bal, err := l.Balance(ctx, "org1")
	if err != nil {
		t.Fatal(err)
	}
	want := decimal.NewFromInt(90)
	if !bal.Equal(want) {
		t.Fatalf("balance = %s, want %s", bal, want)
	}
}

func TestDebitConcurrentSameRequestID(t *testing.T) {
	l := NewInMemory(decimal.NewFromInt(100))
	ctx := context.Background()
	amount := decimal.NewFromInt(10)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Debit(ctx, "org1", "req-shared", amount)
		}()
	}
	wg.Wait()

	bal, _ := l.Balance(ctx, "org1")
	want := decimal.NewFromInt(90)
	if !bal.Equal(want) {
		t.Fatalf("balance = %s, want %s (amount applied more than once)", bal, want)
	}
}

func TestPrecheckInsufficientCredits(t *testing.T) {
	l := NewInMemory(decimal.NewFromInt(5))
	ctx := context.Background()

	if err := l.Precheck(ctx, "org1", decimal.NewFromInt(10)); err != ErrInsufficientCredits {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
}

func TestRefund(t *testing.T) {
	l := NewInMemory(decimal.NewFromInt(100))
	ctx := context.Background()

	_ = l.Debit(ctx, "org1", "req1", decimal.NewFromInt(30))
	_ = l.Refund(ctx, "org1", "req1")

	bal, _ := l.Balance(ctx, "org1")
	want := decimal.NewFromInt(100)
	if !bal.Equal(want) {
		t.Fatalf("balance after refund = %s, want %s", bal, want)
	}

	// Second refund is a no-op.
	_ = l.Refund(ctx, "org1", "req1")
	bal, _ = l.Balance(ctx, "org1")
	if !bal.Equal(want) {
		t.Fatalf("balance after second refund = %s, want %s", bal, want)
	}
}
