package credits

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryLedger keeps balances in process. Unknown tenants have a zero
// balance.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	applied  map[string]bool
}

// NewMemoryLedger returns a ledger seeded with balances.
func NewMemoryLedger(balances map[string]decimal.Decimal) *MemoryLedger {
	l := &MemoryLedger{balances: make(map[string]decimal.Decimal), applied: make(map[string]bool)}
	for k, v := range balances {
		l.balances[k] = v
	}
	return l
}

func (l *MemoryLedger) Debit(_ context.Context, tenantID string, amount decimal.Decimal, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := tenantID + "/" + ref
	if l.applied[key] {
		return nil
	}
	bal := l.balances[tenantID]
	if bal.LessThan(amount) {
		return ErrInsufficientBalance
	}
	l.balances[tenantID] = bal.Sub(amount)
	l.applied[key] = true
	return nil
}

// Balance returns the tenant's balance.
func (l *MemoryLedger) Balance(tenantID string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[tenantID]
}
