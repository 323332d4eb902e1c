// Package credits prices extraction tiers and debits the tenant's prepaid
// credit balance for the tiers a document actually used.
package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/resilience"
)

// ErrInsufficientBalance is returned by a Ledger when the debit would take
// the balance below zero.
var ErrInsufficientBalance = errors.New("insufficient credit balance")

// Rates prices one execution of each tier in credits.
type Rates map[models.Tier]decimal.Decimal

// DefaultRates makes the local tiers free.
func DefaultRates() Rates {
	return Rates{
		models.TierXMLLocal:           decimal.Zero,
		models.TierPDFRegex:           decimal.Zero,
		models.TierCloudCostEffective: decimal.NewFromInt(1),
		models.TierCloudAgentic:       decimal.NewFromInt(5),
	}
}

// Cost returns the price of tier, zero when unpriced.
func (r Rates) Cost(tier models.Tier) decimal.Decimal {
	if c, ok := r[tier]; ok {
		return c
	}
	return decimal.Zero
}

// Ledger debits a tenant balance. ref is an idempotency key: a second debit
// with the same ref must succeed without charging again.
type Ledger interface {
	Debit(ctx context.Context, tenantID string, amount decimal.Decimal, ref string) error
}

// InsufficientCreditsError means the debit did not go through. The invoice
// is still produced; approval is withheld.
type InsufficientCreditsError struct {
	TenantID string
	Ref      string
	Amount   decimal.Decimal
	Err      error
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: tenant %s could not be debited %s for %s: %v",
		e.TenantID, e.Amount.String(), e.Ref, e.Err)
}

func (e *InsufficientCreditsError) Unwrap() error { return e.Err }

// Charge is the metering record of one document.
type Charge struct {
	Ref     string          `json:"ref"`
	Amount  decimal.Decimal `json:"amount"`
	Tiers   []models.Tier   `json:"tiers"`
	Debited bool            `json:"debited"`
}

// Adapter sums attempt costs and debits the ledger.
type Adapter struct {
	ledger Ledger
	policy resilience.Policy
}

// NewAdapter returns an adapter over ledger. A nil ledger disables
// metering: charges are computed but never debited.
func NewAdapter(ledger Ledger) *Adapter {
	p := resilience.Once()
	p.OnRetry = resilience.LogRetry("credit_ledger", "debit")
	return &Adapter{ledger: ledger, policy: p}
}

// WithPolicy overrides the debit retry policy.
func (a *Adapter) WithPolicy(p resilience.Policy) *Adapter {
	return &Adapter{ledger: a.ledger, policy: p}
}

// Charge debits the sum of attempt costs under ref. The only error it
// returns is *InsufficientCreditsError; the charge is returned either way.
func (a *Adapter) Charge(ctx context.Context, tenantID, ref string, attempts []*models.ExtractionAttempt) (*Charge, error) {
	charge := &Charge{Ref: ref, Amount: decimal.Zero}
	for _, at := range attempts {
		charge.Tiers = append(charge.Tiers, at.Tier)
		charge.Amount = charge.Amount.Add(at.Cost)
	}
	if !charge.Amount.IsPositive() || a.ledger == nil {
		return charge, nil
	}

	err := resilience.Do(ctx, a.policy, func(ctx context.Context) error {
		return a.ledger.Debit(ctx, tenantID, charge.Amount, ref)
	})
	if err != nil {
		zap.L().Warn("credit debit failed",
			zap.String("tenant_id", tenantID),
			zap.String("document_id", ref),
			zap.String("amount", charge.Amount.String()),
			zap.Error(err),
		)
		return charge, &InsufficientCreditsError{TenantID: tenantID, Ref: ref, Amount: charge.Amount, Err: err}
	}
	charge.Debited = true
	return charge, nil
}
