// Package contacts keeps the per-tenant counterparty registry current and
// checks issuers against the 69-B blacklist.
package contacts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/facturaIA/invoice-pipeline/internal/fiscal"
	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/resilience"
)

// Registry stores contact records. Upsert must be a single atomic
// increment-or-create keyed by (tenant, tax id).
type Registry interface {
	Upsert(ctx context.Context, s models.ContactSighting) (*models.ContactRecord, error)
	SetBlacklistStatus(ctx context.Context, tenantID, taxID string, status models.BlacklistStatus, checkedAt time.Time) error
}

// BlacklistChecker looks up a tax id.
type BlacklistChecker interface {
	Check(ctx context.Context, taxID string) (models.BlacklistStatus, error)
}

// BlacklistLookupFailure records a lookup that failed after its retry. The
// status is UNKNOWN and the invoice is not blocked by it.
type BlacklistLookupFailure struct {
	TaxID string
	Err   error
}

func (e *BlacklistLookupFailure) Error() string {
	return fmt.Sprintf("blacklist lookup failed for %s: %v", e.TaxID, e.Err)
}

func (e *BlacklistLookupFailure) Unwrap() error { return e.Err }

// Outcome is the reconciler's contribution to a pipeline result.
type Outcome struct {
	Contact   *models.ContactRecord
	Blacklist models.BlacklistStatus
	Failure   *BlacklistLookupFailure
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithPolicy overrides the lookup retry policy.
func WithPolicy(p resilience.Policy) Option {
	return func(r *Reconciler) {
		r.policy = p
	}
}

// WithRecheckAfter reuses a stored NONE/EFOS/EDOS status younger than d.
func WithRecheckAfter(d time.Duration) Option {
	return func(r *Reconciler) {
		r.recheckAfter = d
	}
}

// Reconciler applies invoice sightings to the registry.
type Reconciler struct {
	registry     Registry
	checker      BlacklistChecker
	policy       resilience.Policy
	recheckAfter time.Duration
	now          func() time.Time
}

// NewReconciler returns a reconciler. checker may be nil, in which case
// every issuer is UNKNOWN.
func NewReconciler(registry Registry, checker BlacklistChecker, opts ...Option) *Reconciler {
	r := &Reconciler{
		registry: registry,
		checker:  checker,
		policy:   resilience.Once(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.policy.OnRetry == nil {
		r.policy.OnRetry = resilience.LogRetry("blacklist", "check")
	}
	return r
}

// Reconcile upserts the invoice issuer and resolves its blacklist status.
// Only a registry failure is returned as an error.
func (r *Reconciler) Reconcile(ctx context.Context, inv *models.ParsedInvoice) (*Outcome, error) {
	taxID := fiscal.NormalizeRFC(inv.IssuerTaxID)
	if taxID == "" {
		return &Outcome{Blacklist: models.BlacklistUnknown}, nil
	}

	contact, err := r.registry.Upsert(ctx, sightingFrom(inv, taxID, r.now()))
	if err != nil {
		return &Outcome{Blacklist: models.BlacklistUnknown}, eris.Wrapf(err, "upsert contact %s", taxID)
	}

	out := &Outcome{Contact: contact}
	if r.fresh(contact) {
		out.Blacklist = contact.BlacklistStatus
		return out, nil
	}

	status, failure := r.check(ctx, taxID)
	out.Blacklist = status
	out.Failure = failure

	checkedAt := r.now().UTC()
	contact.BlacklistStatus = status
	if failure == nil {
		contact.BlacklistCheckedAt = &checkedAt
		if err := r.registry.SetBlacklistStatus(ctx, inv.TenantID, taxID, status, checkedAt); err != nil {
			zap.L().Warn("failed to store blacklist status",
				zap.String("tenant_id", inv.TenantID),
				zap.String("tax_id", taxID),
				zap.Error(err),
			)
		}
	}
	return out, nil
}

func (r *Reconciler) fresh(c *models.ContactRecord) bool {
	if r.recheckAfter <= 0 || c.BlacklistCheckedAt == nil {
		return false
	}
	if c.BlacklistStatus == "" || c.BlacklistStatus == models.BlacklistUnknown {
		return false
	}
	return r.now().Sub(*c.BlacklistCheckedAt) < r.recheckAfter
}

func (r *Reconciler) check(ctx context.Context, taxID string) (models.BlacklistStatus, *BlacklistLookupFailure) {
	if r.checker == nil {
		return models.BlacklistUnknown, &BlacklistLookupFailure{TaxID: taxID, Err: eris.New("no blacklist service configured")}
	}

	status, err := resilience.DoVal(ctx, r.policy, func(ctx context.Context) (models.BlacklistStatus, error) {
		return r.checker.Check(ctx, taxID)
	})
	if err != nil {
		zap.L().Warn("blacklist lookup failed",
			zap.String("tax_id", taxID),
			zap.Error(err),
		)
		return models.BlacklistUnknown, &BlacklistLookupFailure{TaxID: taxID, Err: err}
	}
	return status, nil
}

func sightingFrom(inv *models.ParsedInvoice, taxID string, now time.Time) models.ContactSighting {
	seen := inv.IssueDate
	if seen.IsZero() {
		seen = now
	}
	return models.ContactSighting{
		TenantID:       inv.TenantID,
		TaxID:          taxID,
		Name:           strings.TrimSpace(inv.IssuerName),
		NameConfidence: inv.FieldConfidence[models.FieldIssuerName],
		Email:          strings.ToLower(strings.TrimSpace(inv.IssuerEmail)),
		Phone:          strings.TrimSpace(inv.IssuerPhone),
		Amount:         inv.Total,
		SeenAt:         seen.UTC(),
	}
}

// Merge applies a sighting to an existing record the way the registry
// does: counters add up, last seen only moves forward, the name changes
// only for a more confident source, and channels fill when empty. Stores
// without an atomic upsert statement use it inside their own transaction.
func Merge(c *models.ContactRecord, s models.ContactSighting) {
	c.InvoiceCount++
	c.TotalAmount = c.TotalAmount.Add(s.Amount)
	if s.SeenAt.After(c.LastSeen) {
		c.LastSeen = s.SeenAt
	}
	if s.SeenAt.Before(c.FirstSeen) {
		c.FirstSeen = s.SeenAt
	}
	if s.Name != "" && (c.Name == "" || s.NameConfidence > c.NameConfidence) {
		c.Name = s.Name
		c.NameConfidence = s.NameConfidence
	}
	if c.Email == "" {
		c.Email = s.Email
	}
	if c.Phone == "" {
		c.Phone = s.Phone
	}
}

// NewRecord is the record created by a first sighting.
func NewRecord(s models.ContactSighting) *models.ContactRecord {
	return &models.ContactRecord{
		TenantID:        s.TenantID,
		TaxID:           s.TaxID,
		Name:            s.Name,
		NameConfidence:  s.NameConfidence,
		Email:           s.Email,
		Phone:           s.Phone,
		FirstSeen:       s.SeenAt,
		LastSeen:        s.SeenAt,
		InvoiceCount:    1,
		TotalAmount:     s.Amount,
		BlacklistStatus: models.BlacklistUnknown,
	}
}
