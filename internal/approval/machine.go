// Package approval maps confidence and anomaly signals to an invoice status
// and guards the human review transition.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

// SystemActor is recorded on automatic transitions.
const SystemActor = "system"

// InvalidTransitionError is returned when a review targets an invoice that
// is not pending, or asks for a status review cannot set.
type InvalidTransitionError struct {
	InvoiceID string
	From      models.ApprovalStatus
	To        models.ApprovalStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for invoice %s: %s -> %s", e.InvoiceID, e.From, e.To)
}

// Store persists decisions. TransitionDecision must apply t only while the
// stored status equals t.From, and report whether it did.
type Store interface {
	GetDecision(ctx context.Context, tenantID, invoiceID string) (*models.ApprovalDecision, error)
	TransitionDecision(ctx context.Context, tenantID, invoiceID string, t models.Transition) (bool, error)
}

// Machine holds the approval threshold and the review store.
type Machine struct {
	threshold float64
	store     Store
	now       func() time.Time
}

// NewMachine returns a machine. store may be nil when reviews are not
// needed.
func NewMachine(threshold float64, store Store) *Machine {
	return &Machine{threshold: threshold, store: store, now: time.Now}
}

// Threshold is the approval threshold.
func (m *Machine) Threshold() float64 { return m.threshold }

// Decide returns REJECTED on any blocking finding, APPROVED when the
// confidence reaches the threshold with no findings at all, and
// PENDING_REVIEW otherwise.
func (m *Machine) Decide(inv *models.ParsedInvoice, findings []models.AnomalyFinding) *models.ApprovalDecision {
	status := models.StatusPendingReview
	reason := "needs review"
	switch {
	case models.HasBlocking(findings):
		status = models.StatusRejected
		reason = "blocking finding"
	case inv.Confidence >= m.threshold && len(findings) == 0:
		status = models.StatusApproved
		reason = fmt.Sprintf("confidence %.4f >= %.2f", inv.Confidence, m.threshold)
	}

	now := m.now().UTC()
	if findings == nil {
		findings = []models.AnomalyFinding{}
	}
	return &models.ApprovalDecision{
		InvoiceID:   inv.DocumentID,
		TenantID:    inv.TenantID,
		Status:      status,
		Confidence:  inv.Confidence,
		Findings:    findings,
		DecidedAt:   now,
		Transitions: []models.Transition{{To: status, Actor: SystemActor, Reason: reason, At: now}},
	}
}

// HoldForCredits withholds an approval until credits are settled. A
// rejection stays a rejection.
func (m *Machine) HoldForCredits(d *models.ApprovalDecision, cause error) {
	d.CreditsWithheld = true
	if d.Status != models.StatusApproved {
		return
	}
	reason := "credits withheld"
	if cause != nil {
		reason += ": " + cause.Error()
	}
	d.Transitions = append(d.Transitions, models.Transition{
		From:   models.StatusApproved,
		To:     models.StatusPendingReview,
		Actor:  SystemActor,
		Reason: reason,
		At:     m.now().UTC(),
	})
	d.Status = models.StatusPendingReview
}

// Review applies a human decision to a pending invoice. Re-applying the
// current status succeeds without change.
func (m *Machine) Review(ctx context.Context, tenantID, invoiceID string, to models.ApprovalStatus, actor, note string) (*models.ApprovalDecision, error) {
	if m.store == nil {
		return nil, eris.New("approval store not configured")
	}

	d, err := m.store.GetDecision(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, eris.Wrapf(err, "get decision %s", invoiceID)
	}
	if to != models.StatusApproved && to != models.StatusRejected {
		return nil, &InvalidTransitionError{InvoiceID: invoiceID, From: d.Status, To: to}
	}
	if d.Status == to {
		return d, nil
	}
	if d.Status != models.StatusPendingReview {
		return nil, &InvalidTransitionError{InvoiceID: invoiceID, From: d.Status, To: to}
	}

	t := models.Transition{From: models.StatusPendingReview, To: to, Actor: actor, Reason: note, At: m.now().UTC()}
	applied, err := m.store.TransitionDecision(ctx, tenantID, invoiceID, t)
	if err != nil {
		return nil, eris.Wrapf(err, "transition decision %s", invoiceID)
	}
	if !applied {
		// Someone else reviewed it first.
		current, err := m.store.GetDecision(ctx, tenantID, invoiceID)
		if err != nil {
			return nil, eris.Wrapf(err, "get decision %s", invoiceID)
		}
		if current.Status == to {
			return current, nil
		}
		return nil, &InvalidTransitionError{InvoiceID: invoiceID, From: current.Status, To: to}
	}

	d.Status = to
	d.Transitions = append(d.Transitions, t)
	return d, nil
}
