package models

import "time"

// ApprovalStatus is the state of an invoice in the approval machine.
type ApprovalStatus string

const (
	StatusPendingReview ApprovalStatus = "PENDING_REVIEW"
	StatusApproved      ApprovalStatus = "APPROVED"
	StatusRejected      ApprovalStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed.
func (s ApprovalStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Transition is one appended status change.
type Transition struct {
	From   ApprovalStatus `json:"from,omitempty"`
	To     ApprovalStatus `json:"to"`
	Actor  string         `json:"actor"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

// ApprovalDecision is the outcome of the approval machine for one invoice.
type ApprovalDecision struct {
	InvoiceID       string           `json:"invoiceId"`
	TenantID        string           `json:"tenantId"`
	Status          ApprovalStatus   `json:"status"`
	Confidence      float64          `json:"confidence"`
	Findings        []AnomalyFinding `json:"findings"`
	CreditsWithheld bool             `json:"creditsWithheld"`
	DecidedAt       time.Time        `json:"decidedAt"`
	Transitions     []Transition     `json:"transitions"`
}
