package models

import "github.com/shopspring/decimal"

// AnomalyKind classifies a finding.
type AnomalyKind string

const (
	AnomalyAmountMismatch AnomalyKind = "AMOUNT_MISMATCH"
	AnomalyDuplicateFolio AnomalyKind = "DUPLICATE_FOLIO"
	AnomalyDateOutOfRange AnomalyKind = "DATE_OUT_OF_RANGE"
	AnomalyBlacklisted    AnomalyKind = "BLACKLISTED_COUNTERPARTY"
	AnomalyLowConfidence  AnomalyKind = "LOW_CONFIDENCE"
	AnomalyOther          AnomalyKind = "OTHER"
)

// Severity of a finding. Blocking findings reject the invoice.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityBlocking Severity = "BLOCKING"
)

// AnomalyFinding is one rule hit. Findings are never dropped.
type AnomalyFinding struct {
	Kind     AnomalyKind `json:"kind"`
	Severity Severity    `json:"severity"`
	Code     string      `json:"code,omitempty"`
	Field    FieldKey    `json:"field,omitempty"`
	Message  string      `json:"message"`
}

// HasBlocking reports whether any finding is blocking.
func HasBlocking(findings []AnomalyFinding) bool {
	for _, f := range findings {
		if f.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}

// IssuerStats summarizes the stored invoices of one issuer for a tenant.
type IssuerStats struct {
	Count int64           `json:"count"`
	Total decimal.Decimal `json:"total"`
}

// Average is Total / Count, or zero without history.
func (s IssuerStats) Average() decimal.Decimal {
	if s.Count <= 0 {
		return decimal.Zero
	}
	return s.Total.Div(decimal.NewFromInt(s.Count))
}
