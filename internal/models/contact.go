package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BlacklistStatus is the SAT article 69-B standing of a taxpayer.
type BlacklistStatus string

const (
	BlacklistNone    BlacklistStatus = "NONE"
	BlacklistEFOS    BlacklistStatus = "EFOS" // emits invoices for simulated operations
	BlacklistEDOS    BlacklistStatus = "EDOS" // deducts simulated operations
	BlacklistUnknown BlacklistStatus = "UNKNOWN"
)

// Listed reports whether the status is a blacklist hit.
func (s BlacklistStatus) Listed() bool {
	return s == BlacklistEFOS || s == BlacklistEDOS
}

// ContactRecord is a counterparty seen on at least one invoice.
type ContactRecord struct {
	ID                 int64           `json:"id"`
	TenantID           string          `json:"tenantId"`
	TaxID              string          `json:"taxId"`
	Name               string          `json:"name,omitempty"`
	NameConfidence     float64         `json:"nameConfidence"`
	Email              string          `json:"email,omitempty"`
	Phone              string          `json:"phone,omitempty"`
	FirstSeen          time.Time       `json:"firstSeen"`
	LastSeen           time.Time       `json:"lastSeen"`
	InvoiceCount       int64           `json:"invoiceCount"`
	TotalAmount        decimal.Decimal `json:"totalAmount"`
	BlacklistStatus    BlacklistStatus `json:"blacklistStatus"`
	BlacklistCheckedAt *time.Time      `json:"blacklistCheckedAt,omitempty"`
}

// ContactSighting is one invoice's view of a counterparty, applied to the
// registry as an additive update.
type ContactSighting struct {
	TenantID       string
	TaxID          string
	Name           string
	NameConfidence float64
	Email          string
	Phone          string
	Amount         decimal.Decimal
	SeenAt         time.Time
}
