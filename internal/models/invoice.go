package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ParsedInvoice is the finalized record built from the winning attempt.
// Extracted values are never rewritten after creation.
type ParsedInvoice struct {
	TenantID   string `json:"tenantId"`
	DocumentID string `json:"documentId"`

	// Emisor / Receptor
	IssuerTaxID   string `json:"issuerTaxId"`            // RFC del emisor
	IssuerName    string `json:"issuerName,omitempty"`   // Nombre del emisor
	ReceiverTaxID string `json:"receiverTaxId"`          // RFC del receptor
	ReceiverName  string `json:"receiverName,omitempty"` // Nombre del receptor
	IssuerEmail   string `json:"issuerEmail,omitempty"`
	IssuerPhone   string `json:"issuerPhone,omitempty"`

	// Comprobante
	UUID      string    `json:"uuid"`      // Folio fiscal
	IssueDate time.Time `json:"issueDate"` // Fecha de emision
	Currency  string    `json:"currency,omitempty"`

	// Montos
	Subtotal    decimal.Decimal `json:"subtotal"`
	Discount    decimal.Decimal `json:"discount"`
	Tax         decimal.Decimal `json:"tax"`         // Impuestos trasladados (IVA)
	WithheldTax decimal.Decimal `json:"withheldTax"` // Impuestos retenidos
	Total       decimal.Decimal `json:"total"`

	LineItems []LineItem        `json:"lineItems,omitempty"`
	Aux       map[string]string `json:"aux,omitempty"`

	// Metadata
	FieldConfidence map[FieldKey]float64 `json:"fieldConfidence"`
	Confidence      float64              `json:"confidence"` // aggregate, 0-1
	WinningTier     Tier                 `json:"winningTier"`
	ExtractedAt     time.Time            `json:"extractedAt"`
}

// ExpectedTotal is subtotal - discount + tax - withheld tax.
func (inv *ParsedInvoice) ExpectedTotal() decimal.Decimal {
	return inv.Subtotal.Sub(inv.Discount).Add(inv.Tax).Sub(inv.WithheldTax)
}

// LineItem is one Concepto of the invoice.
type LineItem struct {
	ProductCode string          `json:"productCode,omitempty"` // ClaveProdServ
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Discount    decimal.Decimal `json:"discount"`
	Tax         decimal.Decimal `json:"tax"`
	Amount      decimal.Decimal `json:"amount"` // Importe
}
