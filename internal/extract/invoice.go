package extract

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/facturaIA/invoice-pipeline/internal/fiscal"
	"github.com/facturaIA/invoice-pipeline/internal/models"
)

// BuildInvoice converts the winning attempt into a ParsedInvoice. Values
// that do not parse are left zero; the scorer has already penalized them.
func BuildInvoice(doc models.RawDocument, a *models.ExtractionAttempt) *models.ParsedInvoice {
	inv := &models.ParsedInvoice{
		TenantID:        doc.TenantID,
		DocumentID:      doc.ID,
		IssuerTaxID:     fiscal.NormalizeRFC(a.Value(models.FieldIssuerTaxID)),
		IssuerName:      a.Value(models.FieldIssuerName),
		ReceiverTaxID:   fiscal.NormalizeRFC(a.Value(models.FieldReceiverTaxID)),
		ReceiverName:    a.Value(models.FieldReceiverName),
		IssuerEmail:     strings.ToLower(a.Value(models.FieldIssuerEmail)),
		IssuerPhone:     a.Value(models.FieldIssuerPhone),
		Currency:        strings.ToUpper(a.Value(models.FieldCurrency)),
		Subtotal:        amount(a, models.FieldSubtotal),
		Discount:        amount(a, models.FieldDiscount),
		Tax:             amount(a, models.FieldTax),
		WithheldTax:     amount(a, models.FieldWithheldTax),
		Total:           amount(a, models.FieldTotal),
		LineItems:       a.LineItems,
		Aux:             a.Aux,
		FieldConfidence: make(map[models.FieldKey]float64, len(a.Fields)),
		Confidence:      a.Aggregate,
		WinningTier:     a.Tier,
		ExtractedAt:     time.Now().UTC(),
	}

	if id, _, ok := fiscal.NormalizeUUID(a.Value(models.FieldUUID)); ok {
		inv.UUID = id
	} else {
		inv.UUID = strings.ToUpper(a.Value(models.FieldUUID))
	}
	if t, ok := fiscal.ParseDate(a.Value(models.FieldIssueDate)); ok {
		inv.IssueDate = t
	}
	for k, f := range a.Fields {
		inv.FieldConfidence[k] = f.Confidence
	}
	return inv
}

func amount(a *models.ExtractionAttempt, key models.FieldKey) decimal.Decimal {
	d, _ := fiscal.ParseAmount(a.Value(key))
	return d
}
