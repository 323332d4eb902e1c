package services

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/facturaIA/invoice-pipeline/internal/fiscal"
	"github.com/facturaIA/invoice-pipeline/internal/models"
)

// Codes for OTHER findings.
const (
	CodeBelowRejectFloor        = "below_reject_floor"
	CodeTaxRateMismatch         = "tax_rate_mismatch"
	CodeSameParty               = "same_party"
	CodeAmountOutlier           = "amount_outlier"
	CodeDiscountExceedsSubtotal = "discount_exceeds_subtotal"
)

// IVA rates: general and border region.
var ivaRates = []decimal.Decimal{decimal.RequireFromString("0.16"), decimal.RequireFromString("0.08")}

// History answers questions about invoices already stored for a tenant.
type History interface {
	HasFolio(ctx context.Context, tenantID, issuerTaxID, uuid string) (bool, error)
	IssuerStats(ctx context.Context, tenantID, issuerTaxID string) (models.IssuerStats, error)
}

// AnomalyPolicy holds the rule thresholds.
type AnomalyPolicy struct {
	ApprovalThreshold   float64
	RejectFloor         float64
	AmountTolerance     decimal.Decimal
	HardAmountTolerance decimal.Decimal
	TaxRateTolerance    decimal.Decimal // relative, 0.05 = 5%
	Retention           time.Duration
	FutureSkew          time.Duration
	OutlierFactor       decimal.Decimal
	OutlierMinHistory   int64
}

// DefaultAnomalyPolicy returns the stock thresholds.
func DefaultAnomalyPolicy() AnomalyPolicy {
	return AnomalyPolicy{
		ApprovalThreshold:   0.9,
		RejectFloor:         0.3,
		AmountTolerance:     decimal.RequireFromString("0.005"),
		HardAmountTolerance: decimal.RequireFromString("1.00"),
		TaxRateTolerance:    decimal.RequireFromString("0.05"),
		Retention:           1825 * 24 * time.Hour,
		FutureSkew:          10 * time.Minute,
		OutlierFactor:       decimal.NewFromInt(10),
		OutlierMinHistory:   3,
	}
}

// AnomalyDetector runs every rule over a parsed invoice. Rules never
// short-circuit each other.
type AnomalyDetector struct {
	policy  AnomalyPolicy
	history History
	now     func() time.Time
}

// NewAnomalyDetector returns a detector. history may be nil, in which case
// the duplicate and outlier rules are skipped.
func NewAnomalyDetector(policy AnomalyPolicy, history History) *AnomalyDetector {
	return &AnomalyDetector{policy: policy, history: history, now: time.Now}
}

// Detect returns all findings plus audit notes for rules that could not
// run because a history lookup failed.
func (d *AnomalyDetector) Detect(ctx context.Context, inv *models.ParsedInvoice) ([]models.AnomalyFinding, []string) {
	var findings []models.AnomalyFinding
	var audit []string

	findings = d.validateTotal(inv, findings)
	findings = d.validateTaxRate(inv, findings)
	findings = d.validateCoherence(inv, findings)
	findings = d.validateDate(inv, findings)
	findings = d.validateConfidence(inv, findings)

	if d.history != nil {
		var note string
		findings, note = d.validateFolio(ctx, inv, findings)
		if note != "" {
			audit = append(audit, note)
		}
		findings, note = d.validateOutlier(ctx, inv, findings)
		if note != "" {
			audit = append(audit, note)
		}
	}
	return findings, audit
}

// validateTotal checks total == subtotal - discount + tax - withheld.
func (d *AnomalyDetector) validateTotal(inv *models.ParsedInvoice, findings []models.AnomalyFinding) []models.AnomalyFinding {
	expected := inv.ExpectedTotal()
	if fiscal.WithinTolerance(inv.Total, expected, d.policy.AmountTolerance) {
		return findings
	}

	severity := models.SeverityWarning
	if !fiscal.WithinTolerance(inv.Total, expected, d.policy.HardAmountTolerance) {
		severity = models.SeverityBlocking
	}
	return append(findings, models.AnomalyFinding{
		Kind:     models.AnomalyAmountMismatch,
		Severity: severity,
		Field:    models.FieldTotal,
		Message: fmt.Sprintf("Total %s no coincide con subtotal - descuento + impuestos - retenciones (%s)",
			fiscal.FormatAmount(inv.Total), fiscal.FormatAmount(expected)),
	})
}

// validateTaxRate checks the effective IVA rate is 16% or 8%.
func (d *AnomalyDetector) validateTaxRate(inv *models.ParsedInvoice, findings []models.AnomalyFinding) []models.AnomalyFinding {
	base := inv.Subtotal.Sub(inv.Discount)
	if !inv.Tax.IsPositive() || !base.IsPositive() {
		return findings
	}

	rate := inv.Tax.Div(base)
	for _, r := range ivaRates {
		if rate.Sub(r).Abs().LessThanOrEqual(r.Mul(d.policy.TaxRateTolerance)) {
			return findings
		}
	}
	return append(findings, models.AnomalyFinding{
		Kind:     models.AnomalyOther,
		Severity: models.SeverityWarning,
		Code:     CodeTaxRateMismatch,
		Field:    models.FieldTax,
		Message:  fmt.Sprintf("Tasa efectiva de IVA %s%% no corresponde a 16%% ni 8%%", rate.Mul(decimal.NewFromInt(100)).StringFixed(2)),
	})
}

// validateCoherence checks field coherence.
func (d *AnomalyDetector) validateCoherence(inv *models.ParsedInvoice, findings []models.AnomalyFinding) []models.AnomalyFinding {
	if inv.IssuerTaxID != "" && inv.IssuerTaxID == inv.ReceiverTaxID {
		findings = append(findings, models.AnomalyFinding{
			Kind:     models.AnomalyOther,
			Severity: models.SeverityWarning,
			Code:     CodeSameParty,
			Field:    models.FieldReceiverTaxID,
			Message:  "El RFC del receptor es igual al del emisor",
		})
	}
	if inv.Discount.GreaterThan(inv.Subtotal) {
		findings = append(findings, models.AnomalyFinding{
			Kind:     models.AnomalyOther,
			Severity: models.SeverityWarning,
			Code:     CodeDiscountExceedsSubtotal,
			Field:    models.FieldDiscount,
			Message:  "Descuento excede el subtotal",
		})
	}
	return findings
}

// validateDate rejects future dates and dates outside the retention window.
func (d *AnomalyDetector) validateDate(inv *models.ParsedInvoice, findings []models.AnomalyFinding) []models.AnomalyFinding {
	if inv.IssueDate.IsZero() {
		return findings
	}

	now := d.now().UTC()
	var msg string
	switch {
	case inv.IssueDate.After(now.Add(d.policy.FutureSkew)):
		msg = "Fecha de emision en el futuro"
	case d.policy.Retention > 0 && inv.IssueDate.Before(now.Add(-d.policy.Retention)):
		msg = "Fecha de emision fuera del periodo de conservacion"
	default:
		return findings
	}
	return append(findings, models.AnomalyFinding{
		Kind:     models.AnomalyDateOutOfRange,
		Severity: models.SeverityWarning,
		Field:    models.FieldIssueDate,
		Message:  msg + ": " + fiscal.FormatDate(inv.IssueDate),
	})
}

func (d *AnomalyDetector) validateConfidence(inv *models.ParsedInvoice, findings []models.AnomalyFinding) []models.AnomalyFinding {
	switch {
	case inv.Confidence >= d.policy.ApprovalThreshold:
		return findings
	case inv.Confidence >= d.policy.RejectFloor:
		return append(findings, models.AnomalyFinding{
			Kind:     models.AnomalyLowConfidence,
			Severity: models.SeverityWarning,
			Message:  fmt.Sprintf("Confianza %.4f por debajo del umbral de aprobacion %.2f", inv.Confidence, d.policy.ApprovalThreshold),
		})
	default:
		return append(findings, models.AnomalyFinding{
			Kind:     models.AnomalyOther,
			Severity: models.SeverityWarning,
			Code:     CodeBelowRejectFloor,
			Message:  fmt.Sprintf("Confianza %.4f por debajo del minimo %.2f", inv.Confidence, d.policy.RejectFloor),
		})
	}
}

func (d *AnomalyDetector) validateFolio(ctx context.Context, inv *models.ParsedInvoice, findings []models.AnomalyFinding) ([]models.AnomalyFinding, string) {
	if inv.UUID == "" || inv.IssuerTaxID == "" {
		return findings, ""
	}

	seen, err := d.history.HasFolio(ctx, inv.TenantID, inv.IssuerTaxID, inv.UUID)
	if err != nil {
		zap.L().Warn("duplicate folio check skipped",
			zap.String("tenant_id", inv.TenantID),
			zap.String("document_id", inv.DocumentID),
			zap.Error(err),
		)
		return findings, "duplicate folio check skipped: " + err.Error()
	}
	if !seen {
		return findings, ""
	}
	return append(findings, models.AnomalyFinding{
		Kind:     models.AnomalyDuplicateFolio,
		Severity: models.SeverityWarning,
		Field:    models.FieldUUID,
		Message:  "Folio fiscal " + inv.UUID + " ya registrado para el emisor " + inv.IssuerTaxID,
	}), ""
}

func (d *AnomalyDetector) validateOutlier(ctx context.Context, inv *models.ParsedInvoice, findings []models.AnomalyFinding) ([]models.AnomalyFinding, string) {
	if inv.IssuerTaxID == "" || !inv.Total.IsPositive() {
		return findings, ""
	}

	stats, err := d.history.IssuerStats(ctx, inv.TenantID, inv.IssuerTaxID)
	if err != nil {
		zap.L().Warn("amount outlier check skipped",
			zap.String("tenant_id", inv.TenantID),
			zap.String("document_id", inv.DocumentID),
			zap.Error(err),
		)
		return findings, "amount outlier check skipped: " + err.Error()
	}
	if stats.Count < d.policy.OutlierMinHistory {
		return findings, ""
	}

	avg := stats.Average()
	if !avg.IsPositive() || inv.Total.LessThanOrEqual(avg.Mul(d.policy.OutlierFactor)) {
		return findings, ""
	}
	return append(findings, models.AnomalyFinding{
		Kind:     models.AnomalyOther,
		Severity: models.SeverityInfo,
		Code:     CodeAmountOutlier,
		Field:    models.FieldTotal,
		Message: fmt.Sprintf("Total %s supera %s veces el promedio del emisor (%s)",
			fiscal.FormatAmount(inv.Total), d.policy.OutlierFactor.String(), fiscal.FormatAmount(avg)),
	}), ""
}

// BlacklistFinding turns a listed counterparty status into a blocking
// finding. UNKNOWN and NONE produce nothing.
func BlacklistFinding(taxID string, status models.BlacklistStatus) (models.AnomalyFinding, bool) {
	if !status.Listed() {
		return models.AnomalyFinding{}, false
	}
	return models.AnomalyFinding{
		Kind:     models.AnomalyBlacklisted,
		Severity: models.SeverityBlocking,
		Field:    models.FieldIssuerTaxID,
		Message:  fmt.Sprintf("El emisor %s aparece en la lista %s del articulo 69-B", taxID, status),
	}, true
}
