package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tier identifies one extraction strategy. Tiers are ordered by cost.
type Tier int

const (
	TierXMLLocal Tier = iota + 1
	TierPDFRegex
	TierCloudCostEffective
	TierCloudAgentic
)

// Tiers lists every tier in escalation order.
var Tiers = []Tier{TierXMLLocal, TierPDFRegex, TierCloudCostEffective, TierCloudAgentic}

var tierNames = map[Tier]string{
	TierXMLLocal:           "XML_LOCAL",
	TierPDFRegex:           "PDF_REGEX",
	TierCloudCostEffective: "CLOUD_COST_EFFECTIVE",
	TierCloudAgentic:       "CLOUD_AGENTIC",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TIER(%d)", int(t))
}

// IsCloud reports whether the tier calls a paid external service.
func (t Tier) IsCloud() bool {
	return t == TierCloudCostEffective || t == TierCloudAgentic
}

// ParseTier accepts the upper or lower case tier name.
func ParseTier(s string) (Tier, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for t, name := range tierNames {
		if name == want {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// FieldKey names one invoice field of the versioned CFDI field set.
type FieldKey string

// FieldSetVersion tags the closed field set below.
const FieldSetVersion = "cfdi-4.0/v1"

const (
	FieldIssuerTaxID   FieldKey = "issuer_tax_id"   // RFC del emisor
	FieldIssuerName    FieldKey = "issuer_name"     // Nombre del emisor
	FieldReceiverTaxID FieldKey = "receiver_tax_id" // RFC del receptor
	FieldReceiverName  FieldKey = "receiver_name"   // Nombre del receptor
	FieldUUID          FieldKey = "uuid"            // Folio fiscal (TimbreFiscalDigital)
	FieldIssueDate     FieldKey = "issue_date"
	FieldCurrency      FieldKey = "currency"
	FieldSubtotal      FieldKey = "subtotal"
	FieldDiscount      FieldKey = "discount"
	FieldTax           FieldKey = "tax"          // Impuestos trasladados
	FieldWithheldTax   FieldKey = "withheld_tax" // Impuestos retenidos
	FieldTotal         FieldKey = "total"
	FieldLineItems     FieldKey = "line_items"
	FieldIssuerEmail   FieldKey = "issuer_email"
	FieldIssuerPhone   FieldKey = "issuer_phone"
)

// FieldSet is the closed set of known fields, in presentation order.
var FieldSet = []FieldKey{
	FieldIssuerTaxID, FieldIssuerName, FieldReceiverTaxID, FieldReceiverName,
	FieldUUID, FieldIssueDate, FieldCurrency, FieldSubtotal, FieldDiscount,
	FieldTax, FieldWithheldTax, FieldTotal, FieldLineItems,
	FieldIssuerEmail, FieldIssuerPhone,
}

// RequiredFields are legally required on every CFDI.
var RequiredFields = []FieldKey{FieldIssuerTaxID, FieldReceiverTaxID, FieldUUID, FieldTotal}

// IsKnownField reports whether key belongs to the field set.
func IsKnownField(key string) bool {
	for _, k := range FieldSet {
		if string(k) == key {
			return true
		}
	}
	return false
}

// IsRequired reports whether key is a required field.
func (k FieldKey) IsRequired() bool {
	for _, r := range RequiredFields {
		if r == k {
			return true
		}
	}
	return false
}

// Field is one extracted value with the extractor's confidence in it.
type Field struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ExtractionAttempt is the output of one extractor run. A document
// accumulates attempts in order until the router stops escalating.
type ExtractionAttempt struct {
	Tier      Tier               `json:"tier"`
	Fields    map[FieldKey]Field `json:"fields"`
	LineItems []LineItem         `json:"lineItems,omitempty"`
	Aux       map[string]string  `json:"aux,omitempty"` // unknown fields, never scored
	Aggregate float64            `json:"aggregate"`
	Cost      decimal.Decimal    `json:"cost"`
	StartedAt time.Time          `json:"startedAt"`
	Duration  time.Duration      `json:"duration"`
	Err       error              `json:"-"`
	Error     string             `json:"error,omitempty"`
}

// NewAttempt returns an empty attempt for tier.
func NewAttempt(tier Tier) *ExtractionAttempt {
	return &ExtractionAttempt{
		Tier:      tier,
		Fields:    make(map[FieldKey]Field),
		Aux:       make(map[string]string),
		Cost:      decimal.Zero,
		StartedAt: time.Now().UTC(),
	}
}

// FailedAttempt records a tier that produced no usable output.
func FailedAttempt(tier Tier, err error) *ExtractionAttempt {
	a := NewAttempt(tier)
	a.Err = err
	if err != nil {
		a.Error = err.Error()
	}
	return a
}

// Succeeded reports whether the extractor returned output.
func (a *ExtractionAttempt) Succeeded() bool {
	return a.Err == nil
}

// Set stores a field, clamping its confidence into [0,1].
func (a *ExtractionAttempt) Set(key FieldKey, value string, confidence float64) {
	a.Fields[key] = Field{Value: strings.TrimSpace(value), Confidence: Clamp01(confidence)}
}

// SetRaw stores a field by its wire name. Names outside the field set are
// kept verbatim in Aux.
func (a *ExtractionAttempt) SetRaw(name, value string, confidence float64) {
	if IsKnownField(name) {
		a.Set(FieldKey(name), value, confidence)
		return
	}
	if value != "" {
		a.Aux[name] = value
	}
}

// Value returns the extracted value for key, or "".
func (a *ExtractionAttempt) Value(key FieldKey) string {
	return a.Fields[key].Value
}

// Confidence returns the confidence for key, or 0 when absent.
func (a *ExtractionAttempt) Confidence(key FieldKey) float64 {
	return a.Fields[key].Confidence
}

// Clamp01 bounds v to [0,1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
