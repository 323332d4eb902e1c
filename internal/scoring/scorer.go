// Package scoring turns per-field confidences into one aggregate per
// attempt, after capping fields that fail fiscal consistency checks.
package scoring

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/facturaIA/invoice-pipeline/internal/fiscal"
	"github.com/facturaIA/invoice-pipeline/internal/models"
)

// Weights maps each scored field to its weight. Fields with weight 0 or
// absent from the map never affect the aggregate.
type Weights map[models.FieldKey]float64

// DefaultWeights ranks the legally required fields highest.
var DefaultWeights = Weights{
	models.FieldIssuerTaxID:   3,
	models.FieldReceiverTaxID: 3,
	models.FieldUUID:          3,
	models.FieldTotal:         3,
	models.FieldIssueDate:     1,
	models.FieldSubtotal:      1,
	models.FieldTax:           1,
	models.FieldCurrency:      1,
	models.FieldIssuerName:    1,
	models.FieldReceiverName:  0.5,
	models.FieldLineItems:     0.5,
}

// Consistency caps.
const (
	CapInvalidFormat     = 0.3
	CapInvalidCheckDigit = 0.6
	CapArithmetic        = 0.5
	CapMissingRequired   = 0.5
)

var amountFields = []models.FieldKey{
	models.FieldSubtotal, models.FieldDiscount, models.FieldTax,
	models.FieldWithheldTax, models.FieldTotal,
}

// Scorer scores attempts. It is safe for concurrent use.
type Scorer struct {
	weights   Weights
	tolerance decimal.Decimal
}

// NewScorer returns a scorer using DefaultWeights. tolerance is the largest
// accepted gap between total and subtotal - discount + tax - withheld.
func NewScorer(tolerance decimal.Decimal) *Scorer {
	return &Scorer{weights: DefaultWeights, tolerance: tolerance}
}

// WithWeights replaces the weight table.
func (s *Scorer) WithWeights(w Weights) *Scorer {
	return &Scorer{weights: w, tolerance: s.tolerance}
}

// Score caps the attempt's field confidences in place, stores the
// aggregate on the attempt and returns it. Failed attempts score 0.
func (s *Scorer) Score(a *models.ExtractionAttempt) float64 {
	if a == nil || !a.Succeeded() {
		if a != nil {
			a.Aggregate = 0
		}
		return 0
	}

	s.applyCaps(a)

	var sum, total float64
	missingRequired := false
	for _, key := range models.FieldSet {
		f, present := a.Fields[key]
		if key.IsRequired() && f.Confidence == 0 {
			missingRequired = true
		}
		w := s.weights[key]
		if w <= 0 || (!present && !key.IsRequired()) {
			continue
		}
		sum += w * f.Confidence
		total += w
	}

	var agg float64
	if total > 0 {
		agg = sum / total
	}
	if missingRequired && agg > CapMissingRequired {
		agg = CapMissingRequired
	}
	agg = round4(models.Clamp01(agg))
	a.Aggregate = agg
	return agg
}

func (s *Scorer) applyCaps(a *models.ExtractionAttempt) {
	for key, f := range a.Fields {
		if f.Value == "" {
			f.Confidence = 0
			a.Fields[key] = f
		}
	}

	for _, key := range []models.FieldKey{models.FieldIssuerTaxID, models.FieldReceiverTaxID} {
		v := a.Value(key)
		if v == "" {
			continue
		}
		rfc := fiscal.NormalizeRFC(v)
		switch {
		case !fiscal.ValidRFCFormat(rfc):
			capField(a, key, CapInvalidFormat)
		case !fiscal.ValidRFC(rfc):
			capField(a, key, CapInvalidCheckDigit)
		}
	}

	if v := a.Value(models.FieldUUID); v != "" && !fiscal.ValidUUID(v) {
		capField(a, models.FieldUUID, CapInvalidFormat)
	}
	if v := a.Value(models.FieldIssueDate); v != "" {
		if _, ok := fiscal.ParseDate(v); !ok {
			capField(a, models.FieldIssueDate, CapInvalidFormat)
		}
	}

	amounts := make(map[models.FieldKey]decimal.Decimal, len(amountFields))
	for _, key := range amountFields {
		v := a.Value(key)
		if v == "" {
			continue
		}
		d, ok := fiscal.ParseAmount(v)
		if !ok {
			capField(a, key, CapInvalidFormat)
			continue
		}
		amounts[key] = d
	}

	subtotal, hasSub := amounts[models.FieldSubtotal]
	totalAmt, hasTotal := amounts[models.FieldTotal]
	if !hasSub || !hasTotal {
		return
	}
	expected := subtotal.
		Sub(amounts[models.FieldDiscount]).
		Add(amounts[models.FieldTax]).
		Sub(amounts[models.FieldWithheldTax])
	if !fiscal.WithinTolerance(expected, totalAmt, s.tolerance) {
		for key := range amounts {
			capField(a, key, CapArithmetic)
		}
	}
}

func capField(a *models.ExtractionAttempt, key models.FieldKey, limit float64) {
	f, ok := a.Fields[key]
	if !ok {
		return
	}
	if f.Confidence > limit {
		f.Confidence = limit
		a.Fields[key] = f
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// Winner returns the successful attempt with the highest aggregate. Ties
// go to the later attempt.
func Winner(attempts []*models.ExtractionAttempt) (*models.ExtractionAttempt, bool) {
	var best *models.ExtractionAttempt
	for _, a := range attempts {
		if a == nil || !a.Succeeded() {
			continue
		}
		if best == nil || a.Aggregate >= best.Aggregate {
			best = a
		}
	}
	return best, best != nil
}
