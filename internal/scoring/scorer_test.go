package scoring

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

func newScorer() *Scorer {
	return NewScorer(decimal.RequireFromString("0.005"))
}

func fullAttempt() *models.ExtractionAttempt {
	a := models.NewAttempt(models.TierXMLLocal)
	a.Set(models.FieldIssuerTaxID, "EKU9003173C9", 1)
	a.Set(models.FieldIssuerName, "ESCUELA KEMPER URGATE", 1)
	a.Set(models.FieldReceiverTaxID, "URE180429TM6", 1)
	a.Set(models.FieldReceiverName, "UNIVERSIDAD ROBOTICA ESPAÑOLA", 1)
	a.Set(models.FieldUUID, "5FB2822E-396D-4725-8521-CDC4BDD20CCF", 1)
	a.Set(models.FieldIssueDate, "2024-03-15T10:30:00", 1)
	a.Set(models.FieldCurrency, "MXN", 1)
	a.Set(models.FieldSubtotal, "100.00", 1)
	a.Set(models.FieldDiscount, "0.00", 1)
	a.Set(models.FieldTax, "16.00", 1)
	a.Set(models.FieldWithheldTax, "0.00", 1)
	a.Set(models.FieldTotal, "116.00", 1)
	a.Set(models.FieldLineItems, "1", 1)
	return a
}

func requiredOnly() *models.ExtractionAttempt {
	a := models.NewAttempt(models.TierCloudCostEffective)
	a.Set(models.FieldIssuerTaxID, "EKU9003173C9", 1)
	a.Set(models.FieldReceiverTaxID, "URE180429TM6", 1)
	a.Set(models.FieldUUID, "5FB2822E-396D-4725-8521-CDC4BDD20CCF", 1)
	a.Set(models.FieldTotal, "116.00", 1)
	return a
}

func TestScore_CompleteConsistentAttemptIsOne(t *testing.T) {
	t.Parallel()

	a := fullAttempt()
	assert.Equal(t, 1.0, newScorer().Score(a))
	assert.Equal(t, 1.0, a.Aggregate)
}

func TestScore_MissingRequiredCapsAggregate(t *testing.T) {
	t.Parallel()

	a := fullAttempt()
	a.Set(models.FieldUUID, "", 0)
	assert.Equal(t, CapMissingRequired, newScorer().Score(a))

	b := fullAttempt()
	delete(b.Fields, models.FieldTotal)
	assert.Equal(t, CapMissingRequired, newScorer().Score(b))
}

func TestScore_ZeroWeightFieldsIgnored(t *testing.T) {
	t.Parallel()

	a := requiredOnly()
	a.Set(models.FieldIssuerEmail, "facturas@example.com", 0.1)
	a.Set(models.FieldIssuerPhone, "5512345678", 0.1)
	assert.Equal(t, 1.0, newScorer().Score(a))
}

func TestScore_Caps(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		key   models.FieldKey
		value string
		cap   float64
		agg   float64
	}{
		// (3*cap + 9) / 12
		{"rfc check digit", models.FieldIssuerTaxID, "EKU9003173C8", CapInvalidCheckDigit, 0.9},
		{"rfc format", models.FieldReceiverTaxID, "URE18042", CapInvalidFormat, 0.825},
		{"uuid", models.FieldUUID, "not-a-uuid", CapInvalidFormat, 0.825},
		{"amount", models.FieldTotal, "ciento dieciseis", CapInvalidFormat, 0.825},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := requiredOnly()
			a.Set(tc.key, tc.value, 1)
			assert.Equal(t, tc.agg, newScorer().Score(a))
			assert.Equal(t, tc.cap, a.Confidence(tc.key))
		})
	}
}

func TestScore_GenericRFCExempt(t *testing.T) {
	t.Parallel()

	a := requiredOnly()
	a.Set(models.FieldReceiverTaxID, "XAXX010101000", 1)
	assert.Equal(t, 1.0, newScorer().Score(a))
}

func TestScore_UnparseableDate(t *testing.T) {
	t.Parallel()

	a := fullAttempt()
	a.Set(models.FieldIssueDate, "mañana", 1)
	newScorer().Score(a)
	assert.Equal(t, CapInvalidFormat, a.Confidence(models.FieldIssueDate))
}

func TestScore_ArithmeticMismatchCapsAmounts(t *testing.T) {
	t.Parallel()

	a := requiredOnly()
	a.Set(models.FieldSubtotal, "100.00", 1)
	a.Set(models.FieldTax, "16.00", 1)
	a.Set(models.FieldTotal, "116.01", 1)

	// (9 + 3*0.5 + 0.5 + 0.5) / 14
	assert.Equal(t, 0.8214, newScorer().Score(a))
	for _, k := range []models.FieldKey{models.FieldSubtotal, models.FieldTax, models.FieldTotal} {
		assert.Equal(t, CapArithmetic, a.Confidence(k), k)
	}
	assert.Equal(t, 1.0, a.Confidence(models.FieldUUID))
}

func TestScore_WithinToleranceNoCap(t *testing.T) {
	t.Parallel()

	a := requiredOnly()
	a.Set(models.FieldSubtotal, "100.00", 1)
	a.Set(models.FieldTax, "16.00", 1)
	a.Set(models.FieldTotal, "116.004", 1)
	assert.Equal(t, 1.0, newScorer().Score(a))
}

func TestScore_WithDiscountAndWithholding(t *testing.T) {
	t.Parallel()

	a := requiredOnly()
	a.Set(models.FieldSubtotal, "1000.00", 1)
	a.Set(models.FieldDiscount, "100.00", 1)
	a.Set(models.FieldTax, "144.00", 1)
	a.Set(models.FieldWithheldTax, "90.00", 1)
	a.Set(models.FieldTotal, "954.00", 1)
	assert.Equal(t, 1.0, newScorer().Score(a))
}

func TestScore_FailedAttemptIsZero(t *testing.T) {
	t.Parallel()

	a := models.FailedAttempt(models.TierCloudAgentic, errors.New("boom"))
	assert.Equal(t, 0.0, newScorer().Score(a))
	assert.Equal(t, 0.0, newScorer().Score(nil))
}

func TestScore_RoundsToFourDecimals(t *testing.T) {
	t.Parallel()

	a := requiredOnly()
	a.Set(models.FieldIssueDate, "2024-03-15", 1.0/3.0)
	// (12 + 1/3) / 13
	assert.Equal(t, 0.9487, newScorer().Score(a))
}

func TestWinner(t *testing.T) {
	t.Parallel()

	low := &models.ExtractionAttempt{Tier: models.TierPDFRegex, Aggregate: 0.2}
	mid := &models.ExtractionAttempt{Tier: models.TierCloudCostEffective, Aggregate: 0.9}
	tie := &models.ExtractionAttempt{Tier: models.TierCloudAgentic, Aggregate: 0.9}
	failed := models.FailedAttempt(models.TierCloudAgentic, errors.New("timeout"))

	w, ok := Winner([]*models.ExtractionAttempt{low, mid, tie})
	require.True(t, ok)
	assert.Same(t, tie, w)

	w, ok = Winner([]*models.ExtractionAttempt{low, mid, failed})
	require.True(t, ok)
	assert.Same(t, mid, w)

	_, ok = Winner([]*models.ExtractionAttempt{failed})
	assert.False(t, ok)
}
