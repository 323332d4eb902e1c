package fiscal

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount parses a monetary value as written on invoices or returned by
// a model: "$1,234.50", "1234.5", a JSON number or a float.
func ParseAmount(v interface{}) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case nil:
		return decimal.Zero, false
	case float64:
		return decimal.NewFromFloat(val), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	case json.Number:
		d, err := decimal.NewFromString(string(val))
		return d, err == nil
	case string:
		cleaned := strings.TrimSpace(val)
		cleaned = strings.TrimPrefix(cleaned, "$")
		cleaned = strings.TrimSuffix(cleaned, "MXN")
		cleaned = strings.ReplaceAll(cleaned, ",", "")
		cleaned = strings.ReplaceAll(cleaned, " ", "")
		if cleaned == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(cleaned)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

// FormatAmount renders d with two decimals, the normalized field value.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// WithinTolerance reports |a-b| <= tolerance.
func WithinTolerance(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}
