package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/facturaIA/invoice-pipeline/internal/fiscal"
	"github.com/facturaIA/invoice-pipeline/internal/models"
)

const responseSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["fields"],
  "properties": {
    "fields": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["value", "confidence"],
        "properties": {
          "value": {"type": ["string", "number", "null"]},
          "confidence": {"type": "number"}
        }
      }
    },
    "line_items": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "product_code": {"type": ["string", "null"]},
          "description": {"type": ["string", "null"]},
          "quantity": {"type": ["string", "number", "null"]},
          "unit_price": {"type": ["string", "number", "null"]},
          "discount": {"type": ["string", "number", "null"]},
          "tax": {"type": ["string", "number", "null"]},
          "amount": {"type": ["string", "number", "null"]}
        }
      }
    }
  }
}`

var responseSchema = compileSchema()

func compileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("response.json", strings.NewReader(responseSchemaJSON)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("response.json")
}

// InvalidResponseError means the model answered with something that is not
// the expected JSON document. It is never retried.
type InvalidResponseError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *InvalidResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: invalid response: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: invalid response: %s", e.Provider, e.Reason)
}

func (e *InvalidResponseError) Unwrap() error { return e.Err }

type rawField struct {
	Value      interface{} `json:"value"`
	Confidence float64     `json:"confidence"`
}

type rawLineItem struct {
	ProductCode string      `json:"product_code"`
	Description string      `json:"description"`
	Quantity    interface{} `json:"quantity"`
	UnitPrice   interface{} `json:"unit_price"`
	Discount    interface{} `json:"discount"`
	Tax         interface{} `json:"tax"`
	Amount      interface{} `json:"amount"`
}

type rawResponse struct {
	Fields    map[string]rawField `json:"fields"`
	LineItems []rawLineItem       `json:"line_items"`
}

// stripFences removes markdown code fences some models wrap JSON in.
func stripFences(s string) string {
	cleaned := strings.TrimSpace(s)
	backticks := "```"
	cleaned = strings.ReplaceAll(cleaned, backticks+"json", "")
	cleaned = strings.ReplaceAll(cleaned, backticks, "")
	return strings.TrimSpace(cleaned)
}

// parseResponse validates the model output and maps it onto an attempt.
func parseResponse(provider, response string, tier models.Tier) (*models.ExtractionAttempt, error) {
	cleaned := stripFences(response)
	if cleaned == "" {
		return nil, &InvalidResponseError{Provider: provider, Reason: "empty"}
	}

	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, &InvalidResponseError{Provider: provider, Reason: "not json", Err: err}
	}
	if err := responseSchema.Validate(doc); err != nil {
		return nil, &InvalidResponseError{Provider: provider, Reason: "schema", Err: err}
	}

	var raw rawResponse
	dec = json.NewDecoder(bytes.NewReader([]byte(cleaned)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, &InvalidResponseError{Provider: provider, Reason: "decode", Err: err}
	}

	attempt := models.NewAttempt(tier)
	for name, f := range raw.Fields {
		value := normalizeValue(models.FieldKey(name), stringify(f.Value))
		if value == "" {
			// A missing required field still counts against the attempt.
			if models.FieldKey(name).IsRequired() {
				attempt.Set(models.FieldKey(name), "", 0)
			}
			continue
		}
		attempt.SetRaw(name, value, f.Confidence)
	}

	for _, it := range raw.LineItems {
		attempt.LineItems = append(attempt.LineItems, lineItemFrom(it))
	}
	if _, ok := attempt.Fields[models.FieldLineItems]; !ok && len(attempt.LineItems) > 0 {
		attempt.Set(models.FieldLineItems, strconv.Itoa(len(attempt.LineItems)), 1)
	}
	return attempt, nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// normalizeValue brings model output to the same canonical forms the
// local extractors produce. Values that do not parse are kept as given so
// the scorer can cap them.
func normalizeValue(key models.FieldKey, v string) string {
	if v == "" {
		return ""
	}
	switch key {
	case models.FieldIssuerTaxID, models.FieldReceiverTaxID:
		return fiscal.NormalizeRFC(v)
	case models.FieldUUID:
		if id, _, ok := fiscal.NormalizeUUID(v); ok {
			return id
		}
	case models.FieldIssueDate:
		if t, ok := fiscal.ParseDate(v); ok {
			return fiscal.FormatDate(t)
		}
	case models.FieldSubtotal, models.FieldDiscount, models.FieldTax,
		models.FieldWithheldTax, models.FieldTotal:
		if d, ok := fiscal.ParseAmount(v); ok {
			return fiscal.FormatAmount(d)
		}
	case models.FieldCurrency:
		return strings.ToUpper(v)
	case models.FieldIssuerEmail:
		return strings.ToLower(v)
	}
	return v
}

func lineItemFrom(it rawLineItem) models.LineItem {
	item := models.LineItem{ProductCode: it.ProductCode, Description: it.Description}
	item.Quantity, _ = fiscal.ParseAmount(it.Quantity)
	item.UnitPrice, _ = fiscal.ParseAmount(it.UnitPrice)
	item.Discount, _ = fiscal.ParseAmount(it.Discount)
	item.Tax, _ = fiscal.ParseAmount(it.Tax)
	item.Amount, _ = fiscal.ParseAmount(it.Amount)
	return item
}
