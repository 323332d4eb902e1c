// Package extract implements the extraction tiers. Every extractor returns
// an attempt with per-field confidence; only structurally unreadable input
// is an error.
package extract

import (
	"context"
	"fmt"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

// Extractor is one extraction tier.
type Extractor interface {
	Tier() models.Tier
	Extract(ctx context.Context, doc models.RawDocument) (*models.ExtractionAttempt, error)
}

// MalformedInputError means the tier cannot read the document at all. The
// router escalates on it; it never aborts the pipeline by itself.
type MalformedInputError struct {
	Tier   models.Tier
	Reason string
	Err    error
}

func (e *MalformedInputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: malformed input: %s: %v", e.Tier, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: malformed input: %s", e.Tier, e.Reason)
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

func malformed(tier models.Tier, reason string, err error) *MalformedInputError {
	return &MalformedInputError{Tier: tier, Reason: reason, Err: err}
}
