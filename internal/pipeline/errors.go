package pipeline

import (
	"fmt"

	"github.com/facturaIA/invoice-pipeline/internal/credits"
	"github.com/facturaIA/invoice-pipeline/internal/models"
)

// ExtractionExhaustedError means the last available tier failed. Earlier
// lower-tier guesses are not used in its place. Charge meters the
// attempts that did succeed before the failure.
type ExtractionExhaustedError struct {
	DocumentID string
	Attempts   []*models.ExtractionAttempt
	Charge     *credits.Charge
}

func (e *ExtractionExhaustedError) Error() string {
	if last := e.last(); last != nil {
		return fmt.Sprintf("extraction exhausted for document %s after %d attempts: %s: %v",
			e.DocumentID, len(e.Attempts), last.Tier, last.Err)
	}
	return fmt.Sprintf("extraction exhausted for document %s: no tier available", e.DocumentID)
}

func (e *ExtractionExhaustedError) Unwrap() error {
	if last := e.last(); last != nil {
		return last.Err
	}
	return nil
}

func (e *ExtractionExhaustedError) last() *models.ExtractionAttempt {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

// InvalidDocumentError rejects a document before any tier runs.
type InvalidDocumentError struct {
	Reason string
}

func (e *InvalidDocumentError) Error() string {
	return "invalid document: " + e.Reason
}

// DuplicateDocumentError rejects a document id the tenant already used.
// The stored invoice and decision are left as they are.
type DuplicateDocumentError struct {
	TenantID   string
	DocumentID string
}

func (e *DuplicateDocumentError) Error() string {
	return fmt.Sprintf("document %s already processed for tenant %s", e.DocumentID, e.TenantID)
}
