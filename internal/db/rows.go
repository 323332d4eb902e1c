package db

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

type invoiceRow struct {
	issueDate *time.Time
	total     string
	data      []byte
	attempts  []byte
}

func invoiceRowFrom(inv *models.ParsedInvoice, attempts []*models.ExtractionAttempt) (invoiceRow, error) {
	var row invoiceRow
	if !inv.IssueDate.IsZero() {
		t := inv.IssueDate.UTC()
		row.issueDate = &t
	}
	row.total = inv.Total.String()

	var err error
	if row.data, err = json.Marshal(inv); err != nil {
		return row, eris.Wrapf(err, "encode invoice %s", inv.DocumentID)
	}
	if attempts == nil {
		attempts = []*models.ExtractionAttempt{}
	}
	if row.attempts, err = json.Marshal(attempts); err != nil {
		return row, eris.Wrapf(err, "encode attempts %s", inv.DocumentID)
	}
	return row, nil
}

type decisionRow struct {
	findings    []byte
	transitions []byte
}

func decisionRowFrom(d *models.ApprovalDecision) (decisionRow, error) {
	var row decisionRow
	findings := d.Findings
	if findings == nil {
		findings = []models.AnomalyFinding{}
	}
	transitions := d.Transitions
	if transitions == nil {
		transitions = []models.Transition{}
	}

	var err error
	if row.findings, err = json.Marshal(findings); err != nil {
		return row, eris.Wrapf(err, "encode findings %s", d.InvoiceID)
	}
	if row.transitions, err = json.Marshal(transitions); err != nil {
		return row, eris.Wrapf(err, "encode transitions %s", d.InvoiceID)
	}
	return row, nil
}

func decodeDecision(d *models.ApprovalDecision, findings, transitions []byte) error {
	d.Findings = []models.AnomalyFinding{}
	if len(findings) > 0 {
		if err := json.Unmarshal(findings, &d.Findings); err != nil {
			return eris.Wrapf(err, "decode findings %s", d.InvoiceID)
		}
	}
	if len(transitions) > 0 {
		if err := json.Unmarshal(transitions, &d.Transitions); err != nil {
			return eris.Wrapf(err, "decode transitions %s", d.InvoiceID)
		}
	}
	return nil
}
