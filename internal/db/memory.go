package db

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

type recordKey struct {
	tenantID string
	id       string
}

// MemoryStore keeps invoices and decisions in process. Used by the CLI
// and the HTTP tests.
type MemoryStore struct {
	mu        sync.RWMutex
	invoices  map[recordKey]*models.ParsedInvoice
	decisions map[recordKey]*models.ApprovalDecision
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices:  make(map[recordKey]*models.ParsedInvoice),
		decisions: make(map[recordKey]*models.ApprovalDecision),
	}
}

func (m *MemoryStore) HasDocument(_ context.Context, tenantID, documentID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.invoices[recordKey{tenantID, documentID}]
	return ok, nil
}

func (m *MemoryStore) SaveInvoice(_ context.Context, inv *models.ParsedInvoice, _ []*models.ExtractionAttempt, d *models.ApprovalDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{inv.TenantID, inv.DocumentID}
	if _, ok := m.invoices[key]; ok {
		return eris.Wrapf(ErrDocumentExists, "invoice %s", inv.DocumentID)
	}
	invCopy := *inv
	m.invoices[key] = &invCopy
	m.decisions[recordKey{d.TenantID, d.InvoiceID}] = copyDecision(d)
	return nil
}

func (m *MemoryStore) GetInvoice(_ context.Context, tenantID, invoiceID string) (*models.ParsedInvoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[recordKey{tenantID, invoiceID}]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "invoice %s", invoiceID)
	}
	out := *inv
	return &out, nil
}

func (m *MemoryStore) GetDecision(_ context.Context, tenantID, invoiceID string) (*models.ApprovalDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.decisions[recordKey{tenantID, invoiceID}]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "decision %s", invoiceID)
	}
	return copyDecision(d), nil
}

func (m *MemoryStore) TransitionDecision(_ context.Context, tenantID, invoiceID string, t models.Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.decisions[recordKey{tenantID, invoiceID}]
	if !ok || d.Status != t.From {
		return false, nil
	}
	d.Status = t.To
	d.Transitions = append(d.Transitions, t)
	return true, nil
}

func (m *MemoryStore) HasFolio(_ context.Context, tenantID, issuerTaxID, uuid string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for k, inv := range m.invoices {
		if k.tenantID == tenantID && inv.IssuerTaxID == issuerTaxID && inv.UUID == uuid {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) IssuerStats(_ context.Context, tenantID, issuerTaxID string) (models.IssuerStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := models.IssuerStats{Total: decimal.Zero}
	for k, inv := range m.invoices {
		if k.tenantID == tenantID && inv.IssuerTaxID == issuerTaxID {
			stats.Count++
			stats.Total = stats.Total.Add(inv.Total)
		}
	}
	return stats, nil
}

func copyDecision(d *models.ApprovalDecision) *models.ApprovalDecision {
	out := *d
	out.Findings = append([]models.AnomalyFinding(nil), d.Findings...)
	out.Transitions = append([]models.Transition(nil), d.Transitions...)
	if out.Findings == nil {
		out.Findings = []models.AnomalyFinding{}
	}
	return &out
}
