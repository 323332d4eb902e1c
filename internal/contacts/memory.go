package contacts

import (
	"context"
	"sync"
	"time"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

type contactKey struct {
	tenant string
	taxID  string
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu      sync.Mutex
	nextID  int64
	records map[contactKey]*models.ContactRecord
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[contactKey]*models.ContactRecord)}
}

func (m *MemoryRegistry) Upsert(_ context.Context, s models.ContactSighting) (*models.ContactRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := contactKey{tenant: s.TenantID, taxID: s.TaxID}
	c, ok := m.records[k]
	if !ok {
		m.nextID++
		c = NewRecord(s)
		c.ID = m.nextID
		m.records[k] = c
	} else {
		Merge(c, s)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryRegistry) SetBlacklistStatus(_ context.Context, tenantID, taxID string, status models.BlacklistStatus, checkedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.records[contactKey{tenant: tenantID, taxID: taxID}]; ok {
		c.BlacklistStatus = status
		t := checkedAt
		c.BlacklistCheckedAt = &t
	}
	return nil
}

// Get returns a copy of the record, if any.
func (m *MemoryRegistry) Get(tenantID, taxID string) (*models.ContactRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.records[contactKey{tenant: tenantID, taxID: taxID}]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// Len is the number of distinct contacts.
func (m *MemoryRegistry) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
