package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/facturaIA/invoice-pipeline/internal/credits"
	"github.com/facturaIA/invoice-pipeline/internal/models"
)

//go:embed schema/postgres.sql
var postgresSchema string

// PostgresStore keeps every record in PostgreSQL. Each tenant only ever
// sees its own rows.
type PostgresStore struct {
	pool Pool
}

// NewPostgres wraps an open pool.
func NewPostgres(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const insertInvoice = `
	INSERT INTO invoices (
		tenant_id, document_id, issuer_tax_id, receiver_tax_id, uuid,
		issue_date, total, confidence, winning_tier, data, attempts
	) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11)
	ON CONFLICT (tenant_id, document_id) DO NOTHING`

const insertDecision = `
	INSERT INTO approval_decisions (
		tenant_id, invoice_id, status, confidence, findings, transitions,
		credits_withheld, decided_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (tenant_id, invoice_id) DO NOTHING`

// HasDocument reports whether the tenant already stored documentID.
func (s *PostgresStore) HasDocument(ctx context.Context, tenantID, documentID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM invoices WHERE tenant_id = $1 AND document_id = $2)`,
		tenantID, documentID,
	).Scan(&exists)
	return exists, eris.Wrapf(err, "postgres: has document %s", documentID)
}

// SaveInvoice writes the invoice and its decision in one transaction. An
// existing document is never replaced; ErrDocumentExists is returned.
func (s *PostgresStore) SaveInvoice(ctx context.Context, inv *models.ParsedInvoice, attempts []*models.ExtractionAttempt, d *models.ApprovalDecision) error {
	row, err := invoiceRowFrom(inv, attempts)
	if err != nil {
		return err
	}
	drow, err := decisionRowFrom(d)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save invoice")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, insertInvoice,
		inv.TenantID, inv.DocumentID, inv.IssuerTaxID, inv.ReceiverTaxID, inv.UUID,
		row.issueDate, row.total, inv.Confidence, inv.WinningTier.String(), row.data, row.attempts,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert invoice %s", inv.DocumentID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrDocumentExists, "invoice %s", inv.DocumentID)
	}
	tag, err = tx.Exec(ctx, insertDecision,
		d.TenantID, d.InvoiceID, string(d.Status), d.Confidence, drow.findings, drow.transitions,
		d.CreditsWithheld, d.DecidedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert decision %s", d.InvoiceID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrDocumentExists, "decision %s", d.InvoiceID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit save invoice")
}

// GetInvoice returns the stored invoice, or ErrNotFound.
func (s *PostgresStore) GetInvoice(ctx context.Context, tenantID, invoiceID string) (*models.ParsedInvoice, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM invoices WHERE tenant_id = $1 AND document_id = $2`,
		tenantID, invoiceID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "invoice %s", invoiceID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get invoice %s", invoiceID)
	}

	var inv models.ParsedInvoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, eris.Wrapf(err, "postgres: decode invoice %s", invoiceID)
	}
	return &inv, nil
}

// GetDecision returns the decision for an invoice, or ErrNotFound.
func (s *PostgresStore) GetDecision(ctx context.Context, tenantID, invoiceID string) (*models.ApprovalDecision, error) {
	var (
		status                string
		findings, transitions []byte
	)
	d := &models.ApprovalDecision{TenantID: tenantID, InvoiceID: invoiceID}
	err := s.pool.QueryRow(ctx,
		`SELECT status, confidence, findings, transitions, credits_withheld, decided_at
		 FROM approval_decisions WHERE tenant_id = $1 AND invoice_id = $2`,
		tenantID, invoiceID,
	).Scan(&status, &d.Confidence, &findings, &transitions, &d.CreditsWithheld, &d.DecidedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "decision %s", invoiceID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get decision %s", invoiceID)
	}
	d.Status = models.ApprovalStatus(status)
	if err := decodeDecision(d, findings, transitions); err != nil {
		return nil, err
	}
	return d, nil
}

// TransitionDecision appends t only while the stored status is t.From.
func (s *PostgresStore) TransitionDecision(ctx context.Context, tenantID, invoiceID string, t models.Transition) (bool, error) {
	entry, err := json.Marshal([]models.Transition{t})
	if err != nil {
		return false, eris.Wrap(err, "postgres: encode transition")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE approval_decisions
		 SET status = $4, transitions = transitions || $5::jsonb, updated_at = now()
		 WHERE tenant_id = $1 AND invoice_id = $2 AND status = $3`,
		tenantID, invoiceID, string(t.From), string(t.To), entry,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition decision %s", invoiceID)
	}
	return tag.RowsAffected() == 1, nil
}

// HasFolio reports whether the tenant already stored this issuer's UUID.
func (s *PostgresStore) HasFolio(ctx context.Context, tenantID, issuerTaxID, uuid string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM invoices WHERE tenant_id = $1 AND issuer_tax_id = $2 AND uuid = $3)`,
		tenantID, issuerTaxID, uuid,
	).Scan(&exists)
	return exists, eris.Wrap(err, "postgres: has folio")
}

// IssuerStats summarizes the tenant's stored invoices from one issuer.
func (s *PostgresStore) IssuerStats(ctx context.Context, tenantID, issuerTaxID string) (models.IssuerStats, error) {
	var (
		stats models.IssuerStats
		total string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total), 0)::text FROM invoices WHERE tenant_id = $1 AND issuer_tax_id = $2`,
		tenantID, issuerTaxID,
	).Scan(&stats.Count, &total)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: issuer stats")
	}
	stats.Total, err = decimal.NewFromString(total)
	return stats, eris.Wrap(err, "postgres: issuer stats total")
}

const upsertContact = `
	INSERT INTO contacts (
		tenant_id, tax_id, name, name_confidence, email, phone,
		first_seen, last_seen, invoice_count, total_amount
	) VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), $7, $7, 1, $8::numeric)
	ON CONFLICT (tenant_id, tax_id) DO UPDATE SET
		name = CASE
			WHEN EXCLUDED.name IS NOT NULL AND (contacts.name IS NULL OR EXCLUDED.name_confidence > contacts.name_confidence)
			THEN EXCLUDED.name ELSE contacts.name END,
		name_confidence = CASE
			WHEN EXCLUDED.name IS NOT NULL AND (contacts.name IS NULL OR EXCLUDED.name_confidence > contacts.name_confidence)
			THEN EXCLUDED.name_confidence ELSE contacts.name_confidence END,
		email = COALESCE(contacts.email, EXCLUDED.email),
		phone = COALESCE(contacts.phone, EXCLUDED.phone),
		first_seen = LEAST(contacts.first_seen, EXCLUDED.first_seen),
		last_seen = GREATEST(contacts.last_seen, EXCLUDED.last_seen),
		invoice_count = contacts.invoice_count + 1,
		total_amount = contacts.total_amount + EXCLUDED.total_amount
	RETURNING id, tenant_id, tax_id, COALESCE(name, ''), name_confidence, COALESCE(email, ''),
		COALESCE(phone, ''), first_seen, last_seen, invoice_count, total_amount::text,
		blacklist_status, blacklist_checked_at`

// Upsert applies a sighting atomically, so concurrent invoices from the
// same issuer never lose an update.
func (s *PostgresStore) Upsert(ctx context.Context, sg models.ContactSighting) (*models.ContactRecord, error) {
	row := s.pool.QueryRow(ctx, upsertContact,
		sg.TenantID, sg.TaxID, sg.Name, sg.NameConfidence, sg.Email, sg.Phone,
		sg.SeenAt, sg.Amount.String(),
	)
	c, err := scanContact(row)
	return c, eris.Wrapf(err, "postgres: upsert contact %s", sg.TaxID)
}

// SetBlacklistStatus stores the latest lookup result.
func (s *PostgresStore) SetBlacklistStatus(ctx context.Context, tenantID, taxID string, status models.BlacklistStatus, checkedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE contacts SET blacklist_status = $3, blacklist_checked_at = $4 WHERE tenant_id = $1 AND tax_id = $2`,
		tenantID, taxID, string(status), checkedAt,
	)
	return eris.Wrapf(err, "postgres: set blacklist status %s", taxID)
}

// Debit takes amount from the tenant's balance once per ref.
func (s *PostgresStore) Debit(ctx context.Context, tenantID string, amount decimal.Decimal, ref string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin debit")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO credit_ledger (tenant_id, ref, amount) VALUES ($1, $2, $3::numeric)
		 ON CONFLICT (tenant_id, ref) DO NOTHING`,
		tenantID, ref, amount.String(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record debit %s", ref)
	}
	if tag.RowsAffected() == 0 {
		// Already charged.
		return eris.Wrap(tx.Commit(ctx), "postgres: commit debit")
	}

	tag, err = tx.Exec(ctx,
		`UPDATE credit_balances SET balance = balance - $2::numeric, updated_at = now()
		 WHERE tenant_id = $1 AND balance >= $2::numeric`,
		tenantID, amount.String(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: debit balance %s", tenantID)
	}
	if tag.RowsAffected() == 0 {
		return credits.ErrInsufficientBalance
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit debit")
}

// TopUp adds amount to the tenant's balance.
func (s *PostgresStore) TopUp(ctx context.Context, tenantID string, amount decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credit_balances (tenant_id, balance) VALUES ($1, $2::numeric)
		 ON CONFLICT (tenant_id) DO UPDATE SET balance = credit_balances.balance + EXCLUDED.balance, updated_at = now()`,
		tenantID, amount.String(),
	)
	return eris.Wrapf(err, "postgres: top up %s", tenantID)
}

// Balance returns the tenant's balance, zero when it has none.
func (s *PostgresStore) Balance(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	var bal string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::text FROM credit_balances WHERE tenant_id = $1`, tenantID,
	).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "postgres: balance %s", tenantID)
	}
	d, err := decimal.NewFromString(bal)
	return d, eris.Wrap(err, "postgres: parse balance")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanContact(row scannable) (*models.ContactRecord, error) {
	var (
		c       models.ContactRecord
		total   string
		status  string
		checked *time.Time
	)
	if err := row.Scan(&c.ID, &c.TenantID, &c.TaxID, &c.Name, &c.NameConfidence, &c.Email,
		&c.Phone, &c.FirstSeen, &c.LastSeen, &c.InvoiceCount, &total, &status, &checked); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return nil, eris.Wrap(err, "parse total amount")
	}
	c.TotalAmount = amount
	c.BlacklistStatus = models.BlacklistStatus(status)
	c.BlacklistCheckedAt = checked
	return &c, nil
}
