package db

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/facturaIA/invoice-pipeline/internal/contacts"
	"github.com/facturaIA/invoice-pipeline/internal/credits"
	"github.com/facturaIA/invoice-pipeline/internal/models"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLiteStore is the single-node store used by the CLI and small
// deployments. Amounts are kept as decimal text and summed in Go.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time; read-modify-write transactions rely on it.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) HasDocument(ctx context.Context, tenantID, documentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM invoices WHERE tenant_id = ? AND document_id = ?)`,
		tenantID, documentID,
	).Scan(&exists)
	return exists, eris.Wrapf(err, "sqlite: has document %s", documentID)
}

func (s *SQLiteStore) SaveInvoice(ctx context.Context, inv *models.ParsedInvoice, attempts []*models.ExtractionAttempt, d *models.ApprovalDecision) error {
	row, err := invoiceRowFrom(inv, attempts)
	if err != nil {
		return err
	}
	drow, err := decisionRowFrom(d)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save invoice")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO invoices (
			tenant_id, document_id, issuer_tax_id, receiver_tax_id, uuid,
			issue_date, total, confidence, winning_tier, data, attempts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, document_id) DO NOTHING`,
		inv.TenantID, inv.DocumentID, inv.IssuerTaxID, inv.ReceiverTaxID, inv.UUID,
		row.issueDate, row.total, inv.Confidence, inv.WinningTier.String(), string(row.data), string(row.attempts),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert invoice %s", inv.DocumentID)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return eris.Wrapf(ErrDocumentExists, "invoice %s", inv.DocumentID)
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO approval_decisions (
			tenant_id, invoice_id, status, confidence, findings, transitions,
			credits_withheld, decided_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, invoice_id) DO NOTHING`,
		d.TenantID, d.InvoiceID, string(d.Status), d.Confidence, string(drow.findings), string(drow.transitions),
		d.CreditsWithheld, d.DecidedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert decision %s", d.InvoiceID)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return eris.Wrapf(ErrDocumentExists, "decision %s", d.InvoiceID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save invoice")
}

func (s *SQLiteStore) GetInvoice(ctx context.Context, tenantID, invoiceID string) (*models.ParsedInvoice, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM invoices WHERE tenant_id = ? AND document_id = ?`,
		tenantID, invoiceID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "invoice %s", invoiceID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get invoice %s", invoiceID)
	}

	var inv models.ParsedInvoice
	if err := json.Unmarshal([]byte(data), &inv); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode invoice %s", invoiceID)
	}
	return &inv, nil
}

func (s *SQLiteStore) GetDecision(ctx context.Context, tenantID, invoiceID string) (*models.ApprovalDecision, error) {
	return getDecision(ctx, s.db, tenantID, invoiceID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDecision(ctx context.Context, q queryer, tenantID, invoiceID string) (*models.ApprovalDecision, error) {
	var status, findings, transitions string
	d := &models.ApprovalDecision{TenantID: tenantID, InvoiceID: invoiceID}
	err := q.QueryRowContext(ctx,
		`SELECT status, confidence, findings, transitions, credits_withheld, decided_at
		 FROM approval_decisions WHERE tenant_id = ? AND invoice_id = ?`,
		tenantID, invoiceID,
	).Scan(&status, &d.Confidence, &findings, &transitions, &d.CreditsWithheld, &d.DecidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "decision %s", invoiceID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get decision %s", invoiceID)
	}
	d.Status = models.ApprovalStatus(status)
	if err := decodeDecision(d, []byte(findings), []byte(transitions)); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *SQLiteStore) TransitionDecision(ctx context.Context, tenantID, invoiceID string, t models.Transition) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin transition")
	}
	defer tx.Rollback() //nolint:errcheck

	d, err := getDecision(ctx, tx, tenantID, invoiceID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if d.Status != t.From {
		return false, nil
	}

	d.Transitions = append(d.Transitions, t)
	encoded, err := json.Marshal(d.Transitions)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: encode transitions")
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE approval_decisions SET status = ?, transitions = ?, updated_at = datetime('now')
		 WHERE tenant_id = ? AND invoice_id = ? AND status = ?`,
		string(t.To), string(encoded), tenantID, invoiceID, string(t.From),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition decision %s", invoiceID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return false, nil
	}
	return true, eris.Wrap(tx.Commit(), "sqlite: commit transition")
}

func (s *SQLiteStore) HasFolio(ctx context.Context, tenantID, issuerTaxID, uuid string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM invoices WHERE tenant_id = ? AND issuer_tax_id = ? AND uuid = ?`,
		tenantID, issuerTaxID, uuid,
	).Scan(&n)
	return n > 0, eris.Wrap(err, "sqlite: has folio")
}

func (s *SQLiteStore) IssuerStats(ctx context.Context, tenantID, issuerTaxID string) (models.IssuerStats, error) {
	stats := models.IssuerStats{Total: decimal.Zero}
	rows, err := s.db.QueryContext(ctx,
		`SELECT total FROM invoices WHERE tenant_id = ? AND issuer_tax_id = ?`,
		tenantID, issuerTaxID,
	)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: issuer stats")
	}
	defer rows.Close()

	for rows.Next() {
		var total string
		if err := rows.Scan(&total); err != nil {
			return stats, eris.Wrap(err, "sqlite: scan issuer total")
		}
		d, err := decimal.NewFromString(total)
		if err != nil {
			return stats, eris.Wrap(err, "sqlite: parse issuer total")
		}
		stats.Count++
		stats.Total = stats.Total.Add(d)
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: issuer stats rows")
}

// Upsert reads, merges and writes the contact inside one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, sg models.ContactSighting) (*models.ContactRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin upsert contact")
	}
	defer tx.Rollback() //nolint:errcheck

	c, err := scanSQLiteContact(tx.QueryRowContext(ctx, selectContact, sg.TenantID, sg.TaxID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		c = contacts.NewRecord(sg)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (
				tenant_id, tax_id, name, name_confidence, email, phone,
				first_seen, last_seen, invoice_count, total_amount, blacklist_status
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.TenantID, c.TaxID, nullIfEmpty(c.Name), c.NameConfidence, nullIfEmpty(c.Email), nullIfEmpty(c.Phone),
			c.FirstSeen.UTC(), c.LastSeen.UTC(), c.InvoiceCount, c.TotalAmount.String(), string(c.BlacklistStatus),
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert contact %s", sg.TaxID)
		}
		if c.ID, err = res.LastInsertId(); err != nil {
			return nil, eris.Wrap(err, "sqlite: contact id")
		}
	case err != nil:
		return nil, eris.Wrapf(err, "sqlite: get contact %s", sg.TaxID)
	default:
		contacts.Merge(c, sg)
		_, err := tx.ExecContext(ctx, `
			UPDATE contacts SET name = ?, name_confidence = ?, email = ?, phone = ?,
				first_seen = ?, last_seen = ?, invoice_count = ?, total_amount = ?
			WHERE id = ?`,
			nullIfEmpty(c.Name), c.NameConfidence, nullIfEmpty(c.Email), nullIfEmpty(c.Phone),
			c.FirstSeen.UTC(), c.LastSeen.UTC(), c.InvoiceCount, c.TotalAmount.String(), c.ID,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: update contact %s", sg.TaxID)
		}
	}
	return c, eris.Wrap(tx.Commit(), "sqlite: commit upsert contact")
}

func (s *SQLiteStore) SetBlacklistStatus(ctx context.Context, tenantID, taxID string, status models.BlacklistStatus, checkedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET blacklist_status = ?, blacklist_checked_at = ? WHERE tenant_id = ? AND tax_id = ?`,
		string(status), checkedAt.UTC(), tenantID, taxID,
	)
	return eris.Wrapf(err, "sqlite: set blacklist status %s", taxID)
}

// Contact returns one stored contact, or ErrNotFound.
func (s *SQLiteStore) Contact(ctx context.Context, tenantID, taxID string) (*models.ContactRecord, error) {
	c, err := scanSQLiteContact(s.db.QueryRowContext(ctx, selectContact, tenantID, taxID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "contact %s", taxID)
	}
	return c, eris.Wrapf(err, "sqlite: get contact %s", taxID)
}

func (s *SQLiteStore) Debit(ctx context.Context, tenantID string, amount decimal.Decimal, ref string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin debit")
	}
	defer tx.Rollback() //nolint:errcheck

	var seen int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credit_ledger WHERE tenant_id = ? AND ref = ?`, tenantID, ref,
	).Scan(&seen); err != nil {
		return eris.Wrapf(err, "sqlite: check debit %s", ref)
	}
	if seen > 0 {
		return nil
	}

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT balance FROM credit_balances WHERE tenant_id = ?`, tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return credits.ErrInsufficientBalance
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: get balance %s", tenantID)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return eris.Wrap(err, "sqlite: parse balance")
	}
	if balance.LessThan(amount) {
		return credits.ErrInsufficientBalance
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE credit_balances SET balance = ?, updated_at = datetime('now') WHERE tenant_id = ?`,
		balance.Sub(amount).String(), tenantID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: debit balance %s", tenantID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_ledger (tenant_id, ref, amount) VALUES (?, ?, ?)`,
		tenantID, ref, amount.String(),
	); err != nil {
		return eris.Wrapf(err, "sqlite: record debit %s", ref)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit debit")
}

func (s *SQLiteStore) TopUp(ctx context.Context, tenantID string, amount decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin top up")
	}
	defer tx.Rollback() //nolint:errcheck

	balance, err := sqliteBalance(ctx, tx, tenantID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_balances (tenant_id, balance) VALUES (?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET balance = excluded.balance, updated_at = datetime('now')`,
		tenantID, balance.Add(amount).String(),
	); err != nil {
		return eris.Wrapf(err, "sqlite: top up %s", tenantID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit top up")
}

func (s *SQLiteStore) Balance(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	return sqliteBalance(ctx, s.db, tenantID)
}

func sqliteBalance(ctx context.Context, q queryer, tenantID string) (decimal.Decimal, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT balance FROM credit_balances WHERE tenant_id = ?`, tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "sqlite: balance %s", tenantID)
	}
	d, err := decimal.NewFromString(raw)
	return d, eris.Wrap(err, "sqlite: parse balance")
}

const selectContact = `
	SELECT id, tenant_id, tax_id, COALESCE(name, ''), name_confidence, COALESCE(email, ''),
		COALESCE(phone, ''), first_seen, last_seen, invoice_count, total_amount,
		blacklist_status, blacklist_checked_at
	FROM contacts WHERE tenant_id = ? AND tax_id = ?`

func scanSQLiteContact(row scannable) (*models.ContactRecord, error) {
	var (
		c       models.ContactRecord
		total   string
		status  string
		checked sql.NullTime
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
	if checked.Valid {
		t := checked.Time
		c.BlacklistCheckedAt = &t
	}
	return &c, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
