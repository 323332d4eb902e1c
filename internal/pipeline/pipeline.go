// Package pipeline runs a fiscal document through the extraction tiers,
// then scores, checks, meters and decides the winning invoice.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/facturaIA/invoice-pipeline/internal/approval"
	"github.com/facturaIA/invoice-pipeline/internal/contacts"
	"github.com/facturaIA/invoice-pipeline/internal/credits"
	"github.com/facturaIA/invoice-pipeline/internal/extract"
	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/scoring"
	"github.com/facturaIA/invoice-pipeline/internal/services"
)

// InvoiceStore persists a finished invoice with its attempts and decision.
// SaveInvoice never replaces a stored document.
type InvoiceStore interface {
	HasDocument(ctx context.Context, tenantID, documentID string) (bool, error)
	SaveInvoice(ctx context.Context, inv *models.ParsedInvoice, attempts []*models.ExtractionAttempt, d *models.ApprovalDecision) error
}

// Archiver keeps the raw upload and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, doc models.RawDocument) (string, error)
}

// Deps wires a Pipeline. Store and Archive are optional.
type Deps struct {
	Extractors []extract.Extractor
	Thresholds map[models.MediaType]Thresholds
	Scorer     *scoring.Scorer
	Rates      credits.Rates
	Detector   *services.AnomalyDetector
	Reconciler *contacts.Reconciler
	Credits    *credits.Adapter
	Machine    *approval.Machine
	Store      InvoiceStore
	Archive    Archiver
}

// Result is everything the pipeline learned about one document.
type Result struct {
	Invoice     *models.ParsedInvoice             `json:"invoice"`
	Attempts    []*models.ExtractionAttempt       `json:"attempts"`
	Findings    []models.AnomalyFinding           `json:"findings"`
	Contact     *models.ContactRecord             `json:"contact,omitempty"`
	Blacklist   models.BlacklistStatus            `json:"blacklist"`
	Charge      *credits.Charge                   `json:"charge"`
	Decision    *models.ApprovalDecision          `json:"decision"`
	CreditError *credits.InsufficientCreditsError `json:"-"`
	ArchivedAt  string                            `json:"archivedAt,omitempty"`
	Audit       []string                          `json:"audit,omitempty"`
}

// Pipeline is safe for concurrent use across documents.
type Pipeline struct {
	extractors map[models.Tier]extract.Extractor
	router     *Router
	scorer     *scoring.Scorer
	rates      credits.Rates
	detector   *services.AnomalyDetector
	reconciler *contacts.Reconciler
	credits    *credits.Adapter
	machine    *approval.Machine
	store      InvoiceStore
	archive    Archiver
}

// New builds a pipeline. Only tiers with an extractor are routed to.
func New(d Deps) *Pipeline {
	p := &Pipeline{
		extractors: make(map[models.Tier]extract.Extractor, len(d.Extractors)),
		scorer:     d.Scorer,
		rates:      d.Rates,
		detector:   d.Detector,
		reconciler: d.Reconciler,
		credits:    d.Credits,
		machine:    d.Machine,
		store:      d.Store,
		archive:    d.Archive,
	}
	available := make([]models.Tier, 0, len(d.Extractors))
	for _, e := range d.Extractors {
		p.extractors[e.Tier()] = e
		available = append(available, e.Tier())
	}
	p.router = NewRouter(available, d.Thresholds)

	if p.scorer == nil {
		p.scorer = scoring.NewScorer(services.DefaultAnomalyPolicy().AmountTolerance)
	}
	if p.rates == nil {
		p.rates = credits.DefaultRates()
	}
	if p.detector == nil {
		p.detector = services.NewAnomalyDetector(services.DefaultAnomalyPolicy(), nil)
	}
	if p.credits == nil {
		p.credits = credits.NewAdapter(nil)
	}
	if p.machine == nil {
		p.machine = approval.NewMachine(p.router.Thresholds(models.MediaPDF).Approval, nil)
	}
	return p
}

// Process runs doc to a decision. It fails only when the document is
// invalid, the context ends, or the last tier tried fails.
func (p *Pipeline) Process(ctx context.Context, doc models.RawDocument) (*Result, error) {
	doc, err := p.prepare(doc)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("tenant_id", doc.TenantID), zap.String("document_id", doc.ID))

	if p.store != nil {
		exists, err := p.store.HasDocument(ctx, doc.TenantID, doc.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "look up document %s", doc.ID)
		}
		if exists {
			return nil, &DuplicateDocumentError{TenantID: doc.TenantID, DocumentID: doc.ID}
		}
	}
	// One debit per run; ledger retries inside the run reuse it.
	ref := doc.ID + ":" + uuid.NewString()

	res := &Result{}
	if p.archive != nil {
		loc, err := p.archive.Archive(ctx, doc)
		if err != nil {
			log.Warn("archive upload failed", zap.Error(err))
			res.Audit = append(res.Audit, "archive: "+err.Error())
		}
		res.ArchivedAt = loc
	}

	attempts, err := p.extract(ctx, doc, log)
	res.Attempts = attempts
	if err != nil {
		var exhausted *ExtractionExhaustedError
		if errors.As(err, &exhausted) {
			// A failed debit is logged by the adapter and shows as Debited=false.
			exhausted.Charge, _ = p.credits.Charge(ctx, doc.TenantID, ref, attempts)
		}
		return nil, err
	}
	winner, _ := scoring.Winner(attempts)
	inv := extract.BuildInvoice(doc, winner)
	res.Invoice = inv

	var (
		findings  []models.AnomalyFinding
		notes     []string
		outcome   *contacts.Outcome
		reconcErr error
		charge    *credits.Charge
		chargeErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		findings, notes = p.detector.Detect(gctx, inv)
		return nil
	})
	if p.reconciler != nil {
		g.Go(func() error {
			outcome, reconcErr = p.reconciler.Reconcile(gctx, inv)
			return nil
		})
	}
	g.Go(func() error {
		charge, chargeErr = p.credits.Charge(gctx, doc.TenantID, ref, attempts)
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrapf(err, "process %s", doc.ID)
	}

	res.Audit = append(res.Audit, notes...)
	res.Blacklist = models.BlacklistUnknown
	if reconcErr != nil {
		log.Warn("contact reconciliation failed", zap.Error(reconcErr))
		res.Audit = append(res.Audit, "contacts: "+reconcErr.Error())
	}
	if outcome != nil {
		res.Contact = outcome.Contact
		res.Blacklist = outcome.Blacklist
		if outcome.Failure != nil {
			res.Audit = append(res.Audit, outcome.Failure.Error())
		}
	}
	if f, ok := services.BlacklistFinding(inv.IssuerTaxID, res.Blacklist); ok {
		findings = append(findings, f)
	}

	decision := p.machine.Decide(inv, findings)
	res.Charge = charge
	if chargeErr != nil {
		var ice *credits.InsufficientCreditsError
		if errors.As(chargeErr, &ice) {
			res.CreditError = ice
		}
		res.Audit = append(res.Audit, chargeErr.Error())
		p.machine.HoldForCredits(decision, chargeErr)
	}
	res.Findings = decision.Findings
	res.Decision = decision

	log.Info("document processed",
		zap.String("winning_tier", inv.WinningTier.String()),
		zap.Float64("confidence", inv.Confidence),
		zap.String("status", string(decision.Status)),
		zap.Int("findings", len(decision.Findings)),
		zap.String("credits", charge.Amount.String()),
	)

	if p.store != nil {
		if err := p.store.SaveInvoice(ctx, inv, attempts, decision); err != nil {
			return res, eris.Wrapf(err, "save invoice %s", doc.ID)
		}
	}
	return res, nil
}

// Review applies a human decision to a stored invoice.
func (p *Pipeline) Review(ctx context.Context, tenantID, invoiceID string, to models.ApprovalStatus, actor, note string) (*models.ApprovalDecision, error) {
	return p.machine.Review(ctx, tenantID, invoiceID, to, actor, note)
}

func (p *Pipeline) prepare(doc models.RawDocument) (models.RawDocument, error) {
	if doc.TenantID == "" {
		return doc, &InvalidDocumentError{Reason: "missing tenant"}
	}
	if len(doc.Content) == 0 {
		return doc, &InvalidDocumentError{Reason: "empty content"}
	}
	if doc.MediaType == "" {
		mt, ok := models.DetectMediaType("", doc.Filename, doc.Content)
		if !ok {
			return doc, &InvalidDocumentError{Reason: "unrecognized media type"}
		}
		doc.MediaType = mt
	}
	if doc.MediaType != models.MediaXML && doc.MediaType != models.MediaPDF {
		return doc, &InvalidDocumentError{Reason: fmt.Sprintf("unsupported media type %q", doc.MediaType)}
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	return doc, nil
}

func (p *Pipeline) extract(ctx context.Context, doc models.RawDocument, log *zap.Logger) ([]*models.ExtractionAttempt, error) {
	var attempts []*models.ExtractionAttempt
	for {
		tier, more := p.router.Next(doc.MediaType, attempts)
		if !more {
			break
		}

		a := p.attempt(ctx, tier, doc)
		if err := ctx.Err(); err != nil {
			return attempts, eris.Wrapf(err, "process %s", doc.ID)
		}
		attempts = append(attempts, a)

		fields := []zap.Field{
			zap.String("tier", tier.String()),
			zap.Float64("aggregate", a.Aggregate),
			zap.Duration("duration", a.Duration),
		}
		if a.Err != nil {
			fields = append(fields, zap.Error(a.Err))
		}
		log.Info("tier attempted", fields...)
	}

	if len(attempts) == 0 || !attempts[len(attempts)-1].Succeeded() {
		return attempts, &ExtractionExhaustedError{DocumentID: doc.ID, Attempts: attempts}
	}
	return attempts, nil
}

func (p *Pipeline) attempt(ctx context.Context, tier models.Tier, doc models.RawDocument) *models.ExtractionAttempt {
	started := time.Now().UTC()
	a, err := p.extractors[tier].Extract(ctx, doc)
	if err != nil || a == nil {
		if err == nil {
			err = eris.Errorf("%s: no attempt returned", tier)
		}
		a = models.FailedAttempt(tier, err)
	}
	a.Tier = tier
	a.StartedAt = started
	a.Duration = time.Since(started)

	p.scorer.Score(a)
	if a.Succeeded() {
		a.Cost = p.rates.Cost(tier)
	}
	return a
}
