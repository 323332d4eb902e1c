package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/facturaIA/invoice-pipeline/api"
	"github.com/facturaIA/invoice-pipeline/internal/ai"
	"github.com/facturaIA/invoice-pipeline/internal/approval"
	"github.com/facturaIA/invoice-pipeline/internal/blacklist"
	"github.com/facturaIA/invoice-pipeline/internal/config"
	"github.com/facturaIA/invoice-pipeline/internal/contacts"
	"github.com/facturaIA/invoice-pipeline/internal/credits"
	"github.com/facturaIA/invoice-pipeline/internal/db"
	"github.com/facturaIA/invoice-pipeline/internal/extract"
	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/pipeline"
	"github.com/facturaIA/invoice-pipeline/internal/scoring"
	"github.com/facturaIA/invoice-pipeline/internal/services"
	"github.com/facturaIA/invoice-pipeline/internal/storage"
)

// recordStore is implemented by the Postgres and SQLite stores.
type recordStore interface {
	pipeline.InvoiceStore
	api.InvoiceReader
	api.CreditAccount
	approval.Store
	services.History
	contacts.Registry
	credits.Ledger
	Migrate(ctx context.Context) error
}

// environment is everything a command needs to run documents.
type environment struct {
	Pipeline *pipeline.Pipeline
	Invoices api.InvoiceReader
	Credits  api.CreditAccount
	Archive  *storage.Archive
	Checks   map[string]api.HealthCheck
	closers  []func()
}

func newEnvironment() *environment {
	return &environment{Checks: map[string]api.HealthCheck{}}
}

func (e *environment) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// initPipeline wires config into a pipeline. driver overrides
// cfg.Database.Driver; "memory" keeps records in process without metering.
func initPipeline(ctx context.Context, cfg *config.Config, driver string) (*environment, error) {
	env := newEnvironment()
	if driver == "" {
		driver = cfg.Database.Driver
	}

	var (
		history  services.History
		registry contacts.Registry
		ledger   credits.Ledger
		reviews  approval.Store
		sink     pipeline.InvoiceStore
	)
	switch driver {
	case "memory":
		mem := db.NewMemoryStore()
		history, reviews, sink, env.Invoices = mem, mem, mem, mem
		registry = contacts.NewMemoryRegistry()
	case "postgres", "sqlite":
		store, err := openStore(ctx, cfg, driver, env)
		if err != nil {
			env.Close()
			return nil, err
		}
		history, reviews, sink, env.Invoices = store, store, store, store
		registry, ledger, env.Credits = store, store, store
	default:
		return nil, eris.Errorf("unknown store driver %q", driver)
	}

	extractors, err := buildExtractors(ctx, cfg, env)
	if err != nil {
		env.Close()
		return nil, err
	}

	policy := anomalyPolicy(cfg.Pipeline)
	adapter := credits.NewAdapter(nil)
	if ledger != nil {
		adapter = credits.NewAdapter(ledger)
	}

	deps := pipeline.Deps{
		Extractors: extractors,
		Thresholds: thresholds(cfg.Pipeline),
		Scorer:     scoring.NewScorer(policy.AmountTolerance),
		Rates:      rates(cfg.Credits),
		Detector:   services.NewAnomalyDetector(policy, history),
		Reconciler: contacts.NewReconciler(registry, blacklistChecker(cfg.Blacklist), contacts.WithRecheckAfter(cfg.Blacklist.RecheckAfter)),
		Credits:    adapter,
		Machine:    approval.NewMachine(cfg.Pipeline.ApprovalThreshold, reviews),
		Store:      sink,
	}

	if cfg.Storage.Enabled {
		archive, err := storage.NewMinio(ctx, cfg.Storage)
		if err != nil {
			// Archiving is optional; documents are still processed.
			zap.L().Warn("raw document archive not available", zap.Error(err))
		} else {
			env.Archive = archive
			deps.Archive = archive
			env.Checks["storage"] = archive.Check
		}
	}

	env.Pipeline = pipeline.New(deps)
	return env, nil
}

func openStore(ctx context.Context, cfg *config.Config, driver string, env *environment) (recordStore, error) {
	var store recordStore
	switch driver {
	case "postgres":
		pool, err := db.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		pg := db.NewPostgres(pool)
		env.closers = append(env.closers, pg.Close)
		env.Checks["database"] = pool.Ping
		store = pg
	case "sqlite":
		lite, err := db.NewSQLite(cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, func() { _ = lite.Close() })
		store = lite
	default:
		return nil, eris.Errorf("store driver %q has no schema", driver)
	}

	if err := store.Migrate(ctx); err != nil {
		return nil, eris.Wrapf(err, "migrate %s", driver)
	}
	return store, nil
}

// buildExtractors registers the local tiers always and each cloud tier whose
// provider has credentials.
func buildExtractors(ctx context.Context, cfg *config.Config, env *environment) ([]extract.Extractor, error) {
	text := extract.PDFText{MaxPages: 10}
	extractors := []extract.Extractor{
		extract.NewExactExtractor(),
		extract.NewHeuristicExtractor(text),
	}

	svc := ai.NewService(text)
	if key := cfg.AI.OpenAI.APIKey; key != "" {
		hc := &http.Client{Timeout: cfg.AI.CostEffectiveTimeout + 5*time.Second}
		svc.Register(models.TierCloudCostEffective, ai.NewOpenAIProvider(key, cfg.AI.OpenAI.BaseURL, cfg.AI.OpenAI.Model, hc))
		extractors = append(extractors, extract.NewCloudExtractor(svc, models.TierCloudCostEffective, cfg.AI.CostEffectiveTimeout, cfg.AI.Retry))
	}
	if key := cfg.AI.Gemini.APIKey; key != "" {
		gemini, err := ai.NewGeminiProvider(ctx, key, cfg.AI.Gemini.Model)
		if err != nil {
			return nil, eris.Wrap(err, "gemini provider")
		}
		env.closers = append(env.closers, func() { _ = gemini.Close() })
		svc.Register(models.TierCloudAgentic, gemini)
		extractors = append(extractors, extract.NewCloudExtractor(svc, models.TierCloudAgentic, cfg.AI.AgenticTimeout, cfg.AI.Retry))
	}

	tiers := make([]string, 0, len(extractors))
	for _, e := range extractors {
		tiers = append(tiers, e.Tier().String())
	}
	zap.L().Info("extraction tiers registered", zap.Strings("tiers", tiers))
	return extractors, nil
}

// blacklistChecker returns nil when no lookup service is configured, so
// every issuer is UNKNOWN.
func blacklistChecker(cfg config.BlacklistConfig) contacts.BlacklistChecker {
	if cfg.BaseURL == "" {
		return nil
	}
	opts := []blacklist.Option{
		blacklist.WithRateLimit(cfg.RatePerSecond, cfg.Burst),
		blacklist.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.APIKey != "" {
		opts = append(opts, blacklist.WithAPIKey(cfg.APIKey))
	}
	return blacklist.NewClient(cfg.BaseURL, opts...)
}

func anomalyPolicy(p config.PipelineConfig) services.AnomalyPolicy {
	return services.AnomalyPolicy{
		ApprovalThreshold:   p.ApprovalThreshold,
		RejectFloor:         p.RejectFloor,
		AmountTolerance:     decimal.NewFromFloat(p.AmountTolerance),
		HardAmountTolerance: decimal.NewFromFloat(p.HardAmountTolerance),
		TaxRateTolerance:    decimal.NewFromFloat(p.TaxRateTolerance),
		Retention:           time.Duration(p.RetentionDays) * 24 * time.Hour,
		FutureSkew:          p.FutureSkew,
		OutlierFactor:       decimal.NewFromFloat(p.OutlierFactor),
		OutlierMinHistory:   p.OutlierMinHistory,
	}
}

func thresholds(p config.PipelineConfig) map[models.MediaType]pipeline.Thresholds {
	return map[models.MediaType]pipeline.Thresholds{
		models.MediaXML: {Approval: p.ApprovalThreshold, Escalation: p.XMLEscalationThreshold},
		models.MediaPDF: {Approval: p.ApprovalThreshold, Escalation: p.PDFEscalationThreshold},
	}
}

func rates(c config.CreditsConfig) credits.Rates {
	return credits.Rates{
		models.TierXMLLocal:           decimal.NewFromFloat(c.XMLLocal),
		models.TierPDFRegex:           decimal.NewFromFloat(c.PDFRegex),
		models.TierCloudCostEffective: decimal.NewFromFloat(c.CloudCostEffective),
		models.TierCloudAgentic:       decimal.NewFromFloat(c.CloudAgentic),
	}
}
