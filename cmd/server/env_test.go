package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturaIA/invoice-pipeline/internal/config"
	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/pipeline"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "fiscal.db")},
		AI: config.AIConfig{
			CostEffectiveTimeout: 5 * time.Second,
			AgenticTimeout:       30 * time.Second,
		},
		Pipeline: config.PipelineConfig{
			ApprovalThreshold:      0.9,
			RejectFloor:            0.3,
			XMLEscalationThreshold: 0.9,
			PDFEscalationThreshold: 0.75,
			AmountTolerance:        0.005,
			HardAmountTolerance:    1,
			TaxRateTolerance:       0.05,
			RetentionDays:          1825,
			FutureSkew:             10 * time.Minute,
			OutlierFactor:          10,
			OutlierMinHistory:      3,
		},
		Credits:   config.CreditsConfig{CloudCostEffective: 1, CloudAgentic: 5},
		Blacklist: config.BlacklistConfig{RecheckAfter: time.Hour},
	}
}

func cfdiXML(t *testing.T) []byte {
	t.Helper()
	content, err := os.ReadFile(filepath.Join("..", "..", "internal", "extract", "testdata", "cfdi40.xml"))
	require.NoError(t, err)
	return content
}

func TestInitPipeline_MemoryStore(t *testing.T) {
	ctx := context.Background()
	env, err := initPipeline(ctx, testConfig(t), "memory")
	require.NoError(t, err)
	defer env.Close()
	assert.Nil(t, env.Credits)
	assert.Nil(t, env.Archive)

	doc := models.RawDocument{ID: "xml-1", TenantID: "acme", Filename: "f.xml", Content: cfdiXML(t)}
	res, err := env.Pipeline.Process(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, models.TierXMLLocal, res.Invoice.WinningTier)
	assert.Equal(t, models.StatusApproved, res.Decision.Status)
	assert.Equal(t, models.BlacklistUnknown, res.Blacklist)

	stored, err := env.Invoices.GetDecision(ctx, "acme", "xml-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, stored.Status)

	// Resubmitting the id leaves the stored decision alone.
	_, err = env.Pipeline.Process(ctx, doc)
	var dup *pipeline.DuplicateDocumentError
	require.ErrorAs(t, err, &dup)
	stored, err = env.Invoices.GetDecision(ctx, "acme", "xml-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, stored.Status)

	// The same folio again is a duplicate.
	doc.ID = "xml-2"
	res, err = env.Pipeline.Process(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingReview, res.Decision.Status)
}

func TestInitPipeline_SQLiteStore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	env, err := initPipeline(ctx, cfg, "")
	require.NoError(t, err)
	defer env.Close()
	require.NotNil(t, env.Credits)

	require.NoError(t, env.Credits.TopUp(ctx, "acme", decimal.NewFromInt(3)))
	res, err := env.Pipeline.Process(ctx, models.RawDocument{ID: "xml-1", TenantID: "acme", Filename: "f.xml", Content: cfdiXML(t)})
	require.NoError(t, err)
	require.NotNil(t, res.Contact)
	assert.Equal(t, int64(1), res.Contact.InvoiceCount)

	// Local tiers are free.
	bal, err := env.Credits.Balance(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "3", bal.String())

	inv, err := env.Invoices.GetInvoice(ctx, "acme", "xml-1")
	require.NoError(t, err)
	assert.Equal(t, res.Invoice.UUID, inv.UUID)
}

func TestInitPipeline_UnknownDriver(t *testing.T) {
	_, err := initPipeline(context.Background(), testConfig(t), "mongo")
	assert.Error(t, err)
}

func TestWriteResult(t *testing.T) {
	env, err := initPipeline(context.Background(), testConfig(t), "memory")
	require.NoError(t, err)
	defer env.Close()

	res, err := env.Pipeline.Process(context.Background(), models.RawDocument{ID: "xml-1", TenantID: "acme", Filename: "f.xml", Content: cfdiXML(t)})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, writeResult(&out, res, "yaml"))
	assert.Contains(t, out.String(), "winningTier: XML_LOCAL")
	assert.Contains(t, out.String(), "status: APPROVED")

	out.Reset()
	require.NoError(t, writeResult(&out, res, "json"))
	assert.Contains(t, out.String(), `"winningTier": "XML_LOCAL"`)
}

func TestThresholdsFromConfig(t *testing.T) {
	th := thresholds(testConfig(t).Pipeline)
	assert.Equal(t, 0.9, th[models.MediaXML].Escalation)
	assert.Equal(t, 0.75, th[models.MediaPDF].Escalation)

	r := rates(testConfig(t).Credits)
	assert.Equal(t, "5", r.Cost(models.TierCloudAgentic).String())
	assert.True(t, r.Cost(models.TierXMLLocal).IsZero())
}
