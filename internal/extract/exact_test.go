package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

func loadDoc(t *testing.T, name string, media models.MediaType) models.RawDocument {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return models.RawDocument{ID: "doc-" + name, TenantID: "tenant-1", MediaType: media, Filename: name, Content: data}
}

func TestExactExtractor_CFDI40(t *testing.T) {
	t.Parallel()

	a, err := NewExactExtractor().Extract(context.Background(), loadDoc(t, "cfdi40.xml", models.MediaXML))
	require.NoError(t, err)

	assert.Equal(t, models.TierXMLLocal, a.Tier)
	assert.Equal(t, "EKU9003173C9", a.Value(models.FieldIssuerTaxID))
	assert.Equal(t, "URE180429TM6", a.Value(models.FieldReceiverTaxID))
	assert.Equal(t, "5FB2822E-396D-4725-8521-CDC4BDD20CCF", a.Value(models.FieldUUID))
	assert.Equal(t, "2026-09-01T10:30:00", a.Value(models.FieldIssueDate))
	assert.Equal(t, "100.00", a.Value(models.FieldSubtotal))
	assert.Equal(t, "16.00", a.Value(models.FieldTax))
	assert.Equal(t, "0.00", a.Value(models.FieldWithheldTax))
	assert.Equal(t, "116.00", a.Value(models.FieldTotal))
	assert.Equal(t, "MXN", a.Value(models.FieldCurrency))
	assert.Equal(t, "1", a.Value(models.FieldLineItems))

	for key, f := range a.Fields {
		assert.Equal(t, 1.0, f.Confidence, "field %s", key)
	}

	require.Len(t, a.LineItems, 1)
	assert.Equal(t, "Servicio de hospedaje", a.LineItems[0].Description)
	assert.Equal(t, "16", a.LineItems[0].Tax.String())

	// Un-modelled attributes survive as auxiliary data; seals do not.
	assert.Equal(t, "1024", a.Aux["Folio"])
	assert.Equal(t, "I", a.Aux["TipoDeComprobante"])
	assert.Equal(t, "601", a.Aux["emisor.RegimenFiscal"])
	assert.Equal(t, "G03", a.Aux["receptor.UsoCFDI"])
	assert.Equal(t, "SAT970701NN3", a.Aux["timbre.RfcProvCertif"])
	assert.NotContains(t, a.Aux, "Sello")
	assert.NotContains(t, a.Aux, "timbre.SelloSAT")
	assert.NotContains(t, a.Aux, "schemaLocation")
}

func TestExactExtractor_OptionalNodesAbsent(t *testing.T) {
	t.Parallel()

	a, err := NewExactExtractor().Extract(context.Background(), loadDoc(t, "cfdi33_no_taxes.xml", models.MediaXML))
	require.NoError(t, err)

	assert.Equal(t, "0.00", a.Value(models.FieldTax))
	assert.Equal(t, "50.00", a.Value(models.FieldDiscount))
	assert.Equal(t, "XAXX010101000", a.Value(models.FieldReceiverTaxID))
	assert.NotContains(t, a.Fields, models.FieldIssuerName)
	assert.NotContains(t, a.Fields, models.FieldReceiverName)
}

func TestExactExtractor_MissingRequiredIsZero(t *testing.T) {
	t.Parallel()

	a, err := NewExactExtractor().Extract(context.Background(), loadDoc(t, "cfdi_missing_uuid.xml", models.MediaXML))
	require.NoError(t, err)

	require.Contains(t, a.Fields, models.FieldUUID)
	assert.Equal(t, 0.0, a.Confidence(models.FieldUUID))
	assert.Equal(t, 1.0, a.Confidence(models.FieldTotal))
	assert.NotContains(t, a.Fields, models.FieldLineItems)
}

func TestExactExtractor_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"empty", "   "},
		{"truncated", `<cfdi:Comprobante xmlns:cfdi="http://www.sat.gob.mx/cfd/4" Total="1.00"><cfdi:Emisor`},
		{"wrong root", `<Factura Total="1.00"/>`},
		{"not xml", "%PDF-1.4 binary"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewExactExtractor().Extract(context.Background(), models.RawDocument{Content: []byte(tt.content)})
			var mErr *MalformedInputError
			require.True(t, errors.As(err, &mErr), "got %v", err)
			assert.Equal(t, models.TierXMLLocal, mErr.Tier)
		})
	}
}

func TestBuildInvoice(t *testing.T) {
	t.Parallel()

	doc := loadDoc(t, "cfdi40.xml", models.MediaXML)
	a, err := NewExactExtractor().Extract(context.Background(), doc)
	require.NoError(t, err)
	a.Aggregate = 1

	inv := BuildInvoice(doc, a)
	assert.Equal(t, "tenant-1", inv.TenantID)
	assert.Equal(t, doc.ID, inv.DocumentID)
	assert.Equal(t, "EKU9003173C9", inv.IssuerTaxID)
	assert.Equal(t, "ESCUELA KEMPER URGATE", inv.IssuerName)
	assert.Equal(t, "5FB2822E-396D-4725-8521-CDC4BDD20CCF", inv.UUID)
	assert.Equal(t, 2026, inv.IssueDate.Year())
	assert.Equal(t, "116", inv.Total.String())
	assert.True(t, inv.ExpectedTotal().Equal(inv.Total))
	assert.Equal(t, models.TierXMLLocal, inv.WinningTier)
	assert.Equal(t, 1.0, inv.FieldConfidence[models.FieldTotal])
	assert.Equal(t, "1024", inv.Aux["Folio"])
}
