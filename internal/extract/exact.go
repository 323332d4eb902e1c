package extract

import (
	"bytes"
	"context"
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/facturaIA/invoice-pipeline/internal/fiscal"
	"github.com/facturaIA/invoice-pipeline/internal/models"
)

const nsXMLSchemaInstance = "http://www.w3.org/2001/XMLSchema-instance"

// cfdiComprobante maps CFDI 3.3 and 4.0. Namespaces are ignored so both
// cfdi/3 and cfd/4 documents decode into the same shape.
type cfdiComprobante struct {
	XMLName   xml.Name
	SubTotal  string     `xml:"SubTotal,attr"`
	Descuento string     `xml:"Descuento,attr"`
	Total     string     `xml:"Total,attr"`
	Moneda    string     `xml:"Moneda,attr"`
	Fecha     string     `xml:"Fecha,attr"`
	Attrs     []xml.Attr `xml:",any,attr"`

	Emisor    *cfdiParty     `xml:"Emisor"`
	Receptor  *cfdiParty     `xml:"Receptor"`
	Conceptos []cfdiConcepto `xml:"Conceptos>Concepto"`
	Impuestos *cfdiImpuestos `xml:"Impuestos"`
	Timbre    *cfdiTimbre    `xml:"Complemento>TimbreFiscalDigital"`
}

type cfdiParty struct {
	Rfc    string     `xml:"Rfc,attr"`
	Nombre string     `xml:"Nombre,attr"`
	Attrs  []xml.Attr `xml:",any,attr"`
}

type cfdiConcepto struct {
	ClaveProdServ string         `xml:"ClaveProdServ,attr"`
	Cantidad      string         `xml:"Cantidad,attr"`
	Descripcion   string         `xml:"Descripcion,attr"`
	ValorUnitario string         `xml:"ValorUnitario,attr"`
	Importe       string         `xml:"Importe,attr"`
	Descuento     string         `xml:"Descuento,attr"`
	Traslados     []cfdiTraslado `xml:"Impuestos>Traslados>Traslado"`
}

type cfdiTraslado struct {
	Importe string `xml:"Importe,attr"`
}

type cfdiImpuestos struct {
	TotalImpuestosTrasladados string `xml:"TotalImpuestosTrasladados,attr"`
	TotalImpuestosRetenidos   string `xml:"TotalImpuestosRetenidos,attr"`
}

type cfdiTimbre struct {
	UUID  string     `xml:"UUID,attr"`
	Attrs []xml.Attr `xml:",any,attr"`
}

// ExactExtractor reads CFDI XML directly. Present values get confidence
// 1.0 and absent required values 0.0.
type ExactExtractor struct{}

// NewExactExtractor returns the XML_LOCAL tier.
func NewExactExtractor() *ExactExtractor { return &ExactExtractor{} }

func (e *ExactExtractor) Tier() models.Tier { return models.TierXMLLocal }

func (e *ExactExtractor) Extract(_ context.Context, doc models.RawDocument) (*models.ExtractionAttempt, error) {
	content := bytes.TrimPrefix(doc.Content, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, malformed(e.Tier(), "empty document", nil)
	}

	var c cfdiComprobante
	if err := xml.Unmarshal(content, &c); err != nil {
		return nil, malformed(e.Tier(), "xml decode", err)
	}
	if c.XMLName.Local != "Comprobante" {
		return nil, malformed(e.Tier(), "root element is "+c.XMLName.Local+", not Comprobante", nil)
	}

	a := models.NewAttempt(e.Tier())

	var issuerRFC, issuerName, receiverRFC, receiverName string
	if c.Emisor != nil {
		issuerRFC, issuerName = c.Emisor.Rfc, c.Emisor.Nombre
		collectAux(a, "emisor.", c.Emisor.Attrs)
	}
	if c.Receptor != nil {
		receiverRFC, receiverName = c.Receptor.Rfc, c.Receptor.Nombre
		collectAux(a, "receptor.", c.Receptor.Attrs)
	}
	var folio string
	if c.Timbre != nil {
		folio = c.Timbre.UUID
		collectAux(a, "timbre.", c.Timbre.Attrs)
	}
	collectAux(a, "", c.Attrs)

	setPresent(a, models.FieldIssuerTaxID, issuerRFC)
	setPresent(a, models.FieldReceiverTaxID, receiverRFC)
	setPresent(a, models.FieldUUID, strings.ToUpper(folio))
	setPresent(a, models.FieldTotal, normalizeAmount(c.Total))
	setPresent(a, models.FieldIssuerName, issuerName)
	setPresent(a, models.FieldReceiverName, receiverName)
	setPresent(a, models.FieldCurrency, c.Moneda)
	setPresent(a, models.FieldSubtotal, normalizeAmount(c.SubTotal))
	setPresent(a, models.FieldIssueDate, normalizeDate(c.Fecha))

	// Optional amounts default to zero when the node or attribute is absent.
	a.Set(models.FieldDiscount, amountOrZero(c.Descuento), 1.0)
	tax, withheld := "", ""
	if c.Impuestos != nil {
		tax, withheld = c.Impuestos.TotalImpuestosTrasladados, c.Impuestos.TotalImpuestosRetenidos
	}
	a.Set(models.FieldTax, amountOrZero(tax), 1.0)
	a.Set(models.FieldWithheldTax, amountOrZero(withheld), 1.0)

	for _, con := range c.Conceptos {
		a.LineItems = append(a.LineItems, lineItem(con))
	}
	if len(a.LineItems) > 0 {
		a.Set(models.FieldLineItems, strconv.Itoa(len(a.LineItems)), 1.0)
	}

	return a, nil
}

// setPresent records v at full confidence, or a zero-confidence placeholder
// for required fields. Absent optional fields are left out.
func setPresent(a *models.ExtractionAttempt, key models.FieldKey, v string) {
	v = strings.TrimSpace(v)
	switch {
	case v != "":
		a.Set(key, v, 1.0)
	case key.IsRequired():
		a.Set(key, "", 0.0)
	}
}

func collectAux(a *models.ExtractionAttempt, prefix string, attrs []xml.Attr) {
	for _, attr := range attrs {
		if attr.Name.Space == "xmlns" || attr.Name.Local == "xmlns" || attr.Name.Space == nsXMLSchemaInstance {
			continue
		}
		switch attr.Name.Local {
		// Cert and seal blobs are large and meaningless downstream.
		case "Sello", "Certificado", "SelloCFD", "SelloSAT":
			continue
		}
		a.Aux[prefix+attr.Name.Local] = attr.Value
	}
}

func normalizeAmount(s string) string {
	if d, ok := fiscal.ParseAmount(s); ok {
		return fiscal.FormatAmount(d)
	}
	return strings.TrimSpace(s)
}

func amountOrZero(s string) string {
	if strings.TrimSpace(s) == "" {
		return "0.00"
	}
	return normalizeAmount(s)
}

func normalizeDate(s string) string {
	if t, ok := fiscal.ParseDate(s); ok {
		return fiscal.FormatDate(t)
	}
	return strings.TrimSpace(s)
}

func lineItem(c cfdiConcepto) models.LineItem {
	item := models.LineItem{
		ProductCode: c.ClaveProdServ,
		Description: c.Descripcion,
	}
	item.Quantity, _ = fiscal.ParseAmount(c.Cantidad)
	item.UnitPrice, _ = fiscal.ParseAmount(c.ValorUnitario)
	item.Amount, _ = fiscal.ParseAmount(c.Importe)
	item.Discount, _ = fiscal.ParseAmount(c.Descuento)
	for _, t := range c.Traslados {
		if d, ok := fiscal.ParseAmount(t.Importe); ok {
			item.Tax = item.Tax.Add(d)
		}
	}
	return item
}
