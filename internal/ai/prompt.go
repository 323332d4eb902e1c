package ai

import (
	"fmt"
	"strings"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

const systemPrompt = `Eres un EXPERTO en Comprobantes Fiscales Digitales por Internet (CFDI) de Mexico.
Extraes los datos fiscales de una factura y devuelves SOLO JSON valido, sin markdown ni comentarios.`

// buildPrompt lists the field set and the answer shape expected from the
// model. Every field carries its own confidence.
func buildPrompt(tier models.Tier) string {
	var keys strings.Builder
	for _, k := range models.FieldSet {
		if k == models.FieldLineItems {
			continue
		}
		fmt.Fprintf(&keys, "  - %s\n", k)
	}

	source := "el texto de la factura que sigue"
	if tier == models.TierCloudAgentic {
		source = "el documento adjunto (puede ser un escaneo sin capa de texto)"
	}

	return fmt.Sprintf(`Extrae los datos fiscales de %s.

## REGLA CRITICA EMISOR vs RECEPTOR:
- EMISOR = quien VENDE y emite el CFDI (membrete, "Emisor", "RFC Emisor")
- RECEPTOR = quien COMPRA ("Receptor", "Cliente", "Facturar a")
- NUNCA copies el RFC del emisor al receptor o viceversa

## FORMATOS:
- RFC: 12 caracteres persona moral, 13 persona fisica, en mayusculas, sin guiones ni espacios
- uuid: folio fiscal del TimbreFiscalDigital, 36 caracteres con guiones
- issue_date: YYYY-MM-DDTHH:MM:SS
- montos: numero sin signo de moneda ni separador de miles
- currency: codigo ISO 4217 (MXN, USD)

## CAMPOS:
%s
## RESPUESTA:
{
  "fields": {
    "issuer_tax_id": {"value": "EKU9003173C9", "confidence": 0.95},
    "total": {"value": 116.00, "confidence": 0.9}
  },
  "line_items": [{"product_code": "01010101", "description": "...", "quantity": 1, "unit_price": 100, "discount": 0, "tax": 16, "amount": 100}]
}

- confidence entre 0 y 1: que tan seguro estas del valor leido
- si un campo no aparece usa {"value": null, "confidence": 0}
- NO inventes valores`, source, keys.String())
}
