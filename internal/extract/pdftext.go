package extract

import (
	"bytes"
	"context"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
)

// TextSource returns the text layer of a document.
type TextSource interface {
	Text(ctx context.Context, content []byte) (string, error)
}

// PDFText reads the embedded text layer with ledongthuc/pdf. Scanned pages
// without a text layer yield an empty string, not an error.
type PDFText struct {
	MaxPages int
}

func (p PDFText) Text(ctx context.Context, content []byte) (text string, err error) {
	// The reader panics on some corrupt xref tables.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", eris.Errorf("pdf reader: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", eris.Wrap(err, "open pdf")
	}

	pages := reader.NumPage()
	if p.MaxPages > 0 && pages > p.MaxPages {
		pages = p.MaxPages
	}

	var b strings.Builder
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(pageText)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), nil
}
