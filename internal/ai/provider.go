// Package ai parses invoices with hosted language models. The cost-effective
// tier reads the document text; the agentic tier also sees the raw PDF.
package ai

import "context"

// Request is one completion call.
type Request struct {
	System   string
	Prompt   string
	Text     string // text layer or raw XML, may be empty
	Document []byte
	MIMEType string
}

// Provider returns the model's raw answer for a request.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}
