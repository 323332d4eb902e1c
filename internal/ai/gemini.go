package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rotisserie/eris"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/facturaIA/invoice-pipeline/internal/resilience"
)

// GeminiProvider calls Gemini with the document attached, so it can read
// scanned pages that have no text layer.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider opens a client. Call Close when done.
func NewGeminiProvider(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*GeminiProvider, error) {
	if model == "" {
		model = "gemini-1.5-pro"
	}
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create Gemini client")
	}
	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) Name() string { return "gemini:" + p.model }

func (p *GeminiProvider) Close() error { return p.client.Close() }

func (p *GeminiProvider) Complete(ctx context.Context, req Request) (string, error) {
	model := p.client.GenerativeModel(p.model)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	parts := []genai.Part{genai.Text(req.Prompt)}
	switch {
	case req.MIMEType == "application/pdf" && len(req.Document) > 0:
		parts = append(parts, genai.Blob{MIMEType: req.MIMEType, Data: req.Document})
	case strings.TrimSpace(req.Text) != "":
		parts = append(parts, genai.Text(req.Text))
	default:
		return "", ErrNoText
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", classifyGemini(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", eris.New("gemini: no candidates in response")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	if sb.Len() == 0 {
		return "", eris.Errorf("gemini: empty response (finish reason %v)", resp.Candidates[0].FinishReason)
	}
	return sb.String(), nil
}

func classifyGemini(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return resilience.ClassifyStatus(eris.Wrap(err, "gemini"), gerr.Code)
	}
	return eris.Wrap(err, "gemini")
}
