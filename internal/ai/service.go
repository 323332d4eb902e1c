package ai

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/facturaIA/invoice-pipeline/internal/extract"
	"github.com/facturaIA/invoice-pipeline/internal/models"
)

const defaultMaxText = 24000

// Service parses documents with the provider registered for each cloud
// tier. It satisfies extract.CloudParseService.
type Service struct {
	providers map[models.Tier]Provider
	text      extract.TextSource
	maxText   int
}

// NewService returns a service that reads PDF text layers with text. A nil
// text source uses extract.PDFText.
func NewService(text extract.TextSource) *Service {
	if text == nil {
		text = extract.PDFText{MaxPages: 10}
	}
	return &Service{providers: make(map[models.Tier]Provider), text: text, maxText: defaultMaxText}
}

// Register binds provider to a cloud tier.
func (s *Service) Register(tier models.Tier, provider Provider) *Service {
	s.providers[tier] = provider
	return s
}

// Has reports whether tier has a provider.
func (s *Service) Has(tier models.Tier) bool {
	_, ok := s.providers[tier]
	return ok
}

func (s *Service) Parse(ctx context.Context, doc models.RawDocument, tier models.Tier) (*models.ExtractionAttempt, error) {
	provider, ok := s.providers[tier]
	if !ok {
		return nil, eris.Errorf("no provider for tier %s", tier)
	}

	req := Request{
		System:   systemPrompt,
		Prompt:   buildPrompt(tier),
		Document: doc.Content,
		Text:     s.documentText(ctx, doc),
	}
	switch doc.MediaType {
	case models.MediaPDF:
		req.MIMEType = "application/pdf"
	default:
		req.MIMEType = "application/xml"
	}

	start := time.Now()
	response, err := provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("cloud parse response",
		zap.String("provider", provider.Name()),
		zap.String("tier", tier.String()),
		zap.String("document_id", doc.ID),
		zap.Int("response_len", len(response)),
		zap.Duration("elapsed", time.Since(start)),
	)

	attempt, err := parseResponse(provider.Name(), response, tier)
	if err != nil {
		return nil, err
	}
	attempt.StartedAt = start.UTC()
	attempt.Duration = time.Since(start)
	return attempt, nil
}

func (s *Service) documentText(ctx context.Context, doc models.RawDocument) string {
	var text string
	switch doc.MediaType {
	case models.MediaPDF:
		t, err := s.text.Text(ctx, doc.Content)
		if err != nil {
			zap.L().Debug("no text layer", zap.String("document_id", doc.ID), zap.Error(err))
			return ""
		}
		text = t
	default:
		text = string(doc.Content)
	}
	text = strings.TrimSpace(text)
	if len(text) > s.maxText {
		text = strings.ToValidUTF8(text[:s.maxText], "")
	}
	return text
}
