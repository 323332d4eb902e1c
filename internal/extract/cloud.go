package extract

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/resilience"
)

// CloudParseService parses a document remotely at the requested tier.
type CloudParseService interface {
	Parse(ctx context.Context, doc models.RawDocument, tier models.Tier) (*models.ExtractionAttempt, error)
}

// CloudExtractor bounds each service call with a timeout and retries
// transient failures (timeouts, 429, 5xx).
type CloudExtractor struct {
	service CloudParseService
	tier    models.Tier
	timeout time.Duration
	policy  resilience.Policy
}

// NewCloudExtractor returns a cloud tier backed by service.
func NewCloudExtractor(service CloudParseService, tier models.Tier, timeout time.Duration, policy resilience.Policy) *CloudExtractor {
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.LogRetry("cloud_parse", tier.String())
	}
	return &CloudExtractor{service: service, tier: tier, timeout: timeout, policy: policy}
}

func (c *CloudExtractor) Tier() models.Tier { return c.tier }

func (c *CloudExtractor) Extract(ctx context.Context, doc models.RawDocument) (*models.ExtractionAttempt, error) {
	attempt, err := resilience.DoVal(ctx, c.policy, func(ctx context.Context) (*models.ExtractionAttempt, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		a, err := c.service.Parse(callCtx, doc, c.tier)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, resilience.NewTransientError(err, 0)
		}
		return a, err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "extract: %s", c.tier)
	}
	if attempt == nil {
		return nil, eris.Errorf("extract: %s: empty response", c.tier)
	}

	attempt.Tier = c.tier
	if attempt.Fields == nil {
		attempt.Fields = make(map[models.FieldKey]models.Field)
	}
	for k, f := range attempt.Fields {
		f.Confidence = models.Clamp01(f.Confidence)
		attempt.Fields[k] = f
	}
	return attempt, nil
}
