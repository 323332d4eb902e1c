// Package blacklist looks up taxpayers in the SAT article 69-B lists
// (EFOS/EDOS) through an HTTP lookup service.
package blacklist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/resilience"
)

// Situations that take a taxpayer off the list.
var clearedSituations = map[string]bool{
	"DESVIRTUADO":         true,
	"SENTENCIA FAVORABLE": true,
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for lookups.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithRateLimit caps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// Client calls GET {base}/v1/blacklist/{rfc}.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient returns a lookup client for baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		limiter:    rate.NewLimiter(10, 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type lookupResponse struct {
	RFC       string `json:"rfc"`
	Status    string `json:"status"`
	Situation string `json:"situation"`
}

// Check returns the taxpayer's list status. An unlisted RFC (404) is NONE.
// Errors are classified so callers can retry transient ones.
func (c *Client) Check(ctx context.Context, rfc string) (models.BlacklistStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return models.BlacklistUnknown, eris.Wrap(err, "blacklist rate limiter")
	}

	endpoint := fmt.Sprintf("%s/v1/blacklist/%s", c.baseURL, url.PathEscape(rfc))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.BlacklistUnknown, eris.Wrap(err, "build blacklist request")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.BlacklistUnknown, eris.Wrap(err, "blacklist lookup")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.BlacklistNone, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := eris.Errorf("blacklist lookup: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return models.BlacklistUnknown, resilience.ClassifyStatus(err, resp.StatusCode)
	}

	var out lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.BlacklistUnknown, eris.Wrap(err, "decode blacklist response")
	}
	return statusFrom(out), nil
}

func statusFrom(r lookupResponse) models.BlacklistStatus {
	if clearedSituations[strings.ToUpper(strings.TrimSpace(r.Situation))] {
		return models.BlacklistNone
	}
	switch models.BlacklistStatus(strings.ToUpper(strings.TrimSpace(r.Status))) {
	case models.BlacklistEFOS:
		return models.BlacklistEFOS
	case models.BlacklistEDOS:
		return models.BlacklistEDOS
	case models.BlacklistNone, "":
		return models.BlacklistNone
	default:
		return models.BlacklistUnknown
	}
}
