// Package remote classifies texts by calling an HTTP inference service.
package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/threadscan/internal/crawler"
)

// Config controls the inference client.
type Config struct {
	Endpoint string
	Timeout  time.Duration
	APIKey   string
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Label      *int     `json:"label"`
	Confidence *float64 `json:"confidence"`
}

// Client implements crawler.Classifier against POST <endpoint>/classify.
type Client struct {
	http *resty.Client
}

// New builds a Client.
func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		return nil, fmt.Errorf("classifier endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))
		return nil
	})
	return &Client{http: client}, nil
}

// Classify returns the label and confidence for text. Empty text is rejected
// without a request.
func (c *Client) Classify(ctx context.Context, text string) (crawler.Prediction, error) {
	if text == "" {
		return crawler.Prediction{}, crawler.ErrEmptyText
	}
	var out classifyResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(classifyRequest{Text: text}).
		SetResult(&out).
		Post("/classify")
	if err != nil {
		return crawler.Prediction{}, fmt.Errorf("classify request: %w", err)
	}
	if res.IsError() {
		return crawler.Prediction{}, fmt.Errorf("classify request: status %d", res.StatusCode())
	}
	if out.Label == nil || out.Confidence == nil {
		return crawler.Prediction{}, fmt.Errorf("classify response missing label or confidence")
	}
	if *out.Confidence < 0 || *out.Confidence > 1 {
		return crawler.Prediction{}, fmt.Errorf("classify response confidence %v outside [0,1]", *out.Confidence)
	}
	return crawler.Prediction{Label: *out.Label, Confidence: *out.Confidence}, nil
}
