// Package fetch provides the protocol clients the scrapers are built
// on: a resty client for the structured XML endpoints, a colly fetcher
// for plain HTML fallback pages, and a chromedp renderer for fallback
// pages that only materialize under JavaScript.
package fetch

import (
	"context"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// XMLClient fetches and decodes the structured document endpoints.
type XMLClient struct {
	client *resty.Client
}

// XMLClientConfig controls the underlying resty client.
type XMLClientConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// NewXMLClient builds an XMLClient. Every request carries the explicit
// timeout; exceeding it surfaces as an ordinary retryable error.
func NewXMLClient(cfg XMLClientConfig) *XMLClient {
	client := resty.New()
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	client.SetHeader("Accept", "application/xml")
	return &XMLClient{client: client}
}

// Get fetches url and decodes the XML payload into out.
func (c *XMLClient) Get(ctx context.Context, url string, out any) error {
	resp, err := c.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("get %s: unexpected status %d", url, resp.StatusCode())
	}
	if err := xml.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
