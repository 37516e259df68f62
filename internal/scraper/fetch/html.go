package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
)

// HTMLFetcher retrieves fallback HTML pages with a Colly collector.
type HTMLFetcher struct {
	cfg           HTMLFetcherConfig
	baseCollector *colly.Collector
}

// HTMLFetcherConfig controls collector behavior.
type HTMLFetcherConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// NewHTMLFetcher builds an HTMLFetcher.
func NewHTMLFetcher(cfg HTMLFetcherConfig) *HTMLFetcher {
	c := colly.NewCollector(colly.Async(false))
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	c.SetRequestTimeout(timeout)
	return &HTMLFetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single HTTP GET and returns the raw body.
func (f *HTMLFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	collector := f.baseCollector.Clone()

	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch %s canceled: %w", url, ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("visit %s: %w", url, err)
		}
	}

	if fetchErr != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, fetchErr)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, status)
	}
	return body, nil
}
