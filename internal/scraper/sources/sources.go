// Package sources implements the concrete data-domain scrapers. Each
// source supplies only fetch, parse/map, validate, and persist; retry,
// fallback orchestration, and batch continuation live in the scraper
// package.
package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openparl/commons-tracker/internal/parliament"
	"github.com/openparl/commons-tracker/internal/scraper"
	"github.com/openparl/commons-tracker/internal/scraper/fetch"
)

// Clients bundles the protocol clients shared by all sources.
type Clients struct {
	XML      *fetch.XMLClient
	HTML     *fetch.HTMLFetcher
	Renderer *fetch.Renderer
	Detector *fetch.RenderDetector
}

// Endpoints holds the base URLs of the government data source.
type Endpoints struct {
	Commons   string
	Petitions string
	Bills     string
}

// fetchFallbackHTML retrieves a fallback page, promoting to the
// headless renderer when the plain body looks like an unrendered shell.
func (c Clients) fetchFallbackHTML(ctx context.Context, url string) ([]byte, error) {
	if c.HTML == nil {
		return nil, fmt.Errorf("no fallback fetcher configured")
	}
	body, err := c.HTML.Fetch(ctx, url)
	if err == nil && (c.Detector == nil || !c.Detector.NeedsRender(body)) {
		return body, nil
	}
	if c.Renderer == nil {
		if err != nil {
			return nil, err
		}
		return body, nil
	}
	rendered, renderErr := c.Renderer.Render(ctx, url)
	if renderErr != nil {
		if err != nil {
			return nil, fmt.Errorf("plain: %v; rendered: %w", err, renderErr)
		}
		// Unrendered shell is still better than nothing.
		return body, nil
	}
	return rendered, nil
}

// resolveMember maps an external activity record to a stored member:
// stable external person id first, exact full-name match second, and a
// skip outcome when neither resolves. Members are never fabricated.
func resolveMember(
	ctx context.Context,
	store parliament.MemberStore,
	externalID, fullName string,
) (parliament.Member, error) {
	if externalID != "" {
		m, err := store.GetMemberByExternalID(ctx, externalID)
		if err == nil {
			return m, nil
		}
		if !isNotFound(err) {
			return parliament.Member{}, fmt.Errorf("lookup member %s: %w", externalID, err)
		}
	}
	name := strings.TrimSpace(fullName)
	if name != "" {
		m, err := store.GetMemberByFullName(ctx, name)
		if err == nil {
			return m, nil
		}
		if !isNotFound(err) {
			return parliament.Member{}, fmt.Errorf("lookup member %q: %w", name, err)
		}
	}
	return parliament.Member{}, scraper.Skip(
		fmt.Sprintf("no member for external id %q / name %q", externalID, fullName))
}

func isNotFound(err error) bool {
	return errors.Is(err, parliament.ErrNotFound)
}

// parseDate reads the date layouts the source mixes freely.
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
		"2006/01/02",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func joinName(first, last string) string {
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}
