package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/directorybolt/submitd/internal/pipeline"
)

// Anchor text that marks a page as a listing-submission entry point.
var submitLinkPhrases = []string{
	"add business", "add your business", "submit listing", "submit your site",
	"add listing", "suggest a site", "add url", "submit site", "list your business",
}

// SearchScraper finds candidate directories by scraping configured search
// surfaces for submission links. Endpoints carry a %s placeholder for the
// query term.
type SearchScraper struct {
	endpoints []string
	userAgent string
	timeout   time.Duration
}

// NewSearchScraper builds a scraper over the given endpoints.
func NewSearchScraper(endpoints []string, userAgent string, timeout time.Duration) *SearchScraper {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SearchScraper{endpoints: endpoints, userAgent: userAgent, timeout: timeout}
}

// Search scrapes each endpoint and returns candidate records tagged
// discoveryMethod=dynamic. A candidate is any offsite link whose anchor text
// or href looks like a submission entry point.
func (s *SearchScraper) Search(ctx context.Context, criteria pipeline.DiscoveryCriteria) ([]pipeline.DirectoryRecord, error) {
	if len(s.endpoints) == 0 {
		return nil, &pipeline.DiscoveryError{Source: "dynamic", Err: fmt.Errorf("no search endpoints configured")}
	}

	query := strings.TrimSpace(criteria.Industry + " directory " + criteria.Location)
	seen := map[string]bool{}
	var records []pipeline.DirectoryRecord
	var lastErr error

	for _, endpoint := range s.endpoints {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		target := endpoint
		if strings.Contains(endpoint, "%s") {
			target = fmt.Sprintf(endpoint, url.QueryEscape(query))
		}
		found, err := s.scrape(ctx, target)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rec := range found {
			domain := pipeline.NormalizeDomain(rec.URL)
			if domain == "" || seen[domain] {
				continue
			}
			seen[domain] = true
			records = append(records, rec)
		}
	}

	if len(records) == 0 && lastErr != nil {
		return nil, &pipeline.DiscoveryError{Source: "dynamic", Err: lastErr}
	}
	return records, nil
}

func (s *SearchScraper) scrape(ctx context.Context, target string) ([]pipeline.DirectoryRecord, error) {
	collector := colly.NewCollector(colly.Async(false))
	if s.userAgent != "" {
		collector.UserAgent = s.userAgent
	}
	collector.IgnoreRobotsTxt = false
	collector.SetRequestTimeout(s.timeout)

	sourceHost := ""
	if parsed, err := url.Parse(target); err == nil {
		sourceHost = parsed.Hostname()
	}

	var records []pipeline.DirectoryRecord
	var scrapeErr error

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Request.AbsoluteURL(e.Attr("href"))
		if href == "" {
			return
		}
		parsed, err := url.Parse(href)
		if err != nil || parsed.Hostname() == "" || parsed.Hostname() == sourceHost {
			return
		}
		if !looksLikeSubmitLink(strings.ToLower(e.Text), strings.ToLower(href)) {
			return
		}
		records = append(records, pipeline.DirectoryRecord{
			ID:              "dyn-" + pipeline.NormalizeDomain(href),
			Name:            strings.TrimSpace(e.Text),
			URL:             (&url.URL{Scheme: parsed.Scheme, Host: parsed.Host}).String(),
			SubmissionURL:   href,
			Category:        "general-directory",
			DiscoveryMethod: pipeline.DiscoveryDynamic,
		})
	})
	collector.OnError(func(_ *colly.Response, err error) {
		scrapeErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("search scrape canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, err
		}
		if scrapeErr != nil {
			return nil, scrapeErr
		}
		return records, nil
	}
}

func looksLikeSubmitLink(text, href string) bool {
	for _, phrase := range submitLinkPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	for _, marker := range []string{"add-business", "submit-listing", "add-listing", "add-your-business", "submit-site"} {
		if strings.Contains(href, marker) {
			return true
		}
	}
	return false
}
