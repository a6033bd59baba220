// Package discovery finds and ranks directories worth submitting a business
// to, merging the curated catalog with optional dynamic search scraping.
package discovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/directorybolt/submitd/internal/config"
	"github.com/directorybolt/submitd/internal/pipeline"
)

// Searcher finds candidate directories outside the catalog. Satisfied by
// SearchScraper.
type Searcher interface {
	Search(ctx context.Context, criteria pipeline.DiscoveryCriteria) ([]pipeline.DirectoryRecord, error)
}

// Engine merges catalog and dynamic sources, dedupes by normalized domain,
// and ranks by the configured weights.
type Engine struct {
	catalog  pipeline.CatalogRepository
	searcher Searcher
	prober   pipeline.FormProber
	cfg      config.DiscoveryConfig
	logger   *zap.Logger
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithSearcher enables dynamic discovery.
func WithSearcher(s Searcher) EngineOption {
	return func(e *Engine) { e.searcher = s }
}

// WithProber enables accessibility probing of dynamic candidates, filling
// form-field counts and captcha hints that feed the complexity penalty.
func WithProber(p pipeline.FormProber) EngineOption {
	return func(e *Engine) { e.prober = p }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds an Engine over the catalog.
func NewEngine(catalog pipeline.CatalogRepository, cfg config.DiscoveryConfig, opts ...EngineOption) *Engine {
	e := &Engine{
		catalog: catalog,
		cfg:     cfg,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Discover returns directories ordered most valuable first. A failing source
// degrades to partial results; only when every source fails does the error
// come back non-nil, alongside an empty list.
func (e *Engine) Discover(ctx context.Context, criteria pipeline.DiscoveryCriteria) ([]pipeline.DirectoryRecord, pipeline.DiscoveryStats, error) {
	start := time.Now()
	stats := pipeline.DiscoveryStats{}

	if criteria.MinDomainAuthority == 0 {
		criteria.MinDomainAuthority = e.cfg.MinDomainAuthority
	}
	if criteria.MaxResults <= 0 {
		criteria.MaxResults = e.cfg.MaxResultsDefault
	}

	var merged []pipeline.DirectoryRecord
	var sourceErrs []error

	catalogRecords, err := e.catalog.ListDirectories(ctx, criteria)
	if err != nil {
		e.logger.Warn("catalog source unavailable", zap.Error(err))
		sourceErrs = append(sourceErrs, err)
	} else {
		stats.CatalogMatches = len(catalogRecords)
		merged = append(merged, catalogRecords...)
	}

	if e.cfg.DynamicEnabled && e.searcher != nil {
		dynamic, err := e.searcher.Search(ctx, criteria)
		if err != nil {
			e.logger.Warn("dynamic source unavailable", zap.Error(err))
			sourceErrs = append(sourceErrs, err)
		} else {
			stats.DynamicMatches = len(dynamic)
			merged = append(merged, e.probeCandidates(ctx, dynamic)...)
		}
	}

	sourcesTried := 1
	if e.cfg.DynamicEnabled && e.searcher != nil {
		sourcesTried = 2
	}
	if len(sourceErrs) == sourcesTried {
		stats.DurationMs = time.Since(start).Milliseconds()
		return nil, stats, &pipeline.DiscoveryError{Source: "all", Err: sourceErrs[0]}
	}

	deduped := dedupe(merged)
	stats.Deduplicated = len(merged) - len(deduped)

	ranked := rank(deduped, criteria, e.cfg.Weights)
	if len(ranked) > criteria.MaxResults {
		ranked = ranked[:criteria.MaxResults]
	}

	stats.DurationMs = time.Since(start).Milliseconds()
	return ranked, stats, nil
}

// dedupe keeps the first record per normalized domain. Catalog records come
// first in the merged slice, so they win over dynamic duplicates.
func dedupe(records []pipeline.DirectoryRecord) []pipeline.DirectoryRecord {
	seen := map[string]bool{}
	out := make([]pipeline.DirectoryRecord, 0, len(records))
	for _, r := range records {
		domain := pipeline.NormalizeDomain(r.URL)
		if domain == "" {
			domain = pipeline.NormalizeDomain(r.SubmissionURL)
		}
		if domain != "" && seen[domain] {
			continue
		}
		seen[domain] = true
		out = append(out, r)
	}
	return out
}

// probeCandidates fills field counts and captcha hints for dynamic records
// when probing is enabled. Probe failures leave the candidate in place with
// zero-valued hints rather than dropping it.
func (e *Engine) probeCandidates(ctx context.Context, records []pipeline.DirectoryRecord) []pipeline.DirectoryRecord {
	if !e.cfg.ProbeCandidates || e.prober == nil {
		return records
	}
	for i := range records {
		result, err := e.prober.Probe(ctx, records[i].SubmissionURL)
		if err != nil {
			e.logger.Debug("candidate probe failed",
				zap.String("url", records[i].SubmissionURL),
				zap.Error(err))
			continue
		}
		records[i].FormFieldCount = result.FieldCount
		records[i].RequiresLogin = records[i].RequiresLogin || result.RequiresLogin
		if result.Challenge != nil {
			records[i].HasCaptcha = true
			records[i].CaptchaType = result.Challenge.Type
		}
	}
	return records
}
