package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/directorybolt/submitd/internal/config"
	"github.com/directorybolt/submitd/internal/pipeline"
)

type fakeCatalog struct {
	records []pipeline.DirectoryRecord
	err     error
}

func (f *fakeCatalog) ListDirectories(ctx context.Context, criteria pipeline.DiscoveryCriteria) ([]pipeline.DirectoryRecord, error) {
	return f.records, f.err
}

func (f *fakeCatalog) GetDirectory(ctx context.Context, id string) (pipeline.DirectoryRecord, error) {
	for _, r := range f.records {
		if r.ID == id {
			return r, nil
		}
	}
	return pipeline.DirectoryRecord{}, errors.New("not found")
}

type fakeSearcher struct {
	records []pipeline.DirectoryRecord
	err     error
	calls   int
}

func (f *fakeSearcher) Search(ctx context.Context, criteria pipeline.DiscoveryCriteria) ([]pipeline.DirectoryRecord, error) {
	f.calls++
	return f.records, f.err
}

func defaultWeights() config.RankingWeights {
	return config.RankingWeights{
		DomainAuthority:   0.35,
		TrafficPotential:  0.20,
		CategoryMatch:     0.25,
		SuccessRate:       0.20,
		ComplexityPenalty: 0.15,
	}
}

func engineConfig() config.DiscoveryConfig {
	return config.DiscoveryConfig{
		MaxResultsDefault:  50,
		MinDomainAuthority: 20,
		Weights:            defaultWeights(),
	}
}

func TestDiscoverRanksHighAuthorityFirst(t *testing.T) {
	catalog := &fakeCatalog{records: []pipeline.DirectoryRecord{
		{ID: "low", URL: "https://low.example.com", Category: "saas", DomainAuthority: 30, TrafficPotential: 1000},
		{ID: "high", URL: "https://high.example.com", Category: "saas", DomainAuthority: 90, TrafficPotential: 50000},
	}}
	engine := NewEngine(catalog, engineConfig())

	records, stats, err := engine.Discover(context.Background(), pipeline.DiscoveryCriteria{Industry: "saas"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "high", records[0].ID)
	require.Equal(t, 2, stats.CatalogMatches)
}

func TestDiscoverComplexityPenaltyDemotes(t *testing.T) {
	// Same authority, but one sits behind a login wall with a huge form.
	catalog := &fakeCatalog{records: []pipeline.DirectoryRecord{
		{ID: "hard", URL: "https://hard.example.com", Category: "saas", DomainAuthority: 60, FormFieldCount: 30, RequiresLogin: true, HasCaptcha: true, AntiBotLevel: 5},
		{ID: "easy", URL: "https://easy.example.com", Category: "saas", DomainAuthority: 60, FormFieldCount: 5},
	}}
	engine := NewEngine(catalog, engineConfig())

	records, _, err := engine.Discover(context.Background(), pipeline.DiscoveryCriteria{Industry: "saas"})
	require.NoError(t, err)
	require.Equal(t, "easy", records[0].ID)
}

func TestDiscoverDedupesByNormalizedDomain(t *testing.T) {
	catalog := &fakeCatalog{records: []pipeline.DirectoryRecord{
		{ID: "cat-1", URL: "https://www.dir.example.com/", Category: "saas", DomainAuthority: 70},
	}}
	searcher := &fakeSearcher{records: []pipeline.DirectoryRecord{
		{ID: "dyn-1", URL: "http://dir.example.com", Category: "general-directory", DiscoveryMethod: pipeline.DiscoveryDynamic},
		{ID: "dyn-2", URL: "https://other.example.com", Category: "general-directory", DiscoveryMethod: pipeline.DiscoveryDynamic},
	}}
	cfg := engineConfig()
	cfg.DynamicEnabled = true
	engine := NewEngine(catalog, cfg, WithSearcher(searcher))

	records, stats, err := engine.Discover(context.Background(), pipeline.DiscoveryCriteria{Industry: "saas"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, 1, stats.Deduplicated)

	// The catalog record wins the duplicate domain.
	ids := []string{records[0].ID, records[1].ID}
	require.Contains(t, ids, "cat-1")
	require.NotContains(t, ids, "dyn-1")
}

func TestDiscoverDegradesToDynamicOnly(t *testing.T) {
	catalog := &fakeCatalog{err: errors.New("connection refused")}
	searcher := &fakeSearcher{records: []pipeline.DirectoryRecord{
		{ID: "dyn-1", URL: "https://dir.example.com", DiscoveryMethod: pipeline.DiscoveryDynamic},
	}}
	cfg := engineConfig()
	cfg.DynamicEnabled = true
	engine := NewEngine(catalog, cfg, WithSearcher(searcher))

	records, _, err := engine.Discover(context.Background(), pipeline.DiscoveryCriteria{Industry: "saas"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "dyn-1", records[0].ID)
}

func TestDiscoverAllSourcesFailed(t *testing.T) {
	catalog := &fakeCatalog{err: errors.New("connection refused")}
	searcher := &fakeSearcher{err: errors.New("search down")}
	cfg := engineConfig()
	cfg.DynamicEnabled = true
	engine := NewEngine(catalog, cfg, WithSearcher(searcher))

	records, _, err := engine.Discover(context.Background(), pipeline.DiscoveryCriteria{Industry: "saas"})
	require.Empty(t, records)

	var dErr *pipeline.DiscoveryError
	require.ErrorAs(t, err, &dErr)
}

func TestDiscoverCatalogOnlyFailure(t *testing.T) {
	catalog := &fakeCatalog{err: errors.New("connection refused")}
	engine := NewEngine(catalog, engineConfig())

	records, _, err := engine.Discover(context.Background(), pipeline.DiscoveryCriteria{Industry: "saas"})
	require.Empty(t, records)

	var dErr *pipeline.DiscoveryError
	require.ErrorAs(t, err, &dErr)
}

func TestDiscoverTruncatesToMaxResults(t *testing.T) {
	var records []pipeline.DirectoryRecord
	for i := 0; i < 10; i++ {
		records = append(records, pipeline.DirectoryRecord{
			ID:              string(rune('a' + i)),
			URL:             "https://dir-" + string(rune('a'+i)) + ".example.com",
			Category:        "saas",
			DomainAuthority: 30 + i*5,
		})
	}
	catalog := &fakeCatalog{records: records}
	engine := NewEngine(catalog, engineConfig())

	out, _, err := engine.Discover(context.Background(), pipeline.DiscoveryCriteria{Industry: "saas", MaxResults: 3})
	require.NoError(t, err)
	require.Len(t, out, 3)
	// highest authority first
	require.Equal(t, "j", out[0].ID)
}

func TestDiscoverSkipsSearcherWhenDisabled(t *testing.T) {
	catalog := &fakeCatalog{records: []pipeline.DirectoryRecord{
		{ID: "cat-1", URL: "https://dir.example.com", Category: "saas", DomainAuthority: 50},
	}}
	searcher := &fakeSearcher{}
	engine := NewEngine(catalog, engineConfig(), WithSearcher(searcher))

	_, _, err := engine.Discover(context.Background(), pipeline.DiscoveryCriteria{Industry: "saas"})
	require.NoError(t, err)
	require.Zero(t, searcher.calls)
}

type fakeProber struct {
	results map[string]pipeline.ProbeResult
	err     error
}

func (f *fakeProber) Probe(ctx context.Context, url string) (pipeline.ProbeResult, error) {
	if f.err != nil {
		return pipeline.ProbeResult{}, f.err
	}
	return f.results[url], nil
}

func TestDiscoverProbesDynamicCandidates(t *testing.T) {
	catalog := &fakeCatalog{}
	searcher := &fakeSearcher{records: []pipeline.DirectoryRecord{
		{ID: "dyn-1", URL: "https://dir.example.com", SubmissionURL: "https://dir.example.com/add", DiscoveryMethod: pipeline.DiscoveryDynamic},
	}}
	prober := &fakeProber{results: map[string]pipeline.ProbeResult{
		"https://dir.example.com/add": {
			FieldCount: 8,
			Challenge:  &pipeline.CaptchaChallenge{Type: pipeline.CaptchaRecaptchaV2},
		},
	}}
	cfg := engineConfig()
	cfg.DynamicEnabled = true
	cfg.ProbeCandidates = true
	engine := NewEngine(catalog, cfg, WithSearcher(searcher), WithProber(prober))

	records, _, err := engine.Discover(context.Background(), pipeline.DiscoveryCriteria{Industry: "saas"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 8, records[0].FormFieldCount)
	require.True(t, records[0].HasCaptcha)
	require.Equal(t, pipeline.CaptchaRecaptchaV2, records[0].CaptchaType)
}
