package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/directorybolt/submitd/internal/captcha"
	"github.com/directorybolt/submitd/internal/catalog"
	"github.com/directorybolt/submitd/internal/config"
	"github.com/directorybolt/submitd/internal/discovery"
	"github.com/directorybolt/submitd/internal/dispatcher"
	"github.com/directorybolt/submitd/internal/mapper"
	"github.com/directorybolt/submitd/internal/pipeline"
	mempub "github.com/directorybolt/submitd/internal/publisher/memory"
	memqueue "github.com/directorybolt/submitd/internal/queue/memory"
	"github.com/directorybolt/submitd/internal/store"
	"github.com/directorybolt/submitd/internal/worker"
)

type fakeProber struct {
	result pipeline.ProbeResult
	err    error
}

func (p *fakeProber) Probe(_ context.Context, url string) (pipeline.ProbeResult, error) {
	if p.err != nil {
		return pipeline.ProbeResult{}, p.err
	}
	res := p.result
	res.URL = url
	return res, nil
}

type fakeCaptchaProvider struct{}

func (fakeCaptchaProvider) Name() string { return "fake" }

func (fakeCaptchaProvider) Supports(pipeline.CaptchaType) bool { return true }
func (fakeCaptchaProvider) Solve(_ context.Context, _ pipeline.CaptchaChallenge) (pipeline.ProviderSolution, error) {
	return pipeline.ProviderSolution{Token: "tok-api", Cost: 0.002, Latency: 10 * time.Millisecond}, nil
}

type fakeSubmitter struct{}

func (fakeSubmitter) Submit(_ context.Context, _ pipeline.SubmissionTask, _ string) (pipeline.SubmitOutcome, error) {
	return pipeline.SubmitOutcome{
		FieldsCompleted: 3,
		StatusCode:      200,
		ResponseHTML:    []byte("<html>thank you</html>"),
	}, nil
}

type fakeIDGen struct{ next int }

func (g *fakeIDGen) NewID() (string, error) {
	g.next++
	return "task-" + strconv.Itoa(g.next), nil
}

const analyzableForm = `
<form action="/submit" method="post">
  <input type="text" name="business_name" placeholder="Business Name">
  <input type="email" name="email" placeholder="Email">
  <input type="tel" name="phone" placeholder="Phone">
  <input type="text" name="address" placeholder="Street Address">
  <input type="text" name="city" placeholder="City">
</form>`

func newTestServer(t *testing.T) (*Server, *store.MemoryStore, *worker.PauseRegistry) {
	t.Helper()

	repo := catalog.NewMemoryRepository()
	repo.Put(pipeline.DirectoryRecord{
		ID:              "dir-1",
		Name:            "General Business Index",
		URL:             "https://general.example.com",
		SubmissionURL:   "https://general.example.com/add",
		Category:        "general-directory",
		DomainAuthority: 60,
		DiscoveryMethod: pipeline.DiscoveryCatalog,
	})
	repo.Put(pipeline.DirectoryRecord{
		ID:              "dir-2",
		Name:            "SaaS Hub",
		URL:             "https://saashub.example.com",
		SubmissionURL:   "https://saashub.example.com/submit",
		Category:        "saas",
		DomainAuthority: 72,
		DiscoveryMethod: pipeline.DiscoveryCatalog,
	})

	cfg := config.Config{}
	cfg.Server.TimeoutSeconds = 5
	cfg.Discovery.MaxResultsDefault = 25
	cfg.Discovery.Weights = config.RankingWeights{
		DomainAuthority:   0.35,
		TrafficPotential:  0.20,
		CategoryMatch:     0.25,
		SuccessRate:       0.20,
		ComplexityPenalty: 0.15,
	}
	cfg.Mapper.ConfidenceThreshold = 0.5
	cfg.Captcha.BudgetUSD = 0.05
	cfg.Captcha.BudgetSeconds = 30

	taskStore := store.NewMemoryStore()
	queue := memqueue.NewQueue(16)
	pauses := worker.NewPauseRegistry()
	prober := &fakeProber{result: pipeline.ProbeResult{
		StatusCode: 200,
		HTML:       analyzableForm,
		FieldCount: 5,
	}}
	fm := mapper.New(nil, cfg.Mapper.ConfidenceThreshold, zap.NewNop())
	solver := captcha.NewSolver([]pipeline.CaptchaProvider{fakeCaptchaProvider{}})

	w := worker.New(
		queue,
		taskStore,
		nil,
		mempub.New(),
		prober,
		fm,
		solver,
		fakeSubmitter{},
		nil,
		pipeline.NewExponentialRetryPolicy(1, time.Millisecond, time.Millisecond),
		pauses,
		pipeline.SystemClock{},
		worker.Config{},
		zap.NewNop(),
	)

	srv := NewServer(Deps{
		Store:      taskStore,
		Catalog:    repo,
		Engine:     discovery.NewEngine(repo, cfg.Discovery),
		Mapper:     fm,
		Solver:     solver,
		Prober:     prober,
		Dispatcher: dispatcher.New(queue, w, 1),
		Worker:     w,
		Pauses:     pauses,
		IDGen:      &fakeIDGen{},
		Clock:      pipeline.SystemClock{},
		Logger:     zap.NewNop(),
	}, cfg)
	return srv, taskStore, pauses
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Discover(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/discover", map[string]any{
		"industry": "saas",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Directories []pipeline.DirectoryRecord `json:"directories"`
		Stats       pipeline.DiscoveryStats    `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Directories, 2)
	require.Equal(t, 2, resp.Stats.CatalogMatches)
	// Exact category match outranks the general directory.
	require.Equal(t, "dir-2", resp.Directories[0].ID)
}

func TestServer_DiscoverRequiresIndustry(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/discover", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_AnalyzeFormFromHTML(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/forms/analyze", map[string]any{
		"html": analyzableForm,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Mapping pipeline.FormFieldMapping `json:"mapping"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.Mapping.Fields, pipeline.FieldBusinessName)
	require.Contains(t, resp.Mapping.Fields, pipeline.FieldEmail)
	require.Greater(t, resp.Mapping.Confidence, 0.0)
}

func TestServer_AnalyzeFormRequiresInput(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/forms/analyze", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SolveCaptcha(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/captcha/solve", map[string]any{
		"type":     "recaptcha_v2",
		"site_key": "key-1",
		"page_url": "https://general.example.com/add",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Solution pipeline.CaptchaSolution `json:"solution"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "tok-api", resp.Solution.Token)
}

func TestServer_EnqueueSubmissions(t *testing.T) {
	srv, taskStore, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/submissions", map[string]any{
		"customer_id":   "cust-1",
		"directory_ids": []string{"dir-1", "dir-2"},
		"profile":       map[string]any{"businessName": "Acme", "email": "a@acme.example"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Accepted int                 `json:"accepted"`
		Items    []enqueueItemResult `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Accepted)

	tasks, err := taskStore.ListTasks(context.Background(), "cust-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, pipeline.TaskStatePending, tasks[0].State)
}

func TestServer_EnqueueSubmissionsDuplicatePair(t *testing.T) {
	srv, _, _ := newTestServer(t)
	body := map[string]any{
		"customer_id":   "cust-1",
		"directory_ids": []string{"dir-1"},
	}
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/submissions", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/submissions", body)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_EnqueueSubmissionsUnknownDirectory(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/submissions", map[string]any{
		"customer_id":   "cust-1",
		"directory_ids": []string{"missing"},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_GetSubmissionNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/submissions/unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_PauseAndResumeCustomer(t *testing.T) {
	srv, _, pauses := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/customers/cust-9/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, pauses.Paused("cust-9"))

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/customers/cust-9/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, pauses.Paused("cust-9"))
}

func TestServer_ProcessDirectoryInline(t *testing.T) {
	srv, taskStore, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/directories/process", map[string]any{
		"customer_id":  "cust-1",
		"directory_id": "dir-1",
		"profile":      map[string]any{"businessName": "Acme", "email": "a@acme.example"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Task   pipeline.SubmissionTask   `json:"task"`
		Result pipeline.SubmissionResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, pipeline.TaskStateCompleted, resp.Task.State)
	require.True(t, resp.Result.Success)

	results, err := taskStore.ListResults(context.Background(), "cust-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestServer_APIKeyRequired(t *testing.T) {
	repo := catalog.NewMemoryRepository()
	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"
	authed := NewServer(Deps{
		Store:   store.NewMemoryStore(),
		Catalog: repo,
		Engine:  discovery.NewEngine(repo, cfg.Discovery),
		Pauses:  worker.NewPauseRegistry(),
		IDGen:   &fakeIDGen{},
		Clock:   pipeline.SystemClock{},
		Logger:  zap.NewNop(),
	}, cfg)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	authed.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	authed.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
