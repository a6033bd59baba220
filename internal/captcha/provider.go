// Package captcha resolves anti-automation challenges through external
// solving vendors with priority-ordered fallback.
package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/directorybolt/submitd/internal/pipeline"
)

// The three supported vendors expose the same createTask/getTaskResult API
// shape, so one adapter parameterized per vendor covers them all.
type vendorSpec struct {
	name     string
	baseURL  string
	taskType map[pipeline.CaptchaType]string
}

var (
	twoCaptchaSpec = vendorSpec{
		name:    "twocaptcha",
		baseURL: "https://api.2captcha.com",
		taskType: map[pipeline.CaptchaType]string{
			pipeline.CaptchaRecaptchaV2: "RecaptchaV2TaskProxyless",
			pipeline.CaptchaRecaptchaV3: "RecaptchaV3TaskProxyless",
			pipeline.CaptchaHCaptcha:    "HCaptchaTaskProxyless",
		},
	}
	antiCaptchaSpec = vendorSpec{
		name:    "anticaptcha",
		baseURL: "https://api.anti-captcha.com",
		taskType: map[pipeline.CaptchaType]string{
			pipeline.CaptchaRecaptchaV2: "RecaptchaV2TaskProxyless",
			pipeline.CaptchaRecaptchaV3: "RecaptchaV3TaskProxyless",
			pipeline.CaptchaHCaptcha:    "HCaptchaTaskProxyless",
		},
	}
	capSolverSpec = vendorSpec{
		name:    "capsolver",
		baseURL: "https://api.capsolver.com",
		taskType: map[pipeline.CaptchaType]string{
			pipeline.CaptchaRecaptchaV2: "ReCaptchaV2TaskProxyLess",
			pipeline.CaptchaRecaptchaV3: "ReCaptchaV3TaskProxyLess",
			pipeline.CaptchaHCaptcha:    "HCaptchaTaskProxyLess",
		},
	}
)

// Provider is one solving vendor speaking the createTask/getTaskResult
// protocol.
type Provider struct {
	spec         vendorSpec
	apiKey       string
	costPerSolve float64
	pollInterval time.Duration
	client       *http.Client
}

// Option customizes a Provider.
type Option func(*Provider)

// WithBaseURL points the provider at a different endpoint (tests).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.spec.baseURL = u }
}

// WithPollInterval sets the result polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) { p.pollInterval = d }
}

// WithHTTPClient swaps the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// NewTwoCaptcha creates a 2Captcha provider.
func NewTwoCaptcha(apiKey string, costPerSolve float64, opts ...Option) *Provider {
	return newProvider(twoCaptchaSpec, apiKey, costPerSolve, opts...)
}

// NewAntiCaptcha creates an Anti-Captcha provider.
func NewAntiCaptcha(apiKey string, costPerSolve float64, opts ...Option) *Provider {
	return newProvider(antiCaptchaSpec, apiKey, costPerSolve, opts...)
}

// NewCapSolver creates a CapSolver provider.
func NewCapSolver(apiKey string, costPerSolve float64, opts ...Option) *Provider {
	return newProvider(capSolverSpec, apiKey, costPerSolve, opts...)
}

func newProvider(spec vendorSpec, apiKey string, costPerSolve float64, opts ...Option) *Provider {
	p := &Provider{
		spec:         spec,
		apiKey:       apiKey,
		costPerSolve: costPerSolve,
		pollInterval: 5 * time.Second,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the vendor name used in results and metrics.
func (p *Provider) Name() string { return p.spec.name }

// Supports reports whether the vendor solves the given challenge type.
func (p *Provider) Supports(t pipeline.CaptchaType) bool {
	_, ok := p.spec.taskType[t]
	return ok
}

type createTaskRequest struct {
	ClientKey string         `json:"clientKey"`
	Task      map[string]any `json:"task"`
}

type createTaskResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           any    `json:"taskId"`
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    any    `json:"taskId"`
}

type taskResultResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorDescription string `json:"errorDescription"`
	Status           string `json:"status"`
	Cost             string `json:"cost"`
	Solution         struct {
		GRecaptchaResponse string  `json:"gRecaptchaResponse"`
		Token              string  `json:"token"`
		Score              float64 `json:"score"`
	} `json:"solution"`
}

// Solve submits the challenge to the vendor and polls until a token is ready
// or the context expires.
func (p *Provider) Solve(ctx context.Context, challenge pipeline.CaptchaChallenge) (pipeline.ProviderSolution, error) {
	taskType, ok := p.spec.taskType[challenge.Type]
	if !ok {
		return pipeline.ProviderSolution{}, fmt.Errorf("%s does not support %s", p.spec.name, challenge.Type)
	}

	start := time.Now()
	task := map[string]any{
		"type":       taskType,
		"websiteURL": challenge.PageURL,
		"websiteKey": challenge.SiteKey,
	}
	if challenge.Type == pipeline.CaptchaRecaptchaV3 && challenge.MinScore > 0 {
		task["minScore"] = challenge.MinScore
	}

	var created createTaskResponse
	if err := p.post(ctx, "/createTask", createTaskRequest{ClientKey: p.apiKey, Task: task}, &created); err != nil {
		return pipeline.ProviderSolution{}, err
	}
	if created.ErrorID != 0 {
		return pipeline.ProviderSolution{}, fmt.Errorf("%s createTask: %s", p.spec.name, created.ErrorDescription)
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return pipeline.ProviderSolution{}, fmt.Errorf("%s solve: %w", p.spec.name, ctx.Err())
		case <-ticker.C:
		}

		var result taskResultResponse
		if err := p.post(ctx, "/getTaskResult", taskResultRequest{ClientKey: p.apiKey, TaskID: created.TaskID}, &result); err != nil {
			return pipeline.ProviderSolution{}, err
		}
		if result.ErrorID != 0 {
			return pipeline.ProviderSolution{}, fmt.Errorf("%s getTaskResult: %s", p.spec.name, result.ErrorDescription)
		}
		if result.Status != "ready" {
			continue
		}

		token := result.Solution.GRecaptchaResponse
		if token == "" {
			token = result.Solution.Token
		}
		if token == "" {
			return pipeline.ProviderSolution{}, fmt.Errorf("%s returned empty token", p.spec.name)
		}
		cost := p.costPerSolve
		if result.Cost != "" {
			if parsed, err := strconv.ParseFloat(result.Cost, 64); err == nil {
				cost = parsed
			}
		}
		return pipeline.ProviderSolution{
			Token:   token,
			Cost:    cost,
			Latency: time.Since(start),
			Score:   result.Solution.Score,
		}, nil
	}
}

func (p *Provider) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.spec.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", p.spec.name, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s returned status %d", p.spec.name, path, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
