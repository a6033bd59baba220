package mapper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/directorybolt/submitd/internal/pipeline"
)

const (
	defaultLLMBaseURL = "https://api.openai.com/v1/chat/completions"
	defaultLLMModel   = "gpt-4o-mini"
	defaultLLMTimeout = 20 * time.Second
)

const analyzePrompt = `You map HTML form inputs to canonical business-profile fields.
Given form controls and a list of target fields, answer with a JSON array of
objects: {"field": name, "selectors": [css selectors, best first], "confidence": 0..1}.
Only include fields you can actually see a control for. No prose.`

// LLMClient implements pipeline.LanguageModelClient against an
// OpenAI-compatible chat completion endpoint.
type LLMClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// LLMOption customizes the client.
type LLMOption func(*LLMClient)

// WithBaseURL points the client at a different endpoint (tests, proxies).
func WithBaseURL(u string) LLMOption {
	return func(c *LLMClient) { c.baseURL = u }
}

// WithModel overrides the model name.
func WithModel(m string) LLMOption {
	return func(c *LLMClient) { c.model = m }
}

// WithTimeout sets the per-call HTTP timeout.
func WithTimeout(d time.Duration) LLMOption {
	return func(c *LLMClient) { c.client.Timeout = d }
}

// NewLLMClient creates a client for the given API key.
func NewLLMClient(apiKey string, opts ...LLMOption) *LLMClient {
	c := &LLMClient{
		baseURL: defaultLLMBaseURL,
		apiKey:  apiKey,
		model:   defaultLLMModel,
		client:  &http.Client{Timeout: defaultLLMTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// AnalyzeFormSemantics asks the model to map the snippet's controls to the
// given canonical fields.
func (c *LLMClient) AnalyzeFormSemantics(
	ctx context.Context,
	htmlSnippet string,
	fields []pipeline.FieldSpec,
) ([]pipeline.FieldSuggestion, error) {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal field descriptions: %w", err)
	}

	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: analyzePrompt},
			{Role: "user", Content: fmt.Sprintf("Target fields:\n%s\n\nForm controls:\n%s", fieldsJSON, htmlSnippet)},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr chatError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("chat API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("chat API returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}

	return parseSuggestions(parsed.Choices[0].Message.Content)
}

// parseSuggestions decodes the model's JSON answer, tolerating a markdown
// code fence around it.
func parseSuggestions(content string) ([]pipeline.FieldSuggestion, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var suggestions []pipeline.FieldSuggestion
	if err := json.Unmarshal([]byte(content), &suggestions); err != nil {
		return nil, fmt.Errorf("parse model suggestions: %w", err)
	}
	return suggestions, nil
}
