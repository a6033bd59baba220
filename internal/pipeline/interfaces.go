package pipeline

import (
	"context"
	"time"
)

// CatalogRepository reads directory records. Implementations must not share
// mutable state across requests; the engine receives a repository per call.
type CatalogRepository interface {
	ListDirectories(ctx context.Context, criteria DiscoveryCriteria) ([]DirectoryRecord, error)
	GetDirectory(ctx context.Context, id string) (DirectoryRecord, error)
}

// FormProber fetches a directory's submission page and reports what it found:
// raw HTML, field count, and any CAPTCHA challenge blocking submission.
type FormProber interface {
	Probe(ctx context.Context, url string) (ProbeResult, error)
}

// FieldMapper turns raw submission-form markup into a FormFieldMapping.
type FieldMapper interface {
	MapForm(ctx context.Context, html string, opts MapOptions) (FormFieldMapping, error)
}

// MapOptions tunes a single mapping call.
type MapOptions struct {
	ConfidenceThreshold float64
	DisableAI           bool
}

// FieldSpec is the semantic description handed to the language model for
// fields the pattern pass could not resolve.
type FieldSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// FieldSuggestion is one structured suggestion parsed back from the model.
type FieldSuggestion struct {
	Field      string   `json:"field"`
	Selectors  []string `json:"selectors"`
	Confidence float64  `json:"confidence"`
}

// LanguageModelClient asks an external model to map DOM snippets to canonical
// fields. Callers must never block on it: errors and timeouts degrade to the
// pattern-only result.
type LanguageModelClient interface {
	AnalyzeFormSemantics(ctx context.Context, htmlSnippet string, fields []FieldSpec) ([]FieldSuggestion, error)
}

// CaptchaProvider is one external solving vendor.
type CaptchaProvider interface {
	Name() string
	Supports(t CaptchaType) bool
	Solve(ctx context.Context, challenge CaptchaChallenge) (ProviderSolution, error)
}

// ProviderSolution is a single provider's answer.
type ProviderSolution struct {
	Token   string
	Cost    float64
	Latency time.Duration
	Score   float64
}

// CaptchaSolver resolves a challenge by trying providers in priority order
// within a per-submission budget.
type CaptchaSolver interface {
	Solve(ctx context.Context, challenge CaptchaChallenge, budget SolveBudget) (CaptchaSolution, error)
	SupportsType(t CaptchaType) bool
}

// Submitter fills and posts a directory form from a frozen mapping and a
// profile snapshot.
type Submitter interface {
	Submit(ctx context.Context, task SubmissionTask, captchaToken string) (SubmitOutcome, error)
}

// TaskStore persists submission tasks and their append-only results.
type TaskStore interface {
	CreateTask(ctx context.Context, task SubmissionTask) error
	UpdateTask(ctx context.Context, taskID string, state TaskState, lastError string, attempts int) error
	GetTask(ctx context.Context, taskID string) (SubmissionTask, error)
	ListTasks(ctx context.Context, customerID string) ([]SubmissionTask, error)
	RecordResult(ctx context.Context, result SubmissionResult) error
	ListResults(ctx context.Context, customerID string) ([]SubmissionResult, error)
}

// ReceiptStore archives submission evidence blobs and returns a URI.
type ReceiptStore interface {
	PutReceipt(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events for the external billing/allocation
// counter.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for submission tasks.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// RetryPolicy decides retries for transient errors, applied uniformly by the
// queue processor.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Limiter throttles outbound submission attempts across all customers.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock. Timestamps are normalized to UTC so
// stored tasks and published events compare cleanly across hosts.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// IDGenerator produces task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
