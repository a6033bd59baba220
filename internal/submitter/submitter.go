// Package submitter fills and posts directory submission forms from a frozen
// field mapping and a customer's business profile.
package submitter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/directorybolt/submitd/internal/pipeline"
)

// Config controls submission behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Submitter implements pipeline.Submitter over plain HTTP form posts.
type Submitter struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// Option customizes a Submitter.
type Option func(*Submitter)

// WithHTTPClient swaps the HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Submitter) { s.client = c }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Submitter) { s.logger = l }
}

// New builds a Submitter.
func New(cfg Config, opts ...Option) *Submitter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &Submitter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit loads the submission page, resolves the frozen mapping's selectors
// against the live form, fills profile values, and posts. The response HTML
// decides success or rejection.
func (s *Submitter) Submit(ctx context.Context, task pipeline.SubmissionTask, captchaToken string) (pipeline.SubmitOutcome, error) {
	start := time.Now()
	if task.Mapping == nil || task.Mapping.Unmappable() {
		return pipeline.SubmitOutcome{}, &pipeline.SubmissionError{
			Code: pipeline.CodeValidation,
			Err:  fmt.Errorf("task %s has no usable mapping", task.ID),
		}
	}

	pageURL := task.Directory.SubmissionURL
	doc, err := s.fetchPage(ctx, pageURL)
	if err != nil {
		return pipeline.SubmitOutcome{}, err
	}

	form, err := resolveForm(doc, pageURL, *task.Mapping)
	if err != nil {
		return pipeline.SubmitOutcome{}, err
	}

	values, filled := fillValues(form, task.Profile)
	if filled == 0 {
		return pipeline.SubmitOutcome{}, &pipeline.SubmissionError{
			Code: pipeline.CodeValidation,
			Err:  fmt.Errorf("no mapped field resolved on %s", pageURL),
		}
	}
	if captchaToken != "" {
		values.Set("g-recaptcha-response", captchaToken)
		values.Set("h-captcha-response", captchaToken)
	}

	statusCode, responseHTML, err := s.post(ctx, form.Action, form.Method, values, pageURL)
	if err != nil {
		return pipeline.SubmitOutcome{}, err
	}

	outcome := pipeline.SubmitOutcome{
		FieldsCompleted: filled,
		StatusCode:      statusCode,
		ResponseHTML:    responseHTML,
		Duration:        time.Since(start),
	}

	if statusCode >= 500 {
		return pipeline.SubmitOutcome{}, &pipeline.SubmissionError{
			Code:       pipeline.CodeNetwork,
			StatusCode: statusCode,
			Err:        fmt.Errorf("submission endpoint returned %d", statusCode),
		}
	}
	if statusCode >= 400 {
		return pipeline.SubmitOutcome{}, &pipeline.SubmissionError{
			Code:       pipeline.CodeSiteRejected,
			StatusCode: statusCode,
			Err:        fmt.Errorf("submission endpoint returned %d", statusCode),
		}
	}

	verdict, detail := classifyResponse(responseHTML)
	switch verdict {
	case verdictRejected:
		return pipeline.SubmitOutcome{}, &pipeline.SubmissionError{
			Code:       pipeline.CodeSiteRejected,
			StatusCode: statusCode,
			Err:        fmt.Errorf("site rejected submission: %s", detail),
		}
	default:
		// Absent any explicit indicator a 2xx response counts as accepted.
		s.logger.Debug("submission accepted",
			zap.String("task", task.ID),
			zap.String("directory", task.DirectoryID),
			zap.Int("fields", filled))
		return outcome, nil
	}
}

func (s *Submitter) fetchPage(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &pipeline.SubmissionError{Code: pipeline.CodeValidation, Err: err}
	}
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &pipeline.SubmissionError{Code: pipeline.CodeNetwork, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &pipeline.SubmissionError{
			Code:       pipeline.CodeNetwork,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("fetch %s returned %d", pageURL, resp.StatusCode),
		}
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &pipeline.SubmissionError{Code: pipeline.CodeValidation, Err: err}
	}
	return doc, nil
}

func (s *Submitter) post(ctx context.Context, action, method string, values url.Values, referer string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, action, strings.NewReader(values.Encode()))
	if err != nil {
		return 0, nil, &pipeline.SubmissionError{Code: pipeline.CodeValidation, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", referer)
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, &pipeline.SubmissionError{Code: pipeline.CodeNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, &pipeline.SubmissionError{Code: pipeline.CodeNetwork, Err: err}
	}
	return resp.StatusCode, body, nil
}
