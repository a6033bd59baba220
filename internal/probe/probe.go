// Package probe fetches directory submission pages and reports what blocks
// an automated submission: CAPTCHA widgets, login walls, multi-step flows.
package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/directorybolt/submitd/internal/pipeline"
)

// Renderer renders a page with JavaScript executed. Satisfied by
// HeadlessRenderer.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (string, error)
}

// Config controls probe behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MinHTMLBytes int
}

// Prober implements pipeline.FormProber with a plain HTTP fetch, promoting
// to a headless render when the static HTML carries no usable form.
type Prober struct {
	cfg           Config
	renderer      Renderer
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// ProberOption customizes a Prober.
type ProberOption func(*Prober)

// WithRenderer enables headless promotion.
func WithRenderer(r Renderer) ProberOption {
	return func(p *Prober) { p.renderer = r }
}

// WithProbeLogger attaches a logger.
func WithProbeLogger(l *zap.Logger) ProberOption {
	return func(p *Prober) { p.logger = l }
}

// New builds a Prober.
func New(cfg Config, opts ...ProberOption) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MinHTMLBytes <= 0 {
		cfg.MinHTMLBytes = 512
	}
	p := &Prober{
		cfg:           cfg,
		baseCollector: colly.NewCollector(colly.Async(false)),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe fetches the submission page and analyzes its form. Pages that come
// back nearly empty or without fillable fields are retried through the
// headless renderer when one is configured.
func (p *Prober) Probe(ctx context.Context, url string) (pipeline.ProbeResult, error) {
	start := time.Now()

	html, statusCode, err := p.fetch(ctx, url)
	if err != nil {
		return pipeline.ProbeResult{}, &pipeline.SubmissionError{
			Code: pipeline.CodeNetwork,
			Err:  fmt.Errorf("probe %s: %w", url, err),
		}
	}

	result, analyzeErr := p.analyze(url, html, statusCode, false)
	if analyzeErr != nil {
		return pipeline.ProbeResult{}, analyzeErr
	}

	if p.renderer != nil && p.needsRender(html, result) {
		rendered, renderErr := p.renderer.Render(ctx, url)
		if renderErr != nil {
			p.logger.Warn("headless render failed, keeping static result",
				zap.String("url", url),
				zap.Error(renderErr))
		} else {
			promoted, promErr := p.analyze(url, rendered, statusCode, true)
			if promErr == nil {
				result = promoted
			}
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

func (p *Prober) needsRender(html string, result pipeline.ProbeResult) bool {
	if len(html) < p.cfg.MinHTMLBytes {
		return true
	}
	return result.FieldCount == 0 && result.Challenge == nil
}

func (p *Prober) analyze(url, html string, statusCode int, headless bool) (pipeline.ProbeResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return pipeline.ProbeResult{}, fmt.Errorf("parse page %s: %w", url, err)
	}
	analysis := analyzePage(doc, url)
	return pipeline.ProbeResult{
		URL:              url,
		StatusCode:       statusCode,
		HTML:             html,
		Challenge:        analysis.Challenge,
		FieldCount:       analysis.FieldCount,
		LikelyMultiStep:  analysis.LikelyMultiStep,
		RequiresLogin:    analysis.RequiresLogin,
		RenderedHeadless: headless,
	}, nil
}

func (p *Prober) fetch(ctx context.Context, url string) (string, int, error) {
	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(p.cfg.Timeout)

	var (
		body       []byte
		statusCode int
		fetchErr   error
	)
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
		statusCode = r.StatusCode
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return "", 0, fmt.Errorf("probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return "", statusCode, err
		}
		if fetchErr != nil {
			return "", statusCode, fetchErr
		}
		return string(body), statusCode, nil
	}
}
