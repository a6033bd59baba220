package captcha

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/directorybolt/submitd/internal/pipeline"
)

const defaultAttemptTimeout = 120 * time.Second

// Solver tries providers in priority order until one returns a token or the
// per-submission budget runs out. Cost and latency of every attempt, failed
// ones included, are summed into the recorded solution.
type Solver struct {
	providers      []pipeline.CaptchaProvider
	attemptTimeout time.Duration
	logger         *zap.Logger
}

// SolverOption customizes a Solver.
type SolverOption func(*Solver)

// WithAttemptTimeout bounds each individual provider attempt.
func WithAttemptTimeout(d time.Duration) SolverOption {
	return func(s *Solver) { s.attemptTimeout = d }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) SolverOption {
	return func(s *Solver) { s.logger = l }
}

// NewSolver creates a Solver. Provider order is fallback priority.
func NewSolver(providers []pipeline.CaptchaProvider, opts ...SolverOption) *Solver {
	s := &Solver{
		providers:      providers,
		attemptTimeout: defaultAttemptTimeout,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SupportsType reports whether any configured provider handles the type.
func (s *Solver) SupportsType(t pipeline.CaptchaType) bool {
	for _, p := range s.providers {
		if p.Supports(t) {
			return true
		}
	}
	return false
}

// Solve walks the provider chain. A recaptcha_v3 token scoring below the
// challenge's MinScore counts as a provider failure and triggers fallback.
func (s *Solver) Solve(ctx context.Context, challenge pipeline.CaptchaChallenge, budget pipeline.SolveBudget) (pipeline.CaptchaSolution, error) {
	if !s.SupportsType(challenge.Type) {
		return pipeline.CaptchaSolution{}, &pipeline.CaptchaError{
			Code: pipeline.CodeUnsupportedType,
			Type: challenge.Type,
		}
	}

	start := time.Now()
	var (
		spent     float64
		waited    time.Duration
		attempted int
		lastErr   error
	)

	for _, provider := range s.providers {
		if !provider.Supports(challenge.Type) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return pipeline.CaptchaSolution{}, &pipeline.CaptchaError{
				Code:      pipeline.CodeAllProvidersFailed,
				Type:      challenge.Type,
				Attempted: attempted,
				Err:       err,
			}
		}
		if budget.MaxCost > 0 && spent >= budget.MaxCost {
			return pipeline.CaptchaSolution{}, s.budgetError(challenge.Type, attempted, lastErr)
		}
		if budget.MaxWait > 0 && time.Since(start) >= budget.MaxWait {
			return pipeline.CaptchaSolution{}, s.budgetError(challenge.Type, attempted, lastErr)
		}

		timeout := s.attemptTimeout
		if budget.MaxWait > 0 {
			if remaining := budget.MaxWait - time.Since(start); remaining < timeout {
				timeout = remaining
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)

		attempted++
		solution, err := provider.Solve(attemptCtx, challenge)
		cancel()

		spent += solution.Cost
		waited += solution.Latency

		if err != nil {
			s.logger.Warn("captcha provider failed",
				zap.String("provider", provider.Name()),
				zap.String("type", string(challenge.Type)),
				zap.Error(err))
			lastErr = err
			continue
		}
		if challenge.Type == pipeline.CaptchaRecaptchaV3 && challenge.MinScore > 0 &&
			solution.Score > 0 && solution.Score < challenge.MinScore {
			s.logger.Warn("captcha score below minimum",
				zap.String("provider", provider.Name()),
				zap.Float64("score", solution.Score),
				zap.Float64("minScore", challenge.MinScore))
			lastErr = errors.New("score below minimum")
			continue
		}

		return pipeline.CaptchaSolution{
			Token:         solution.Token,
			ProviderUsed:  provider.Name(),
			Cost:          spent,
			LatencyMs:     waited.Milliseconds(),
			ScoreAchieved: solution.Score,
		}, nil
	}

	return pipeline.CaptchaSolution{}, &pipeline.CaptchaError{
		Code:      pipeline.CodeAllProvidersFailed,
		Type:      challenge.Type,
		Attempted: attempted,
		Err:       lastErr,
	}
}

func (s *Solver) budgetError(t pipeline.CaptchaType, attempted int, lastErr error) error {
	return &pipeline.CaptchaError{
		Code:      pipeline.CodeBudgetExceeded,
		Type:      t,
		Attempted: attempted,
		Err:       lastErr,
	}
}
