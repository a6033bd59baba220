package captcha

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/directorybolt/submitd/internal/pipeline"
)

type fakeProvider struct {
	name     string
	supports map[pipeline.CaptchaType]bool
	solution pipeline.ProviderSolution
	err      error
	delay    time.Duration
	calls    int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Supports(t pipeline.CaptchaType) bool {
	if f.supports == nil {
		return true
	}
	return f.supports[t]
}

func (f *fakeProvider) Solve(ctx context.Context, challenge pipeline.CaptchaChallenge) (pipeline.ProviderSolution, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return pipeline.ProviderSolution{}, ctx.Err()
		}
	}
	return f.solution, f.err
}

func v2Challenge() pipeline.CaptchaChallenge {
	return pipeline.CaptchaChallenge{
		Type:    pipeline.CaptchaRecaptchaV2,
		SiteKey: "6LcAbc",
		PageURL: "https://directory.example.com/submit",
	}
}

func TestSolveFirstProviderWins(t *testing.T) {
	first := &fakeProvider{name: "twocaptcha", solution: pipeline.ProviderSolution{Token: "tok-1", Cost: 0.003, Latency: 10 * time.Millisecond}}
	second := &fakeProvider{name: "anticaptcha", solution: pipeline.ProviderSolution{Token: "tok-2", Cost: 0.002}}
	solver := NewSolver([]pipeline.CaptchaProvider{first, second})

	sol, err := solver.Solve(context.Background(), v2Challenge(), pipeline.SolveBudget{})
	require.NoError(t, err)
	require.Equal(t, "tok-1", sol.Token)
	require.Equal(t, "twocaptcha", sol.ProviderUsed)
	require.InDelta(t, 0.003, sol.Cost, 1e-9)
	require.Zero(t, second.calls)
}

func TestSolveFallbackSumsCostAcrossAttempts(t *testing.T) {
	first := &fakeProvider{
		name:     "twocaptcha",
		solution: pipeline.ProviderSolution{Cost: 0.003, Latency: 40 * time.Millisecond},
		err:      errors.New("ERROR_CAPTCHA_UNSOLVABLE"),
	}
	second := &fakeProvider{
		name:     "anticaptcha",
		solution: pipeline.ProviderSolution{Token: "tok-2", Cost: 0.002, Latency: 30 * time.Millisecond},
	}
	solver := NewSolver([]pipeline.CaptchaProvider{first, second})

	sol, err := solver.Solve(context.Background(), v2Challenge(), pipeline.SolveBudget{})
	require.NoError(t, err)
	require.Equal(t, "anticaptcha", sol.ProviderUsed)
	require.InDelta(t, 0.005, sol.Cost, 1e-9)
	require.Equal(t, int64(70), sol.LatencyMs)
	require.Equal(t, 1, first.calls)
	require.Equal(t, 1, second.calls)
}

func TestSolveAllProvidersFailed(t *testing.T) {
	first := &fakeProvider{name: "twocaptcha", err: errors.New("unsolvable")}
	second := &fakeProvider{name: "capsolver", err: errors.New("unsolvable")}
	solver := NewSolver([]pipeline.CaptchaProvider{first, second})

	_, err := solver.Solve(context.Background(), v2Challenge(), pipeline.SolveBudget{})
	var cErr *pipeline.CaptchaError
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, pipeline.CodeAllProvidersFailed, cErr.Code)
	require.Equal(t, 2, cErr.Attempted)
}

func TestSolveUnsupportedType(t *testing.T) {
	only := &fakeProvider{
		name:     "twocaptcha",
		supports: map[pipeline.CaptchaType]bool{pipeline.CaptchaRecaptchaV2: true},
	}
	solver := NewSolver([]pipeline.CaptchaProvider{only})

	require.False(t, solver.SupportsType(pipeline.CaptchaHCaptcha))

	_, err := solver.Solve(context.Background(), pipeline.CaptchaChallenge{Type: pipeline.CaptchaHCaptcha}, pipeline.SolveBudget{})
	var cErr *pipeline.CaptchaError
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, pipeline.CodeUnsupportedType, cErr.Code)
	require.Zero(t, only.calls)
}

func TestSolveSkipsProvidersLackingType(t *testing.T) {
	v2Only := &fakeProvider{
		name:     "twocaptcha",
		supports: map[pipeline.CaptchaType]bool{pipeline.CaptchaRecaptchaV2: true},
	}
	hOK := &fakeProvider{
		name:     "capsolver",
		supports: map[pipeline.CaptchaType]bool{pipeline.CaptchaHCaptcha: true},
		solution: pipeline.ProviderSolution{Token: "h-tok", Cost: 0.001},
	}
	solver := NewSolver([]pipeline.CaptchaProvider{v2Only, hOK})

	sol, err := solver.Solve(context.Background(), pipeline.CaptchaChallenge{Type: pipeline.CaptchaHCaptcha}, pipeline.SolveBudget{})
	require.NoError(t, err)
	require.Equal(t, "capsolver", sol.ProviderUsed)
	require.Zero(t, v2Only.calls)
}

func TestSolveCostBudgetExceeded(t *testing.T) {
	first := &fakeProvider{
		name:     "twocaptcha",
		solution: pipeline.ProviderSolution{Cost: 0.05},
		err:      errors.New("unsolvable"),
	}
	second := &fakeProvider{name: "anticaptcha", solution: pipeline.ProviderSolution{Token: "tok-2"}}
	solver := NewSolver([]pipeline.CaptchaProvider{first, second})

	_, err := solver.Solve(context.Background(), v2Challenge(), pipeline.SolveBudget{MaxCost: 0.05})
	var cErr *pipeline.CaptchaError
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, pipeline.CodeBudgetExceeded, cErr.Code)
	require.Equal(t, 1, cErr.Attempted)
	require.Zero(t, second.calls)
}

func TestSolveWaitBudgetExceeded(t *testing.T) {
	slow := &fakeProvider{name: "twocaptcha", delay: 200 * time.Millisecond, err: errors.New("slow")}
	second := &fakeProvider{name: "anticaptcha", solution: pipeline.ProviderSolution{Token: "tok-2"}}
	solver := NewSolver([]pipeline.CaptchaProvider{slow, second})

	_, err := solver.Solve(context.Background(), v2Challenge(), pipeline.SolveBudget{MaxWait: 50 * time.Millisecond})
	var cErr *pipeline.CaptchaError
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, pipeline.CodeBudgetExceeded, cErr.Code)
	require.Zero(t, second.calls)
}

func TestSolveLowScoreTriggersFallback(t *testing.T) {
	challenge := pipeline.CaptchaChallenge{
		Type:     pipeline.CaptchaRecaptchaV3,
		SiteKey:  "6LcV3",
		PageURL:  "https://directory.example.com/submit",
		MinScore: 0.7,
	}
	low := &fakeProvider{
		name:     "twocaptcha",
		solution: pipeline.ProviderSolution{Token: "weak", Cost: 0.002, Score: 0.3},
	}
	strong := &fakeProvider{
		name:     "capsolver",
		solution: pipeline.ProviderSolution{Token: "strong", Cost: 0.001, Score: 0.9},
	}
	solver := NewSolver([]pipeline.CaptchaProvider{low, strong})

	sol, err := solver.Solve(context.Background(), challenge, pipeline.SolveBudget{})
	require.NoError(t, err)
	require.Equal(t, "strong", sol.Token)
	require.Equal(t, "capsolver", sol.ProviderUsed)
	require.InDelta(t, 0.003, sol.Cost, 1e-9)
	require.InDelta(t, 0.9, sol.ScoreAchieved, 1e-9)
}

func TestSolveContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &fakeProvider{name: "twocaptcha", solution: pipeline.ProviderSolution{Token: "tok"}}
	solver := NewSolver([]pipeline.CaptchaProvider{provider})

	_, err := solver.Solve(ctx, v2Challenge(), pipeline.SolveBudget{})
	var cErr *pipeline.CaptchaError
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, pipeline.CodeAllProvidersFailed, cErr.Code)
	require.Zero(t, provider.calls)
}
