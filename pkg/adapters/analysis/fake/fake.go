// Package fake provides a canned analyzer for tests.
package fake

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/devintel-sh/devintel/pkg/adapters/analysis"
	"github.com/devintel-sh/devintel/pkg/devent"
)

// Analyzer returns canned results and counts calls, so tests can assert
// how many analyses actually ran.
type Analyzer struct {
	analyzeCalls  atomic.Int64
	patternsCalls atomic.Int64

	mu         sync.Mutex
	lastCtx    devent.ErrorContext
	lastWindow []devent.Event

	// Suggestion is returned from Analyze when Err is nil.
	Suggestion devent.SolutionSuggestion
	// Patterns is returned from IdentifyPatterns when Err is nil.
	Patterns []devent.IdentifiedPattern
	// Err, when set, is returned from every call.
	Err error
	// Block, when non-nil, is received from before Analyze returns. Lets
	// tests hold an analysis in flight.
	Block chan struct{}
}

// New returns a fake analyzer with a plausible default suggestion.
func New() *Analyzer {
	return &Analyzer{
		Suggestion: devent.SolutionSuggestion{
			RootCause:    "canned root cause",
			SolutionCode: "// canned fix",
			Explanation:  "canned explanation",
			Confidence:   0.8,
		},
	}
}

func (a *Analyzer) Name() string { return "fake" }

func (a *Analyzer) Analyze(ctx context.Context, ec devent.ErrorContext) (devent.SolutionSuggestion, error) {
	a.analyzeCalls.Add(1)
	a.mu.Lock()
	a.lastCtx = ec
	a.mu.Unlock()
	if a.Block != nil {
		select {
		case <-a.Block:
		case <-ctx.Done():
			return devent.SolutionSuggestion{}, ctx.Err()
		}
	}
	if a.Err != nil {
		return devent.SolutionSuggestion{}, a.Err
	}
	return a.Suggestion, nil
}

func (a *Analyzer) IdentifyPatterns(ctx context.Context, events []devent.Event) ([]devent.IdentifiedPattern, error) {
	a.patternsCalls.Add(1)
	a.mu.Lock()
	a.lastWindow = append([]devent.Event(nil), events...)
	a.mu.Unlock()
	if a.Err != nil {
		return nil, a.Err
	}
	return a.Patterns, nil
}

// LastContext returns the error context passed to the most recent Analyze.
func (a *Analyzer) LastContext() devent.ErrorContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCtx
}

// LastWindow returns the event window passed to the most recent
// IdentifyPatterns.
func (a *Analyzer) LastWindow() []devent.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]devent.Event(nil), a.lastWindow...)
}

// AnalyzeCalls reports how many Analyze calls have been made.
func (a *Analyzer) AnalyzeCalls() int64 { return a.analyzeCalls.Load() }

// PatternsCalls reports how many IdentifyPatterns calls have been made.
func (a *Analyzer) PatternsCalls() int64 { return a.patternsCalls.Load() }

func init() {
	_ = analysis.Register("fake", func(ctx context.Context, cfg map[string]any) (analysis.Analyzer, error) {
		return New(), nil
	})
}
