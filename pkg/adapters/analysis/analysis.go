// Package analysis defines the provider registry for the external error
// analysis service: root-cause analysis of a single error with its
// gathered context, and pattern identification over an event window.
package analysis

import (
	"context"
	"fmt"
	"sync"

	"github.com/devintel-sh/devintel/pkg/devent"
)

// Analyzer is the external analysis service. Calls are slow and may fail;
// callers bound them with timeouts and treat failures as degraded outcomes,
// never as ingestion failures.
type Analyzer interface {
	// Name returns a short provider name (e.g., "openai").
	Name() string
	// Analyze produces one solution suggestion for the error context.
	Analyze(ctx context.Context, ec devent.ErrorContext) (devent.SolutionSuggestion, error)
	// IdentifyPatterns inspects a recent event window for recurring
	// anti-patterns. An empty result is a normal outcome.
	IdentifyPatterns(ctx context.Context, events []devent.Event) ([]devent.IdentifiedPattern, error)
}

// Factory constructs an Analyzer from a provider-specific configuration map.
type Factory func(ctx context.Context, cfg map[string]any) (Analyzer, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers an Analyzer factory under a provider name.
func Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("analysis: empty provider name")
	}
	if f == nil {
		return fmt.Errorf("analysis: nil factory for %q", name)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := factories[name]; exists {
		return fmt.Errorf("analysis: provider %q already registered", name)
	}
	factories[name] = f
	return nil
}

// Resolve retrieves a registered factory by name.
func Resolve(name string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Range calls fn for each registered provider name and factory.
func Range(fn func(name string, f Factory)) {
	regMu.RLock()
	defer regMu.RUnlock()
	for n, f := range factories {
		fn(n, f)
	}
}
