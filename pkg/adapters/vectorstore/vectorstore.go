// Package vectorstore defines the provider registry for similarity search
// over embedded error events. The durable record of truth lives in the
// event store; vector items are a derived, best-effort index keyed by
// event id.
package vectorstore

import (
	"context"
	"fmt"
	"sync"
)

// Vector is a single dense embedding vector.
type Vector []float32

// Item is one embedded error event.
type Item struct {
	// ID is the event id of the embedded error.
	ID string
	// Namespace groups items logically; the error index uses one shared
	// namespace so similar cases surface across sessions.
	Namespace string
	// Vector is the dense embedding of the normalized error message.
	Vector Vector
	// Metadata carries filter and display attributes (sessionId, message,
	// receivedAt as RFC3339Nano).
	Metadata map[string]any
}

// Match is a search result with similarity score.
type Match struct {
	Item  Item
	Score float32 // higher is more similar
}

// VectorStore defines upsert and similarity query operations.
type VectorStore interface {
	// Upsert inserts or replaces items by ID within a namespace.
	Upsert(ctx context.Context, items []Item) error
	// Query returns top-k most similar items to the query vector. Ties on
	// score break toward the more recently received item.
	Query(ctx context.Context, query Vector, k int, filter Filter) ([]Match, error)
}

// Filter constrains query results.
type Filter struct {
	Namespace string
	// Equals matches exact key/value pairs in metadata (AND semantics).
	Equals map[string]any
}

// Factory constructs a VectorStore instance from a provider-specific
// configuration.
type Factory func(ctx context.Context, cfg map[string]any) (VectorStore, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a VectorStore factory.
func Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("vectorstore: empty provider name")
	}
	if f == nil {
		return fmt.Errorf("vectorstore: nil factory for %q", name)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := factories[name]; exists {
		return fmt.Errorf("vectorstore: provider %q already registered", name)
	}
	factories[name] = f
	return nil
}

// Resolve gets a registered factory by name.
func Resolve(name string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Range iterates all registered factories.
func Range(fn func(name string, f Factory)) {
	regMu.RLock()
	defer regMu.RUnlock()
	for n, f := range factories {
		fn(n, f)
	}
}
