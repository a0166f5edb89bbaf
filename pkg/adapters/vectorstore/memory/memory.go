// Package memory is an in-memory VectorStore for tests and
// single-process deployments.
package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/devintel-sh/devintel/pkg/adapters/vectorstore"
)

// Store is an in-memory VectorStore.
type Store struct {
	mu     sync.RWMutex
	byNSID map[string]map[string]vectorstore.Item // namespace -> id -> item
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{byNSID: make(map[string]map[string]vectorstore.Item)}
}

func init() {
	_ = vectorstore.Register("memory", func(ctx context.Context, cfg map[string]any) (vectorstore.VectorStore, error) {
		return New(), nil
	})
}

// Upsert inserts or replaces items.
func (s *Store) Upsert(ctx context.Context, items []vectorstore.Item) error {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		if it.ID == "" {
			return errors.New("memory vectorstore: empty id")
		}
		if len(it.Vector) == 0 {
			return errors.New("memory vectorstore: empty vector")
		}
		ns := it.Namespace
		if ns == "" {
			ns = "default"
		}
		bucket, ok := s.byNSID[ns]
		if !ok {
			bucket = make(map[string]vectorstore.Item)
			s.byNSID[ns] = bucket
		}
		bucket[it.ID] = it
	}
	return nil
}

// Query performs cosine similarity search with optional namespace and
// metadata equality filter. Items whose dimension differs from the query
// are skipped. Equal scores break toward the more recent receivedAt.
func (s *Store) Query(ctx context.Context, query vectorstore.Vector, k int, filter vectorstore.Filter) ([]vectorstore.Match, error) {
	ns := filter.Namespace
	if ns == "" {
		ns = "default"
	}
	s.mu.RLock()
	bucket := make(map[string]vectorstore.Item, len(s.byNSID[ns]))
	for id, it := range s.byNSID[ns] {
		bucket[id] = it
	}
	s.mu.RUnlock()
	if len(bucket) == 0 {
		return nil, nil
	}

	qnorm := dot(query, query)
	if qnorm == 0 {
		return nil, errors.New("memory vectorstore: zero-norm query vector")
	}
	qnorm = math.Sqrt(qnorm)

	matches := make([]vectorstore.Match, 0, len(bucket))
	for _, it := range bucket {
		if !metaEquals(it.Metadata, filter.Equals) {
			continue
		}
		if len(it.Vector) != len(query) {
			continue
		}
		matches = append(matches, vectorstore.Match{Item: it, Score: cosine(query, it.Vector, qnorm)})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return receivedAt(matches[i].Item) > receivedAt(matches[j].Item)
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// receivedAt reads the RFC3339Nano receivedAt metadata; the fixed-width
// encoding makes string comparison chronological.
func receivedAt(it vectorstore.Item) string {
	if v, ok := it.Metadata["receivedAt"].(string); ok {
		return v
	}
	return ""
}

func metaEquals(have map[string]any, want map[string]any) bool {
	if len(want) == 0 {
		return true
	}
	if have == nil {
		return false
	}
	for k, v := range want {
		if hv, ok := have[k]; !ok || hv != v {
			return false
		}
	}
	return true
}

func cosine(a, b vectorstore.Vector, qnorm float64) float32 {
	denom := qnorm * math.Sqrt(dot(b, b))
	if denom == 0 {
		return 0
	}
	return float32(dot(a, b) / denom)
}

func dot(a, b vectorstore.Vector) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float64
	for i := 0; i < n; i++ {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
