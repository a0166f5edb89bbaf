// Package fake provides a deterministic hash-based embedder for tests.
package fake

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"github.com/devintel-sh/devintel/pkg/adapters/embedding"
)

// Embedder derives fixed-size vectors from SHA-256 of the input string, so
// identical error messages always land on identical vectors.
type Embedder struct {
	dim int

	// Err, when set, is returned from every Embed call. Lets tests exercise
	// the degraded no-embedding path.
	Err error
}

// New returns a fake embedder with the given dimension (>= 4).
func New(dim int) *Embedder {
	if dim < 4 {
		dim = 4
	}
	return &Embedder{dim: dim}
}

func (e *Embedder) Name() string { return "fake" }

func (e *Embedder) Embed(ctx context.Context, inputs []string, opts map[string]any) ([]embedding.Vector, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([]embedding.Vector, len(inputs))
	for i, s := range inputs {
		vec := make(embedding.Vector, e.dim)
		h := sha256.Sum256([]byte(s))
		for j := 0; j < e.dim; j++ {
			off := (j * 4) % len(h)
			u := binary.LittleEndian.Uint32(h[off : off+4])
			// Scale to [0,1) then shift to [-0.5, 0.5)
			vec[j] = (float32(u&0x7FFFFFFF) / float32(1<<31)) - 0.5
		}
		out[i] = vec
	}
	return out, nil
}

func init() {
	_ = embedding.Register("fake", func(ctx context.Context, cfg map[string]any) (embedding.Embedder, error) {
		dim := 8
		if v, ok := cfg["dim"].(int); ok && v > 0 {
			dim = v
		}
		return New(dim), nil
	})
}
