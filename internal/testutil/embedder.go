package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
)

// MockEmbedder is a deterministic in-process embedder: the same content
// always produces the same normalized vector, so similarity comparisons are
// stable across runs without a network call.
type MockEmbedder struct {
	mu      sync.Mutex
	dim     int
	vectors map[string][]float32
	err     error

	// Calls counts Embed invocations for interaction assertions.
	Calls int
}

// NewMockEmbedder creates an embedder producing dim-sized vectors.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{
		dim:     dim,
		vectors: make(map[string][]float32),
	}
}

// SetVector registers an explicit vector for a given content string,
// overriding the hash-derived one. Useful to force similarity orderings.
func (e *MockEmbedder) SetVector(content string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[content] = vec
}

// FailWith makes every subsequent Embed call return err.
func (e *MockEmbedder) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// Embed implements the knowledge package's Embedder interface.
func (e *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Calls++
	if e.err != nil {
		return nil, e.err
	}
	if vec, ok := e.vectors[text]; ok {
		return vec, nil
	}
	return deterministicVector(text, e.dim), nil
}

// deterministicVector generates a normalized vector from content using SHA-256.
func deterministicVector(content string, dim int) []float32 {
	hash := sha256.Sum256([]byte(content))
	vec := make([]float32, dim)

	var norm float64
	for i := range vec {
		idx := (i * 4) % len(hash)
		bits := binary.LittleEndian.Uint32([]byte{
			hash[idx], hash[(idx+1)%len(hash)], hash[(idx+2)%len(hash)], hash[(idx+3)%len(hash)],
		})
		// Map to [-1, 1)
		vec[i] = float32(int32(bits)) / float32(math.MaxInt32)
		norm += float64(vec[i]) * float64(vec[i])
	}

	// Normalize for cosine similarity
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
