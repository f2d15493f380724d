// Package knowledge manages the document index with vector search backed by
// PostgreSQL + pgvector. It owns embedding generation and top-k similarity
// retrieval for the chat pipeline.
package knowledge

import "time"

// VectorDimension is the embedding size stored in pgvector.
// gemini-embedding-001 outputs 3072 dimensions by default and supports
// truncation to 768 via OutputDimensionality; the documents schema declares
// vector(768).
const VectorDimension int32 = 768

// Document is an indexed passage.
type Document struct {
	ID        string
	Content   string
	Metadata  map[string]string
	CreatedAt time.Time
}

// Result is a single search hit with its similarity score.
type Result struct {
	Document   Document
	Similarity float32 // cosine similarity (0-1)
}

// SearchOption configures search behavior using the functional options pattern.
type SearchOption func(*searchConfig)

type searchConfig struct {
	topK int
}

// WithTopK sets the maximum number of results to return. Default is 4.
func WithTopK(k int) SearchOption {
	return func(c *searchConfig) {
		if k > 0 {
			c.topK = k
		}
	}
}

func buildSearchConfig(opts []SearchOption) *searchConfig {
	cfg := &searchConfig{topK: 4}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
