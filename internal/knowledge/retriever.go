package knowledge

import (
	"context"
	"fmt"
)

// Retriever adapts the Store to the chat pipeline's fragment interface:
// it returns passage texts only, in relevance order.
type Retriever struct {
	store *Store
	topK  int
}

// NewRetriever wraps the store with a fixed top-k.
func NewRetriever(store *Store, topK int) (*Retriever, error) {
	if store == nil {
		return nil, fmt.Errorf("retriever requires a store")
	}
	if topK <= 0 {
		topK = 4
	}
	return &Retriever{store: store, topK: topK}, nil
}

// Fetch returns the top-k fragment texts for the query, most relevant
// first. An empty index yields an empty slice.
func (r *Retriever) Fetch(ctx context.Context, query string) ([]string, error) {
	results, err := r.store.Search(ctx, query, WithTopK(r.topK))
	if err != nil {
		return nil, err
	}

	fragments := make([]string, 0, len(results))
	for _, res := range results {
		fragments = append(fragments, res.Document.Content)
	}
	return fragments, nil
}
