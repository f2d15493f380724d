package knowledge

import (
	"testing"

	"github.com/xleven/ask-sspai/internal/testutil"
)

// Integration tests run against a real pgvector container and exercise the
// actual SQL. They are skipped in -short mode.

func TestStore_Integration_AddSearchDelete(t *testing.T) {
	tdb, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	emb := testutil.NewMockEmbedder(int(VectorDimension))
	store, err := NewStore(tdb.Pool, emb, testutil.Logger(t))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	ctx := t.Context()

	docs := []Document{
		{ID: "d1", Content: "how to structure a productivity article", Metadata: map[string]string{"source": "manual"}},
		{ID: "d2", Content: "keyboard shortcuts on macOS"},
		{ID: "d3", Content: "structuring long-form writing projects"},
	}
	for _, doc := range docs {
		if err := store.Add(ctx, doc); err != nil {
			t.Fatalf("Add(%s) error = %v", doc.ID, err)
		}
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("Count() = %d, want 3", n)
	}

	// Identical content embeds to an identical vector, so searching with a
	// document's own text must rank that document first.
	results, err := store.Search(ctx, "keyboard shortcuts on macOS", WithTopK(2))
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Document.ID != "d2" {
		t.Errorf("top result = %s, want d2", results[0].Document.ID)
	}
	if results[0].Similarity < results[1].Similarity {
		t.Error("results not ranked by descending similarity")
	}

	// Upsert replaces in place.
	if err := store.Add(ctx, Document{ID: "d2", Content: "window management on macOS"}); err != nil {
		t.Fatalf("Add() upsert error = %v", err)
	}
	n, err = store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Count() after upsert = %d, want 3", n)
	}

	if err := store.Delete(ctx, "d1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	n, err = store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Count() after delete = %d, want 2", n)
	}
}

func TestStore_Integration_EmptyIndex(t *testing.T) {
	tdb, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store, err := NewStore(tdb.Pool, testutil.NewMockEmbedder(int(VectorDimension)), testutil.Logger(t))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	results, err := store.Search(t.Context(), "anything at all")
	if err != nil {
		t.Fatalf("Search() on empty index: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected empty result set, got %d rows", len(results))
	}
}
