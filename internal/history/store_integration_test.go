package history

import (
	"errors"
	"testing"
	"time"

	"github.com/xleven/ask-sspai/internal/chat"
	"github.com/xleven/ask-sspai/internal/testutil"
)

func TestStore_Integration_SaveIsIdempotent(t *testing.T) {
	tdb, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store, err := NewStore(tdb.Pool, testutil.Logger(t))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	ctx := t.Context()

	history := []chat.Message{{Role: chat.RoleUser, Content: "what should I write about"}}
	first := chat.NewConversation("conv-1", "user-1", history, "Try a shortcuts roundup.", time.Now())
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Same id and owner again: overwrite, not duplicate.
	second := chat.NewConversation("conv-1", "user-1", history, "Try an automation deep dive.", time.Now())
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("Save() second time error = %v", err)
	}

	items, err := store.List(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1 after idempotent save", len(items))
	}

	got, err := store.Get(ctx, "conv-1", "user-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	last := got.Messages[len(got.Messages)-1]
	if last.Content != "Try an automation deep dive." {
		t.Errorf("second save did not overwrite: %q", last.Content)
	}
}

func TestStore_Integration_OwnershipScoping(t *testing.T) {
	tdb, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store, err := NewStore(tdb.Pool, testutil.Logger(t))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	ctx := t.Context()

	history := []chat.Message{{Role: chat.RoleUser, Content: "hello"}}
	if err := store.Save(ctx, chat.NewConversation("shared-id", "alice", history, "hi alice", time.Now())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(ctx, chat.NewConversation("shared-id", "bob", history, "hi bob", time.Now())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Same conversation id under two owners stays two rows.
	aliceConv, err := store.Get(ctx, "shared-id", "alice")
	if err != nil {
		t.Fatalf("Get(alice) error = %v", err)
	}
	if got := aliceConv.Messages[len(aliceConv.Messages)-1].Content; got != "hi alice" {
		t.Errorf("alice's conversation = %q", got)
	}

	// Deleting one owner's row leaves the other's.
	if err := store.Delete(ctx, "shared-id", "alice"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "shared-id", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(alice) after delete = %v, want ErrNotFound", err)
	}
	if _, err := store.Get(ctx, "shared-id", "bob"); err != nil {
		t.Errorf("Get(bob) after alice delete = %v", err)
	}
}
