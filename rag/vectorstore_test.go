package rag

import (
	"context"
	"testing"
)

// fakeEmbed maps known words onto fixed unit vectors so similarity is
// deterministic without a network call.
func fakeEmbed(_ context.Context, text string) ([]float32, error) {
	switch text[0] {
	case 'g': // game...
		return []float32{1, 0, 0}, nil
	case 's': // schedule...
		return []float32{0, 1, 0}, nil
	default:
		return []float32{0, 0, 1}, nil
	}
}

func TestStoreSearchPerAccount(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(t.TempDir(), fakeEmbed)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if err := store.AddDocument(ctx, "acct1", "d1", "game is Hades", nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.AddDocument(ctx, "acct1", "d2", "schedule is Fridays", nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.AddDocument(ctx, "acct2", "d3", "game is Celeste", nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := store.Search(ctx, "acct1", "game", 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0] != "game is Hades" {
		t.Errorf("search = %v, want [game is Hades]", got)
	}

	// topK above the collection size steps down instead of failing.
	got, err = store.Search(ctx, "acct1", "game", 10)
	if err != nil {
		t.Fatalf("search with large k: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("search with large k returned %d docs, want 2", len(got))
	}

	// Accounts are isolated.
	got, err = store.Search(ctx, "acct2", "game", 5)
	if err != nil {
		t.Fatalf("search acct2: %v", err)
	}
	if len(got) != 1 || got[0] != "game is Celeste" {
		t.Errorf("acct2 search = %v, want only its own doc", got)
	}
}

func TestStoreSearchEmptyCollection(t *testing.T) {
	store, err := NewStore(t.TempDir(), fakeEmbed)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	got, err := store.Search(context.Background(), "nobody", "anything", 3)
	if err != nil {
		t.Fatalf("search empty: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("search empty = %v, want none", got)
	}
}
