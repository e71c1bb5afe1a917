package rag

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/philippgille/chromem-go"
)

// Store is a persistent per-account vector store. Each account gets its own
// collection so one streamer's knowledge never bleeds into another's replies.
type Store struct {
	db    *chromem.DB
	embed chromem.EmbeddingFunc
}

// NewStore opens (or creates) the store under dataDir.
func NewStore(dataDir string, embed chromem.EmbeddingFunc) (*Store, error) {
	db, err := chromem.NewPersistentDB(filepath.Join(dataDir, "vectors"), false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	return &Store{db: db, embed: embed}, nil
}

func (s *Store) collection(accountID string) (*chromem.Collection, error) {
	return s.db.GetOrCreateCollection("acct_"+accountID, nil, s.embed)
}

// AddDocument stores one text chunk for an account. The id must be stable so
// re-ingesting the same content overwrites rather than duplicates.
func (s *Store) AddDocument(ctx context.Context, accountID, id, text string, metadata map[string]string) error {
	col, err := s.collection(accountID)
	if err != nil {
		return fmt.Errorf("get collection: %w", err)
	}
	doc := chromem.Document{ID: id, Content: text, Metadata: metadata}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Search returns up to topK stored texts most similar to query. When the
// collection holds fewer documents than topK, k steps down to what exists;
// an empty collection yields no results and no error.
func (s *Store) Search(ctx context.Context, accountID, query string, topK int) ([]string, error) {
	col, err := s.collection(accountID)
	if err != nil {
		return nil, fmt.Errorf("get collection: %w", err)
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}
	results, err := col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Content)
	}
	return out, nil
}
