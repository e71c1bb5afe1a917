// Package rag generates chat replies with an OpenAI-compatible model,
// grounded on a per-account vector store of prior stream conversation.
package rag

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/onnwee/loomy/backend/config"
)

// UsageTracker records external model API usage as (requests, estimated cost).
type UsageTracker func(ctx context.Context, requests int, cost float64)

// Engine owns the LLM client, embedder, and vector store. It implements the
// session Responder contract.
type Engine struct {
	llm      *openai.LLM
	embedder embeddings.Embedder
	store    *Store
	cfg      *config.Config
	track    UsageTracker
}

// SetUsageTracker installs a callback invoked once per model API call
// (embedding or completion). A nil tracker disables accounting.
func (e *Engine) SetUsageTracker(t UsageTracker) { e.track = t }

func (e *Engine) trackUsage(ctx context.Context, requests int) {
	if e.track != nil {
		e.track(ctx, requests, float64(requests))
	}
}

// New builds the full pipeline: OpenAI-compatible client, embedder, and the
// persistent vector store under cfg.DataDir.
func New(cfg *config.Config) (*Engine, error) {
	if err := cfg.ValidateRAGReady(); err != nil {
		return nil, err
	}

	opts := []openai.Option{
		openai.WithToken(cfg.OpenAIKey),
		openai.WithModel(cfg.ChatModel),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
	}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	store, err := NewStore(cfg.DataDir, func(ctx context.Context, text string) ([]float32, error) {
		embCtx, cancel := context.WithTimeout(ctx, cfg.EmbeddingTimeout)
		defer cancel()
		return embedder.EmbedQuery(embCtx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	return &Engine{llm: llm, embedder: embedder, store: store, cfg: cfg}, nil
}

// Store exposes the underlying vector store for ingestion endpoints.
func (e *Engine) Store() *Store { return e.store }
