// Package embedding implements the NodeSpace embedding subsystem:
// root-aggregate corpus assembly, adaptive chunking, stale tracking, the
// background batch processor, and vector search over root embeddings.
//
// The NLP model is opaque to the core. It is represented by the Embedder
// interface and produces fixed-dimension float32 vectors (D = 384), stored
// on root nodes as little-endian packed bytes (1536 bytes per vector).
//
// Example:
//
//	svc := embedding.NewService(store, embedder, hier, nil)
//	svc.Start()
//	defer svc.Stop()
//
//	// Any content write marks the node's root stale:
//	_ = svc.QueueForEmbedding(ctx, nodeID)
//
//	// Search once the processor has caught up:
//	roots, _ := svc.SearchRoots(ctx, "release planning", embedding.SearchOptions{})
package embedding

import (
	"context"
	"fmt"

	"github.com/nodespace/nodespace/pkg/node"
)

// Embedder generates vector embeddings from text. Implementations must be
// safe for concurrent use; the service funnels requests through a single
// instance.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector dimension.
	Dimensions() int

	// Model returns the model name.
	Model() string
}

// EmbedderFunc adapts a single-text function into an Embedder. Used in tests
// and for wrapping external model processes.
type EmbedderFunc struct {
	Fn   func(ctx context.Context, text string) ([]float32, error)
	Dim  int
	Name string
}

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.Fn(ctx, text)
}

func (f EmbedderFunc) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Fn(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f EmbedderFunc) Dimensions() int {
	if f.Dim > 0 {
		return f.Dim
	}
	return 384
}

func (f EmbedderFunc) Model() string {
	if f.Name != "" {
		return f.Name
	}
	return "embedder-func"
}

// embedText runs the embedder and wraps failures as EmbeddingError.
func embedText(ctx context.Context, e Embedder, text string) ([]float32, error) {
	v, err := e.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", node.ErrEmbedding, err)
	}
	if len(v) != e.Dimensions() {
		return nil, fmt.Errorf("%w: model returned %d dims, want %d", node.ErrEmbedding, len(v), e.Dimensions())
	}
	return v, nil
}
