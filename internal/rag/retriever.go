package rag

import (
	"context"
	"log/slog"

	"github.com/hallabot/regubot/internal/domain"
)

// Match is one raw nearest-neighbor result from a vector index.
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// Index is the nearest-neighbor search backend.
type Index interface {
	Query(ctx context.Context, vector []float32, topK int, namespace string) ([]Match, error)
}

// Embedder produces an embedding vector for a query.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever embeds a query and searches the index across namespaces.
type Retriever struct {
	embedder   Embedder
	index      Index
	threshold  float64
	topK       int
	namespaces []string
	logger     *slog.Logger
}

// NewRetriever creates a retriever. Threshold defaults to 0.4 and topK
// to 5 when unset.
func NewRetriever(embedder Embedder, index Index, threshold float64, topK int, namespaces []string, logger *slog.Logger) *Retriever {
	if threshold == 0 {
		threshold = 0.4
	}
	if topK == 0 {
		topK = 5
	}
	if len(namespaces) == 0 {
		namespaces = []string{""}
	}
	return &Retriever{
		embedder:   embedder,
		index:      index,
		threshold:  threshold,
		topK:       topK,
		namespaces: namespaces,
		logger:     logger,
	}
}

// Search returns hits above the similarity threshold plus the document
// store ids extracted from their metadata. An unreachable backend yields
// empty results with a warning, not an error; "no context found" is an
// accepted degraded outcome.
func (r *Retriever) Search(ctx context.Context, query string) ([]domain.RetrievalHit, []string) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("query embedding failed, returning no hits", slog.String("error", err.Error()))
		return nil, nil
	}

	var hits []domain.RetrievalHit
	var ids []string
	for _, ns := range r.namespaces {
		matches, err := r.index.Query(ctx, vector, r.topK, ns)
		if err != nil {
			r.logger.Warn("vector search failed, returning no hits",
				slog.String("namespace", ns), slog.String("error", err.Error()))
			continue
		}
		for _, m := range matches {
			if m.Score < r.threshold {
				continue
			}
			hits = append(hits, domain.RetrievalHit{
				ID:       m.ID,
				Score:    m.Score,
				Metadata: m.Metadata,
			})
			if id := chunkID(m); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return hits, ids
}

// chunkID extracts the document store id from match metadata, falling
// back to the match's own id.
func chunkID(m Match) string {
	if id, ok := m.Metadata["chunk_id"]; ok && id != "" {
		return id
	}
	return m.ID
}
