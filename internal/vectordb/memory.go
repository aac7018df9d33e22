package vectordb

import (
	"context"
	"sort"
	"sync"

	"github.com/hallabot/regubot/internal/rag"
)

// MemoryIndex is an in-memory vector index. Namespaces partition the
// entries; the empty namespace matches everything.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]Entry)}
}

// Upsert stores entries, replacing any with the same id.
func (m *MemoryIndex) Upsert(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.entries[e.ID] = e
	}
	return nil
}

// Query returns the topK nearest entries in the namespace by cosine
// similarity, highest first.
func (m *MemoryIndex) Query(_ context.Context, vector []float32, topK int, namespace string) ([]rag.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []rag.Match
	for _, e := range m.entries {
		if namespace != "" && e.Namespace != namespace {
			continue
		}
		matches = append(matches, rag.Match{
			ID:       e.ID,
			Score:    cosineSimilarity(vector, e.Vector),
			Metadata: e.Metadata,
		})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Count returns the number of stored entries.
func (m *MemoryIndex) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
