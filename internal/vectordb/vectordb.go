// Package vectordb provides the vector index backends used by retrieval:
// an in-memory index for tests and small deployments, and a SQLite-backed
// index for persistence. Both score by brute-force cosine similarity.
package vectordb

import "math"

// Entry is one stored vector with its chunk metadata.
type Entry struct {
	ID        string
	Namespace string
	Vector    []float32
	Metadata  map[string]string
}

// cosineSimilarity returns 0 for mismatched or zero-length vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
