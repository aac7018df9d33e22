package rag

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hallabot/regubot/internal/domain"
)

// DocumentStore resolves chunk ids to full documents in one batched call.
type DocumentStore interface {
	FetchMany(ctx context.Context, ids []string) ([]domain.Document, error)
}

// Assembler builds a DocumentPackage from retrieval hits.
type Assembler struct {
	store  DocumentStore
	logger *slog.Logger
}

// NewAssembler creates a document assembler.
func NewAssembler(store DocumentStore, logger *slog.Logger) *Assembler {
	return &Assembler{store: store, logger: logger}
}

// Build resolves ids against the document store and merges the full texts
// in hit order. When nothing resolves it falls back to any text_preview
// metadata carried on the hits themselves; when neither yields text the
// package is Source=none with empty merged text.
func (a *Assembler) Build(ctx context.Context, hits []domain.RetrievalHit, ids []string) domain.DocumentPackage {
	if len(ids) > 0 {
		docs, err := a.store.FetchMany(ctx, ids)
		if err != nil {
			a.logger.Warn("document store fetch failed", slog.String("error", err.Error()))
		} else if len(docs) > 0 {
			return a.fromDocuments(docs)
		}
	}
	return a.fromPreviews(hits)
}

func (a *Assembler) fromDocuments(docs []domain.Document) domain.DocumentPackage {
	texts := make([]string, 0, len(docs))
	attributions := make([]domain.SourceAttribution, 0, len(docs))
	for _, doc := range docs {
		if strings.TrimSpace(doc.Text) == "" {
			continue
		}
		texts = append(texts, doc.Text)
		attributions = append(attributions, domain.SourceAttribution{
			LawArticleID: doc.LawArticleID,
			SourceFile:   doc.SourceFile,
			Title:        doc.Title,
		})
	}
	if len(texts) == 0 {
		return domain.DocumentPackage{Source: domain.SourceNone}
	}
	return domain.DocumentPackage{
		MergedText:    strings.Join(texts, "\n\n"),
		Source:        domain.SourceDocumentStore,
		DocumentCount: len(texts),
		Attributions:  attributions,
	}
}

func (a *Assembler) fromPreviews(hits []domain.RetrievalHit) domain.DocumentPackage {
	var previews []string
	for _, hit := range hits {
		if preview, ok := hit.Metadata["text_preview"]; ok && strings.TrimSpace(preview) != "" {
			previews = append(previews, preview)
		}
	}
	if len(previews) == 0 {
		return domain.DocumentPackage{Source: domain.SourceNone}
	}
	return domain.DocumentPackage{
		MergedText:   strings.Join(previews, "\n\n"),
		Source:       domain.SourcePreview,
		PreviewCount: len(previews),
	}
}
