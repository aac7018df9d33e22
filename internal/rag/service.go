package rag

import (
	"context"
	"log/slog"

	"github.com/hallabot/regubot/internal/domain"
)

// Result is the outcome of the retrieval pipeline for one question.
// Gate outcome is always populated even when nothing was retrieved.
type Result struct {
	Decision domain.GateDecision
	Via      GateVia
	Hits     []domain.RetrievalHit
	ChunkIDs []string
	Package  domain.DocumentPackage
}

// Service runs gate, retrieval and assembly as one sequential pipeline:
// retrieval only happens for questions the gate lets through.
type Service struct {
	gate      *Gate
	retriever *Retriever
	assembler *Assembler
	logger    *slog.Logger
}

// NewService wires the retrieval pipeline.
func NewService(gate *Gate, retriever *Retriever, assembler *Assembler, logger *slog.Logger) *Service {
	return &Service{
		gate:      gate,
		retriever: retriever,
		assembler: assembler,
		logger:    logger,
	}
}

// Retrieve runs the pipeline. It never returns an error: each stage
// degrades to an explicit empty state instead.
func (s *Service) Retrieve(ctx context.Context, question string) Result {
	decision, via := s.gate.Decide(ctx, question)
	result := Result{
		Decision: decision,
		Via:      via,
		Package:  domain.DocumentPackage{Source: domain.SourceNone},
	}
	if !decision.IsRegulation {
		return result
	}

	result.Hits, result.ChunkIDs = s.retriever.Search(ctx, question)
	if len(result.Hits) == 0 {
		s.logger.Info("no retrieval hits above threshold", slog.String("question", clip(question, 50)))
		return result
	}

	result.Package = s.assembler.Build(ctx, result.Hits, result.ChunkIDs)
	return result
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
