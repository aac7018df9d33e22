// Package storage defines the persistence contracts for conversation
// turns and the regulation document corpus.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hallabot/regubot/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// TurnRecord is one completed chat turn with its final metadata.
type TurnRecord struct {
	ID               string
	ConversationID   string
	UserMessage      string
	AssistantMessage string
	Language         string
	Metadata         *domain.TurnMetadata
	CreatedAt        time.Time
}

// TurnStore persists completed turns and their usage accounting.
type TurnStore interface {
	// SaveTurn writes the turn, its token usage and its metadata
	// atomically.
	SaveTurn(ctx context.Context, turn *TurnRecord) error

	// ListTurns returns the turns of a conversation, oldest first.
	ListTurns(ctx context.Context, conversationID string) ([]*TurnRecord, error)
}

// DocumentStore holds the regulation chunk corpus.
type DocumentStore interface {
	// FetchMany resolves chunk ids to full documents. Missing ids are
	// silently skipped; order follows the input ids.
	FetchMany(ctx context.Context, ids []string) ([]domain.Document, error)

	// UpsertDocuments inserts or replaces chunks.
	UpsertDocuments(ctx context.Context, docs []domain.Document) error
}
