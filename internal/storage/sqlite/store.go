// Package sqlite is the SQLite implementation of the storage contracts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hallabot/regubot/internal/domain"
	"github.com/hallabot/regubot/internal/storage"
)

// Store implements TurnStore and DocumentStore on one database.
type Store struct {
	db *sql.DB
}

var _ storage.TurnStore = (*Store)(nil)
var _ storage.DocumentStore = (*Store)(nil)

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_message TEXT NOT NULL,
			assistant_message TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT 'KOR',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS token_usage (
			turn_id TEXT PRIMARY KEY,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			function_tokens INTEGER NOT NULL,
			rag_tokens INTEGER NOT NULL,
			reasoning_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			input_cost_usd REAL NOT NULL,
			output_cost_usd REAL NOT NULL,
			total_cost_usd REAL NOT NULL,
			currency TEXT NOT NULL,
			model TEXT NOT NULL,
			preset TEXT,
			FOREIGN KEY (turn_id) REFERENCES turns(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS turn_metadata (
			turn_id TEXT PRIMARY KEY,
			metadata TEXT NOT NULL,
			FOREIGN KEY (turn_id) REFERENCES turns(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS regulation_chunks (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			title TEXT,
			source_file TEXT,
			law_article_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveTurn writes the turn, its token usage and its metadata in one
// transaction. The conversation row is created on first use.
func (s *Store) SaveTurn(ctx context.Context, turn *storage.TurnRecord) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		turn.ConversationID, turn.CreatedAt, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}

	var durationMS int64
	if turn.Metadata != nil {
		durationMS = turn.Metadata.DurationMS
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, user_message, assistant_message, language, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.ConversationID, turn.UserMessage, turn.AssistantMessage,
		turn.Language, durationMS, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	if turn.Metadata != nil {
		if usage := turn.Metadata.TokenUsage; usage != nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO token_usage (turn_id, input_tokens, output_tokens, function_tokens,
					rag_tokens, reasoning_tokens, total_tokens,
					input_cost_usd, output_cost_usd, total_cost_usd, currency, model, preset)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				turn.ID, usage.InputTokens, usage.OutputTokens, usage.FunctionTokens,
				usage.RagTokens, usage.ReasoningTokens, usage.TotalTokens,
				usage.InputCostUSD, usage.OutputCostUSD, usage.TotalCostUSD,
				usage.Currency, usage.Model, usage.Preset)
			if err != nil {
				return fmt.Errorf("failed to insert token usage: %w", err)
			}
		}

		metaJSON, err := json.Marshal(turn.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turn_metadata (turn_id, metadata) VALUES (?, ?)`,
			turn.ID, string(metaJSON)); err != nil {
			return fmt.Errorf("failed to insert metadata: %w", err)
		}
	}

	return tx.Commit()
}

// ListTurns returns a conversation's turns, oldest first, with metadata
// rehydrated from the stored JSON.
func (s *Store) ListTurns(ctx context.Context, conversationID string) ([]*storage.TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.conversation_id, t.user_message, t.assistant_message, t.language, t.created_at,
			m.metadata
		FROM turns t
		LEFT JOIN turn_metadata m ON m.turn_id = t.id
		WHERE t.conversation_id = ?
		ORDER BY t.created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []*storage.TurnRecord
	for rows.Next() {
		turn := &storage.TurnRecord{}
		var metaJSON sql.NullString
		if err := rows.Scan(&turn.ID, &turn.ConversationID, &turn.UserMessage,
			&turn.AssistantMessage, &turn.Language, &turn.CreatedAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if metaJSON.Valid && metaJSON.String != "" {
			var meta domain.TurnMetadata
			if err := json.Unmarshal([]byte(metaJSON.String), &meta); err == nil {
				turn.Metadata = &meta
			}
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// FetchMany resolves chunk ids to documents. Missing ids are skipped;
// results follow the input order.
func (s *Store) FetchMany(ctx context.Context, ids []string) ([]domain.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, title, source_file, law_article_id FROM regulation_chunks WHERE id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]domain.Document, len(ids))
	for rows.Next() {
		var doc domain.Document
		var title, sourceFile, articleID sql.NullString
		if err := rows.Scan(&doc.ID, &doc.Text, &title, &sourceFile, &articleID); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		doc.Title = title.String
		doc.SourceFile = sourceFile.String
		doc.LawArticleID = articleID.String
		byID[doc.ID] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	docs := make([]domain.Document, 0, len(byID))
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// UpsertDocuments inserts or replaces regulation chunks.
func (s *Store) UpsertDocuments(ctx context.Context, docs []domain.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO regulation_chunks (id, text, title, source_file, law_article_id)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, doc := range docs {
		if _, err := stmt.ExecContext(ctx, doc.ID, doc.Text, doc.Title, doc.SourceFile, doc.LawArticleID); err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
