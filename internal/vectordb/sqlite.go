package vectordb

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/hallabot/regubot/internal/rag"
)

// SQLiteIndex persists vectors in SQLite. Embeddings are stored as
// little-endian float32 blobs; similarity is computed in process.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex opens (or creates) a vector index at dbPath.
func NewSQLiteIndex(dbPath string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	idx := &SQLiteIndex{db: db}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return idx, nil
}

func (s *SQLiteIndex) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS vectors (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL DEFAULT '',
			embedding BLOB NOT NULL,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vectors_namespace ON vectors(namespace)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Upsert stores entries, replacing any with the same id.
func (s *SQLiteIndex) Upsert(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO vectors (id, namespace, embedding, metadata) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.Namespace, encodeVector(e.Vector), string(meta)); err != nil {
			return fmt.Errorf("failed to insert vector: %w", err)
		}
	}
	return tx.Commit()
}

// Query scans the namespace and returns the topK entries by cosine
// similarity, highest first. Rows with corrupted payloads are skipped.
func (s *SQLiteIndex) Query(ctx context.Context, vector []float32, topK int, namespace string) ([]rag.Match, error) {
	query := `SELECT id, embedding, metadata FROM vectors`
	args := []any{}
	if namespace != "" {
		query += ` WHERE namespace = ?`
		args = append(args, namespace)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer rows.Close()

	var matches []rag.Match
	for rows.Next() {
		var id string
		var blob []byte
		var metaJSON sql.NullString
		if err := rows.Scan(&id, &blob, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		stored, err := decodeVector(blob)
		if err != nil {
			continue
		}
		var meta map[string]string
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &meta); err != nil {
				meta = nil
			}
		}
		matches = append(matches, rag.Match{
			ID:       id,
			Score:    cosineSimilarity(vector, stored),
			Metadata: meta,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Count returns the number of stored vectors.
func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&count)
	return count, err
}

// Close closes the underlying database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
