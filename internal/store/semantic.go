package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/vocata/pkg/provider/embeddings"
	"github.com/MrWong99/vocata/pkg/types"
)

// SemanticSchema returns the DDL for the transcript embedding table with the
// given vector dimension. The dimension must match the configured embedding
// model; changing it later requires a manual schema change.
func SemanticSchema(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS transcript_chunks (
    id              BIGSERIAL PRIMARY KEY,
    session_id      TEXT NOT NULL,
    organization_id TEXT NOT NULL,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    embedding       VECTOR(%d) NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transcript_chunks_session ON transcript_chunks(session_id);
CREATE INDEX IF NOT EXISTS idx_transcript_chunks_embedding
    ON transcript_chunks USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// SearchResult is one transcript chunk returned by [SemanticIndex.Search],
// ordered by ascending cosine distance.
type SearchResult struct {
	SessionID string
	Role      string
	Content   string
	Distance  float64
}

// SemanticIndex embeds finished call transcripts into the transcript_chunks
// table and answers meaning-based searches over past calls. All methods are
// safe for concurrent use.
type SemanticIndex struct {
	db       DB
	embedder embeddings.Provider
}

// NewSemanticIndex creates an index writing through db with vectors from
// embedder.
func NewSemanticIndex(db DB, embedder embeddings.Provider) *SemanticIndex {
	return &SemanticIndex{db: db, embedder: embedder}
}

// IndexSession embeds the spoken entries of one finished call in a single
// batch and inserts them. Event entries (triage, IVR, transfers) are skipped;
// they carry no conversational meaning worth searching.
func (s *SemanticIndex) IndexSession(ctx context.Context, sessionID, organizationID string, entries []types.TranscriptEntry) error {
	var spoken []types.TranscriptEntry
	var texts []string
	for _, e := range entries {
		if e.Type != types.EntryTranscript || strings.TrimSpace(e.Content) == "" {
			continue
		}
		spoken = append(spoken, e)
		texts = append(texts, e.Content)
	}
	if len(spoken) == 0 {
		return nil
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("store: embed transcript: %w", err)
	}

	const q = `
		INSERT INTO transcript_chunks (session_id, organization_id, role, content, embedding)
		VALUES ($1, $2, $3, $4, $5)`
	for i, e := range spoken {
		if _, err := s.db.Exec(ctx, q, sessionID, organizationID, e.Role, e.Content,
			pgvector.NewVector(vectors[i])); err != nil {
			return fmt.Errorf("store: index transcript chunk: %w", err)
		}
	}
	return nil
}

// Search returns the topK chunks across the organization's calls closest in
// meaning to query.
func (s *SemanticIndex) Search(ctx context.Context, organizationID, query string, topK int) ([]SearchResult, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: embed query: %w", err)
	}

	const q = `
		SELECT session_id, role, content, embedding <=> $1 AS distance
		FROM   transcript_chunks
		WHERE  organization_id = $2
		ORDER  BY distance
		LIMIT  $3`
	rows, err := s.db.Query(ctx, q, pgvector.NewVector(vec), organizationID, topK)
	if err != nil {
		return nil, fmt.Errorf("store: semantic search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SearchResult, error) {
		var r SearchResult
		err := row.Scan(&r.SessionID, &r.Role, &r.Content, &r.Distance)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: collect search results: %w", err)
	}
	return results, nil
}
