// Package knowledge manages the vector side of retrieval: embedding text
// and similarity search over named collections backed by PostgreSQL +
// pgvector.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"google.golang.org/genai"
)

// Collection names. Every upsert and search names one of these.
const (
	CollectionEmails       = "emails"
	CollectionMessaging    = "whatsapp"
	CollectionMeetings     = "meetings"
	CollectionContacts     = "contacts"
	CollectionDocuments    = "documents"
	CollectionInteractions = "interactions"
)

// AllCollections is the default search scope.
var AllCollections = []string{
	CollectionEmails,
	CollectionMessaging,
	CollectionMeetings,
	CollectionContacts,
	CollectionDocuments,
	CollectionInteractions,
}

// VectorDimension matches the knowledge_items schema and the embedder's
// OutputDimensionality.
const VectorDimension int32 = 768

// queryTimeout bounds each database round trip.
const queryTimeout = 10 * time.Second

const upsertItemSQL = `INSERT INTO knowledge_items (id, collection, content, metadata, embedding)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (collection, id) DO UPDATE
	SET content = EXCLUDED.content, metadata = EXCLUDED.metadata,
	    embedding = EXCLUDED.embedding, updated_at = now()`

// searchCollectionSQL ranks by cosine similarity (1 - distance).
const searchCollectionSQL = `SELECT id, content, metadata,
	1 - (embedding <=> $1) AS similarity
	FROM knowledge_items
	WHERE collection = $2 AND 1 - (embedding <=> $1) >= $3
	ORDER BY embedding <=> $1
	LIMIT $4`

// Hit is a single similarity match.
type Hit struct {
	ID         string
	Collection string
	Content    string
	Metadata   map[string]any
	Score      float32
}

// Store manages embeddings and similarity search.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool     *pgxpool.Pool
	embedder ai.Embedder
	logger   *slog.Logger
}

// NewStore creates a knowledge Store.
func NewStore(pool *pgxpool.Pool, embedder ai.Embedder, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, embedder: embedder, logger: logger}, nil
}

// embed generates a vector embedding for the given text.
func (s *Store) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	dim := VectorDimension
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, fmt.Errorf("empty embedding response")
	}
	return pgvector.NewVector(resp.Embeddings[0].Embedding), nil
}

// Upsert embeds text and writes it into collection under id.
func (s *Store) Upsert(ctx context.Context, collection, id, text string, metadata map[string]any) error {
	vec, err := s.embed(ctx, text)
	if err != nil {
		return err
	}

	data := []byte("{}")
	if metadata != nil {
		data, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshaling metadata: %w", err)
		}
	}

	qCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if _, err := s.pool.Exec(qCtx, upsertItemSQL, id, collection, text, data, vec); err != nil {
		return fmt.Errorf("upserting into %s: %w", collection, err)
	}
	return nil
}

// Search embeds query once and runs a similarity search over each requested
// collection, merging all hits ranked by score descending. Hits below
// threshold are dropped. perCollection bounds each collection's result set.
func (s *Store) Search(ctx context.Context, collections []string, query string, perCollection int, threshold float32) ([]Hit, error) {
	if len(collections) == 0 {
		collections = AllCollections
	}
	if perCollection <= 0 {
		perCollection = 5
	}

	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	var hits []Hit
	for _, coll := range collections {
		collHits, err := s.searchCollection(ctx, coll, vec, perCollection, threshold)
		if err != nil {
			return nil, err
		}
		hits = append(hits, collHits...)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}

func (s *Store) searchCollection(ctx context.Context, collection string, vec pgvector.Vector, limit int, threshold float32) ([]Hit, error) {
	qCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(qCtx, searchCollectionSQL, vec, collection, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", collection, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		h := Hit{Collection: collection}
		var metadata []byte
		if err := rows.Scan(&h.ID, &h.Content, &metadata, &h.Score); err != nil {
			return nil, fmt.Errorf("scanning hit in %s: %w", collection, err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &h.Metadata); err != nil {
				// Degraded metadata should not hide the hit itself.
				s.logger.Warn("hit metadata unmarshal failed",
					"collection", collection, "id", h.ID, "error", err)
			}
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating hits in %s: %w", collection, err)
	}
	return hits, nil
}
