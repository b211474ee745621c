// Package retriever provides similarity search over stored memory
// entries and the background indexer that keeps them populated.
// Retrieval is best-effort: a turn proceeds with empty context rather
// than failing when the embedding provider or store misbehaves.
package retriever

import (
	"context"
	"log/slog"

	"github.com/corvid-labs/huginn/internal/embeddings"
	"github.com/corvid-labs/huginn/internal/store"
)

// EntryLister is the slice of the store the retriever reads.
type EntryLister interface {
	ListMemoryEntries(ctx context.Context) ([]store.MemoryEntry, error)
}

// Result is one retrieved memory entry with its similarity score.
type Result struct {
	Entry store.MemoryEntry
	Score float32
}

// Retriever answers "what do we remember that is relevant to this
// text" by cosine similarity over all stored vectors.
type Retriever struct {
	entries  EntryLister
	embedder embeddings.Embedder
	logger   *slog.Logger
}

// New creates a retriever. embedder may be nil, in which case every
// query degrades to empty results.
func New(entries EntryLister, embedder embeddings.Embedder, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		entries:  entries,
		embedder: embedder,
		logger:   logger.With("component", "retriever"),
	}
}

// Query returns up to k memory entries most similar to text, in
// descending similarity order. Any failure degrades to empty results
// with a warn log; the caller never sees an error from retrieval.
func (r *Retriever) Query(ctx context.Context, text string, k int) []Result {
	if r.embedder == nil || k <= 0 || text == "" {
		return nil
	}

	query, err := r.embedder.Generate(ctx, text)
	if err != nil {
		r.logger.Warn("query embedding failed, proceeding without memory", "error", err)
		return nil
	}

	entries, err := r.entries.ListMemoryEntries(ctx)
	if err != nil {
		r.logger.Warn("memory listing failed, proceeding without memory", "error", err)
		return nil
	}
	if len(entries) == 0 {
		return nil
	}

	vectors := make([][]float32, len(entries))
	for i := range entries {
		vectors[i] = entries[i].Embedding
	}

	results := make([]Result, 0, k)
	for _, idx := range embeddings.TopK(query, vectors, k) {
		results = append(results, Result{
			Entry: entries[idx],
			Score: embeddings.CosineSimilarity(query, vectors[idx]),
		})
	}
	return results
}
