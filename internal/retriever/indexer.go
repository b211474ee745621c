package retriever

import (
	"context"
	"log/slog"
	"time"

	"github.com/corvid-labs/huginn/internal/embeddings"
	"github.com/corvid-labs/huginn/internal/events"
	"github.com/corvid-labs/huginn/internal/store"
)

// EntryWriter is the slice of the store the indexer writes.
type EntryWriter interface {
	AddMemoryEntry(ctx context.Context, e store.MemoryEntry) (*store.MemoryEntry, error)
}

// Indexer consumes committed-message notifications from the event bus
// and writes embedding-backed memory entries in the background. The
// dispatcher never waits on embedding generation; a crash between
// commit and indexing loses at most the embedding, never the message.
type Indexer struct {
	bus      *events.Bus
	writer   EntryWriter
	embedder embeddings.Embedder
	logger   *slog.Logger
}

// NewIndexer creates an indexer. It does nothing until Run is called.
func NewIndexer(bus *events.Bus, writer EntryWriter, embedder embeddings.Embedder, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		bus:      bus,
		writer:   writer,
		embedder: embedder,
		logger:   logger.With("component", "indexer"),
	}
}

// Run subscribes to the bus and processes committed messages until ctx
// is canceled. Only user and assistant turns become memory; tool
// results are machine output with no recall value.
func (ix *Indexer) Run(ctx context.Context) {
	if ix.embedder == nil {
		ix.logger.Info("embeddings disabled, indexer idle")
		<-ctx.Done()
		return
	}

	// A deep buffer so a burst of commits does not drop notifications
	// while an embedding call is in flight.
	ch := ix.bus.Subscribe(256)
	defer ix.bus.Unsubscribe(ch)

	ix.logger.Info("indexer started")
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Source != events.SourceStore || evt.Kind != events.KindMessageCommitted {
				continue
			}
			ix.handle(ctx, evt)
		}
	}
}

func (ix *Indexer) handle(ctx context.Context, evt events.Event) {
	role, _ := evt.Data["role"].(string)
	if role != store.RoleUser && role != store.RoleAssistant {
		return
	}
	content, _ := evt.Data["content"].(string)
	messageID, _ := evt.Data["message_id"].(string)
	if content == "" || messageID == "" {
		return
	}

	embedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	vec, err := ix.embedder.Generate(embedCtx, content)
	if err != nil {
		ix.logger.Warn("embedding failed, message not indexed",
			"message_id", messageID, "error", err)
		return
	}

	entry, err := ix.writer.AddMemoryEntry(ctx, store.MemoryEntry{
		MessageID: messageID,
		Source:    "conversation",
		Content:   content,
		Embedding: vec,
	})
	if err != nil {
		ix.logger.Warn("memory entry write failed",
			"message_id", messageID, "error", err)
		return
	}

	ix.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRetriever,
		Kind:      events.KindEntryIndexed,
		Data:      map[string]any{"entry_id": entry.ID, "source": entry.Source},
	})
}
