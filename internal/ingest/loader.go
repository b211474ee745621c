// Package ingest loads external knowledge into the memory store at
// startup: markdown files, web pages, and code-hosting organization
// activity. Documents are chunked, embedded, and written as memory
// entries with no backing message.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/corvid-labs/huginn/internal/embeddings"
	"github.com/corvid-labs/huginn/internal/events"
	"github.com/corvid-labs/huginn/internal/httpkit"
	"github.com/corvid-labs/huginn/internal/store"
)

// Document is one unit of external knowledge before chunking.
type Document struct {
	Source  string
	Title   string
	Content string
}

// EntryWriter persists embedded knowledge chunks.
type EntryWriter interface {
	AddMemoryEntry(ctx context.Context, e store.MemoryEntry) (*store.MemoryEntry, error)
}

// Loader resolves configured sources into memory entries.
type Loader struct {
	writer   EntryWriter
	embedder embeddings.Embedder
	client   *http.Client
	forge    *gogithub.Client
	bus      *events.Bus
	logger   *slog.Logger
}

// New creates a loader. forgeToken may be empty; it only matters for
// forge sources.
func New(writer EntryWriter, embedder embeddings.Embedder, forgeToken string, bus *events.Bus, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := httpkit.NewClient(httpkit.WithTimeout(30 * time.Second))
	forge := gogithub.NewClient(httpClient)
	if forgeToken != "" {
		forge = forge.WithAuthToken(forgeToken)
	}
	return &Loader{
		writer:   writer,
		embedder: embedder,
		client:   httpClient,
		forge:    forge,
		bus:      bus,
		logger:   logger.With("component", "ingest"),
	}
}

// Run loads every configured source. Each source is a "type:location"
// pair. A failing source is logged and skipped; it never aborts the
// rest of the run.
func (l *Loader) Run(ctx context.Context, sources []string) error {
	if l.embedder == nil {
		if len(sources) > 0 {
			l.logger.Warn("ingestion skipped: no embedder configured", "sources", len(sources))
		}
		return nil
	}
	for _, src := range sources {
		kind, location, ok := strings.Cut(src, ":")
		if !ok {
			l.logger.Warn("malformed source, expected type:location", "source", src)
			continue
		}
		docs, err := l.resolve(ctx, kind, location)
		if err != nil {
			l.logger.Warn("source load failed", "source", src, "error", err)
			continue
		}
		for _, doc := range docs {
			if err := l.indexDocument(ctx, doc); err != nil {
				l.logger.Warn("document index failed", "source", doc.Source, "error", err)
			}
		}
	}
	return nil
}

// resolve turns one source into documents.
func (l *Loader) resolve(ctx context.Context, kind, location string) ([]Document, error) {
	switch kind {
	case "markdown":
		raw, err := os.ReadFile(location)
		if err != nil {
			return nil, fmt.Errorf("read markdown: %w", err)
		}
		return []Document{{Source: "markdown:" + location, Content: string(raw)}}, nil

	case "site":
		u := location
		if !strings.Contains(u, "://") {
			u = "https://" + u
		}
		raw, err := l.fetchSite(ctx, u)
		if err != nil {
			return nil, err
		}
		title, text := ExtractSiteText(raw)
		if text == "" {
			return nil, fmt.Errorf("no readable text at %s", u)
		}
		if title != "" {
			text = title + "\n\n" + text
		}
		return []Document{{Source: "site:" + u, Title: title, Content: text}}, nil

	case "forge":
		return forgeOrgDocuments(ctx, l.forge, location)

	default:
		return nil, fmt.Errorf("unknown source type %q", kind)
	}
}

// fetchSite downloads a page body.
func (l *Loader) fetchSite(ctx context.Context, u string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch site: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("site status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", fmt.Errorf("read site body: %w", err)
	}
	return string(body), nil
}

// indexDocument chunks, embeds, and persists one document.
func (l *Loader) indexDocument(ctx context.Context, doc Document) error {
	chunks := ChunkMarkdown([]byte(doc.Content))
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	embedCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	vectors, err := l.embedder.GenerateBatch(embedCtx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}

	stored := 0
	for i, c := range chunks {
		_, err := l.writer.AddMemoryEntry(ctx, store.MemoryEntry{
			Source:    doc.Source,
			Content:   c.Text,
			Embedding: vectors[i],
		})
		if err != nil {
			return fmt.Errorf("store chunk: %w", err)
		}
		stored++
	}

	l.logger.Info("document loaded", "source", doc.Source, "chunks", stored)
	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceIngest,
		Kind:      events.KindDocumentLoaded,
		Data: map[string]any{
			"source": doc.Source,
			"chunks": stored,
		},
	})
	return nil
}
