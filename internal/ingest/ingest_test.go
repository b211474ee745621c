package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/corvid-labs/huginn/internal/store"
)

func TestChunkMarkdownSplitsAtHeadings(t *testing.T) {
	src := []byte(`Intro paragraph before any heading.

# Setup

Install the binary and write a config file.

## Configuration

The config file is YAML.

# Usage

Run it.
`)
	chunks := ChunkMarkdown(src)
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(chunks))
	}

	if chunks[0].Heading != "" || !strings.Contains(chunks[0].Text, "Intro paragraph") {
		t.Errorf("preamble chunk = %+v", chunks[0])
	}
	if chunks[1].Heading != "Setup" {
		t.Errorf("chunk 1 heading = %q, want Setup", chunks[1].Heading)
	}
	if !strings.Contains(chunks[1].Text, "Install the binary") {
		t.Errorf("chunk 1 text = %q", chunks[1].Text)
	}
	if !strings.HasPrefix(chunks[1].Text, "Setup\n\n") {
		t.Errorf("chunk text should start with its heading, got %q", chunks[1].Text)
	}
	if chunks[2].Heading != "Configuration" {
		t.Errorf("chunk 2 heading = %q", chunks[2].Heading)
	}
	if chunks[3].Heading != "Usage" || !strings.Contains(chunks[3].Text, "Run it.") {
		t.Errorf("chunk 3 = %+v", chunks[3])
	}
}

func TestChunkMarkdownNoHeadings(t *testing.T) {
	chunks := ChunkMarkdown([]byte("just one paragraph\nwith two lines"))
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0].Heading != "" {
		t.Errorf("heading = %q, want empty", chunks[0].Heading)
	}
}

func TestChunkMarkdownEmpty(t *testing.T) {
	if chunks := ChunkMarkdown(nil); len(chunks) != 0 {
		t.Errorf("chunks = %d, want 0", len(chunks))
	}
	if chunks := ChunkMarkdown([]byte("   \n\n  ")); len(chunks) != 0 {
		t.Errorf("whitespace-only chunks = %d, want 0", len(chunks))
	}
}

func TestExtractSiteText(t *testing.T) {
	page := `<!DOCTYPE html>
<html><head><title>Release Notes</title><style>body{color:red}</style></head>
<body>
<nav>Home | About</nav>
<script>alert("hi")</script>
<h1>Version 2.0</h1>
<p>Adds   streaming support.</p>
<ul><li>faster startup</li><li>less memory</li></ul>
<footer>copyright</footer>
</body></html>`

	title, text := ExtractSiteText(page)
	if title != "Release Notes" {
		t.Errorf("title = %q, want Release Notes", title)
	}
	for _, want := range []string{"Version 2.0", "Adds streaming support.", "faster startup", "less memory"} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q:\n%s", want, text)
		}
	}
	for _, absent := range []string{"alert", "color:red", "Home | About", "copyright"} {
		if strings.Contains(text, absent) {
			t.Errorf("text should not contain %q:\n%s", absent, text)
		}
	}
}

// fixedEmbedder returns the same vector for every input.
type fixedEmbedder struct{}

func (fixedEmbedder) Generate(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (fixedEmbedder) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

// recordingWriter captures stored entries.
type recordingWriter struct {
	mu      sync.Mutex
	entries []store.MemoryEntry
}

func (w *recordingWriter) AddMemoryEntry(ctx context.Context, e store.MemoryEntry) (*store.MemoryEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, e)
	return &e, nil
}

func TestLoaderMarkdownSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	content := "# Alpha\n\nFirst section.\n\n# Beta\n\nSecond section.\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	writer := &recordingWriter{}
	l := New(writer, fixedEmbedder{}, "", nil, nil)

	if err := l.Run(context.Background(), []string{"markdown:" + path}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(writer.entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(writer.entries))
	}
	if writer.entries[0].Source != "markdown:"+path {
		t.Errorf("source = %q", writer.entries[0].Source)
	}
	if writer.entries[0].MessageID != "" {
		t.Errorf("knowledge entry should have no message id, got %q", writer.entries[0].MessageID)
	}
	if !strings.Contains(writer.entries[1].Content, "Second section.") {
		t.Errorf("entry 1 content = %q", writer.entries[1].Content)
	}
}

func TestLoaderSiteSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Doc</title></head><body><p>Hosted knowledge.</p></body></html>`))
	}))
	defer srv.Close()

	writer := &recordingWriter{}
	l := New(writer, fixedEmbedder{}, "", nil, nil)

	if err := l.Run(context.Background(), []string{"site:" + srv.URL}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(writer.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(writer.entries))
	}
	if !strings.Contains(writer.entries[0].Content, "Hosted knowledge.") {
		t.Errorf("content = %q", writer.entries[0].Content)
	}
	if writer.entries[0].Source != "site:"+srv.URL {
		t.Errorf("source = %q", writer.entries[0].Source)
	}
}

func TestLoaderSkipsBrokenSources(t *testing.T) {
	writer := &recordingWriter{}
	l := New(writer, fixedEmbedder{}, "", nil, nil)

	err := l.Run(context.Background(), []string{
		"markdown:/nonexistent/file.md",
		"bogus",
		"unknown:thing",
	})
	if err != nil {
		t.Fatalf("Run should not fail on bad sources: %v", err)
	}
	if len(writer.entries) != 0 {
		t.Errorf("entries = %d, want 0", len(writer.entries))
	}
}

func TestLoaderWithoutEmbedder(t *testing.T) {
	writer := &recordingWriter{}
	l := New(writer, nil, "", nil, nil)
	if err := l.Run(context.Background(), []string{"markdown:whatever.md"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(writer.entries) != 0 {
		t.Errorf("entries = %d, want 0", len(writer.entries))
	}
}
