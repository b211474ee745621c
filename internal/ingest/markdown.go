package ingest

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Chunk is one heading-delimited section of a document.
type Chunk struct {
	Heading string
	Text    string
}

// ChunkMarkdown splits a markdown document into sections at headings.
// Text before the first heading becomes a chunk with an empty heading.
// Empty sections are dropped.
func ChunkMarkdown(source []byte) []Chunk {
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(source))

	type boundary struct {
		offset  int
		heading string
	}
	var bounds []boundary

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			continue
		}
		seg := h.Lines().At(0)
		bounds = append(bounds, boundary{
			offset:  lineStart(source, seg.Start),
			heading: strings.TrimSpace(string(h.Text(source))),
		})
	}

	var chunks []Chunk
	appendChunk := func(heading string, body []byte) {
		content := strings.TrimSpace(string(body))
		if heading != "" {
			// Keep the heading visible to the model inside the chunk.
			if content == "" {
				content = heading
			} else {
				content = heading + "\n\n" + content
			}
		}
		if content == "" {
			return
		}
		chunks = append(chunks, Chunk{Heading: heading, Text: content})
	}

	if len(bounds) == 0 {
		appendChunk("", source)
		return chunks
	}

	if bounds[0].offset > 0 {
		appendChunk("", source[:bounds[0].offset])
	}
	for i, b := range bounds {
		end := len(source)
		if i+1 < len(bounds) {
			end = bounds[i+1].offset
		}
		// Body starts after the heading's own line.
		body := source[b.offset:end]
		if nl := strings.IndexByte(string(body), '\n'); nl >= 0 {
			body = body[nl+1:]
		} else {
			body = nil
		}
		appendChunk(b.heading, body)
	}
	return chunks
}

// lineStart walks back from a segment offset to the start of its line
// so chunk boundaries include the heading markers.
func lineStart(source []byte, offset int) int {
	if offset > len(source) {
		offset = len(source)
	}
	for offset > 0 && source[offset-1] != '\n' {
		offset--
	}
	return offset
}
