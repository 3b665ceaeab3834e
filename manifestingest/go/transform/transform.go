// Package transform turns fetched documents into embeddable chunks: HTML
// cleanup, windowed chunking with overlap, and optional enrichment.
package transform

import (
	"strings"

	"go.moonmind.dev/infra/jobqueue/go/types"
	"go.moonmind.dev/infra/manifestingest/go/manifest"
	"go.moonmind.dev/infra/manifestingest/go/sourcetypes"
	"golang.org/x/net/html"
)

// Enricher names accepted in manifest transform.enrichers.
const (
	EnricherTitlePrefix = "title_prefix"
	EnricherSourceURI   = "source_uri"
)

// Chunk is one embeddable slice of a document.
type Chunk struct {
	// Index is the chunk's position within the document, zero-based. Point
	// ids are derived from it, so it must be stable for unchanged content.
	Index int
	Text  string
}

// Transformer applies one manifest's transform config.
type Transformer struct {
	cfg manifest.Transform
}

// New returns a Transformer. The config must already be validated.
func New(cfg manifest.Transform) (*Transformer, error) {
	for _, e := range cfg.Enrichers {
		if e != EnricherTitlePrefix && e != EnricherSourceURI {
			return nil, types.KindErrorf(types.ErrorKindValidation, "unknown enricher %q", e)
		}
	}
	return &Transformer{cfg: cfg}, nil
}

// Apply transforms one document into its chunks. Documents with no content
// after cleanup produce no chunks.
func (t *Transformer) Apply(doc *sourcetypes.Document) []Chunk {
	content := doc.Content
	if t.cfg.StripHTML && looksLikeHTML(doc, content) {
		content = StripHTML(content)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	pieces := chunkText(content, t.cfg.ChunkSize, t.cfg.ChunkOverlap)
	rv := make([]Chunk, 0, len(pieces))
	for i, text := range pieces {
		rv = append(rv, Chunk{Index: i, Text: t.enrich(doc, text)})
	}
	return rv
}

func (t *Transformer) enrich(doc *sourcetypes.Document, text string) string {
	for _, e := range t.cfg.Enrichers {
		switch e {
		case EnricherTitlePrefix:
			if doc.Title != "" {
				text = doc.Title + "\n\n" + text
			}
		case EnricherSourceURI:
			if doc.URI != "" {
				text = text + "\n\nSource: " + doc.URI
			}
		}
	}
	return text
}

func looksLikeHTML(doc *sourcetypes.Document, content string) bool {
	if ct, ok := doc.Metadata["contentType"]; ok {
		return strings.Contains(ct, "text/html")
	}
	head := strings.ToLower(strings.TrimSpace(content))
	if len(head) > 256 {
		head = head[:256]
	}
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html") ||
		strings.Contains(head, "<body")
}

// StripHTML extracts the visible text of an HTML document, skipping script
// and style elements. Malformed HTML degrades gracefully: the tokenizer
// yields whatever text it can.
func StripHTML(s string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	skipDepth := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := z.TagName()
			if skippedTag(string(name)) {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if skippedTag(string(name)) && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text := strings.TrimSpace(string(z.Text()))
			if text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(text)
		}
	}
}

func skippedTag(name string) bool {
	return name == "script" || name == "style" || name == "noscript"
}

// chunkText splits text into windows of at most size runes with the given
// overlap, breaking on whitespace where possible.
func chunkText(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}
	step := size - overlap
	rv := []string{}
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end >= len(runes) {
			rv = append(rv, strings.TrimSpace(string(runes[start:])))
			break
		}
		// Back off to the last whitespace inside the window so words are
		// not split, unless the window has none.
		cut := end
		for cut > start+step && !isSpace(runes[cut-1]) {
			cut--
		}
		if cut == start+step {
			cut = end
		}
		rv = append(rv, strings.TrimSpace(string(runes[start:cut])))
	}
	// Drop empty tails produced by trailing whitespace.
	out := rv[:0]
	for _, c := range rv {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}
