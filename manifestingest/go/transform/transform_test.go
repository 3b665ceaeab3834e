package transform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.moonmind.dev/infra/jobqueue/go/types"
	"go.moonmind.dev/infra/manifestingest/go/manifest"
	"go.moonmind.dev/infra/manifestingest/go/sourcetypes"
)

func TestNew_UnknownEnricher(t *testing.T) {
	_, err := New(manifest.Transform{ChunkSize: 100, ChunkOverlap: 10, Enrichers: []string{"summarize"}})
	require.Error(t, err)
	require.Equal(t, types.ErrorKindValidation, types.KindOf(err))
}

func TestApply_ShortDocumentIsOneChunk(t *testing.T) {
	tr, err := New(manifest.Transform{ChunkSize: 100, ChunkOverlap: 10})
	require.NoError(t, err)
	chunks := tr.Apply(&sourcetypes.Document{Id: "a", Content: "hello world"})
	require.Equal(t, []Chunk{{Index: 0, Text: "hello world"}}, chunks)
}

func TestApply_EmptyAfterCleanup(t *testing.T) {
	tr, err := New(manifest.Transform{ChunkSize: 100, ChunkOverlap: 10})
	require.NoError(t, err)
	require.Nil(t, tr.Apply(&sourcetypes.Document{Id: "a", Content: "   \n\t "}))
}

func TestApply_ChunkingWindowsAndOverlap(t *testing.T) {
	tr, err := New(manifest.Transform{ChunkSize: 20, ChunkOverlap: 5})
	require.NoError(t, err)
	words := strings.Repeat("alpha beta gamma ", 10)
	chunks := tr.Apply(&sourcetypes.Document{Id: "a", Content: words})
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		require.Equal(t, i, c.Index)
		require.LessOrEqual(t, len([]rune(c.Text)), 20)
		require.NotEmpty(t, c.Text)
		// Windows break on whitespace, so no chunk starts or ends mid-word
		// for this input.
		require.False(t, strings.HasPrefix(c.Text, " "))
		require.False(t, strings.HasSuffix(c.Text, " "))
	}
	// Chunk indexes are stable across repeated application.
	again := tr.Apply(&sourcetypes.Document{Id: "a", Content: words})
	require.Equal(t, chunks, again)
}

func TestApply_StripHTML(t *testing.T) {
	tr, err := New(manifest.Transform{ChunkSize: 1000, ChunkOverlap: 10, StripHTML: true})
	require.NoError(t, err)
	doc := &sourcetypes.Document{
		Id:       "page",
		Content:  `<html><head><style>body{}</style></head><body><h1>Title</h1><script>alert(1)</script><p>Real text.</p></body></html>`,
		Metadata: map[string]string{"contentType": "text/html; charset=utf-8"},
	}
	chunks := tr.Apply(doc)
	require.Len(t, chunks, 1)
	require.Equal(t, "Title\nReal text.", chunks[0].Text)
}

func TestApply_StripHTMLLeavesPlainTextAlone(t *testing.T) {
	tr, err := New(manifest.Transform{ChunkSize: 1000, ChunkOverlap: 10, StripHTML: true})
	require.NoError(t, err)
	chunks := tr.Apply(&sourcetypes.Document{Id: "note", Content: "a < b means less than"})
	require.Len(t, chunks, 1)
	require.Equal(t, "a < b means less than", chunks[0].Text)
}

func TestApply_Enrichers(t *testing.T) {
	tr, err := New(manifest.Transform{
		ChunkSize:    1000,
		ChunkOverlap: 10,
		Enrichers:    []string{EnricherTitlePrefix, EnricherSourceURI},
	})
	require.NoError(t, err)
	doc := &sourcetypes.Document{
		Id:      "intro.md",
		Title:   "Introduction",
		URI:     "file:///srv/handbook/intro.md",
		Content: "Welcome.",
	}
	chunks := tr.Apply(doc)
	require.Len(t, chunks, 1)
	require.Equal(t, "Introduction\n\nWelcome.\n\nSource: file:///srv/handbook/intro.md", chunks[0].Text)
}

func TestStripHTML_Malformed(t *testing.T) {
	// The tokenizer yields what it can from truncated markup.
	require.Equal(t, "unclosed", StripHTML("<div><p>unclosed"))
}
