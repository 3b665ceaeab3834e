package fsdocs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.moonmind.dev/infra/go/testutils"
	"go.moonmind.dev/infra/jobqueue/go/types"
	"go.moonmind.dev/infra/manifestingest/go/manifest"
	"go.moonmind.dev/infra/manifestingest/go/sourcetypes"
)

func source(root string, extra map[string]string) manifest.DataSource {
	cfg := map[string]string{"path": root}
	for k, v := range extra {
		cfg[k] = v
	}
	return manifest.DataSource{Id: "handbook", Type: "fsdocs", Config: cfg}
}

func docIds(snap *sourcetypes.Snapshot) []string {
	var rv []string
	for _, d := range snap.Documents {
		rv = append(rv, d.Id)
	}
	return rv
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New(manifest.DataSource{Id: "handbook", Type: "fsdocs"})
	require.Error(t, err)
	require.Equal(t, types.ErrorKindValidation, types.KindOf(err))
}

func TestFetch(t *testing.T) {
	root := testutils.TempDir(t)
	testutils.WriteFile(t, root, "intro.md", "# Intro\n")
	testutils.WriteFile(t, root, "guides/setup.md", "# Setup\n")
	testutils.WriteFile(t, root, "notes.txt", "plain notes")
	testutils.WriteFile(t, root, "image.png", "not indexed")
	testutils.WriteFile(t, root, ".git/config", "skipped dot dir")

	a, err := New(source(root, nil))
	require.NoError(t, err)
	snap, err := a.Fetch(context.Background(), "", sourcetypes.FetchOptions{})
	require.NoError(t, err)
	require.False(t, snap.Truncated)
	// Ids are root-relative, slash-separated, and sorted.
	require.Equal(t, []string{"guides/setup.md", "intro.md", "notes.txt"}, docIds(snap))
	require.Equal(t, "setup", snap.Documents[0].Title)
	require.Equal(t, "# Setup\n", snap.Documents[0].Content)
	require.Contains(t, snap.Documents[0].URI, "file://")
}

func TestFetch_ExtensionsFilter(t *testing.T) {
	root := testutils.TempDir(t)
	testutils.WriteFile(t, root, "a.md", "md")
	testutils.WriteFile(t, root, "b.adoc", "adoc")

	a, err := New(source(root, map[string]string{"extensions": "adoc"}))
	require.NoError(t, err)
	snap, err := a.Fetch(context.Background(), "", sourcetypes.FetchOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"b.adoc"}, docIds(snap))
}

func TestFetch_MaxDocsTruncates(t *testing.T) {
	root := testutils.TempDir(t)
	testutils.WriteFile(t, root, "a.md", "a")
	testutils.WriteFile(t, root, "b.md", "b")
	testutils.WriteFile(t, root, "c.md", "c")

	a, err := New(source(root, nil))
	require.NoError(t, err)
	snap, err := a.Fetch(context.Background(), "", sourcetypes.FetchOptions{MaxDocs: 2})
	require.NoError(t, err)
	require.True(t, snap.Truncated)
	require.Equal(t, []string{"a.md", "b.md"}, docIds(snap))
}

func TestFetch_MissingRootIsCapability(t *testing.T) {
	a, err := New(source("/does/not/exist", nil))
	require.NoError(t, err)
	_, err = a.Fetch(context.Background(), "", sourcetypes.FetchOptions{})
	require.Error(t, err)
	require.Equal(t, types.ErrorKindCapability, types.KindOf(err))
}
