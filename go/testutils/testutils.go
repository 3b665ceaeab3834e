// Convenience utilities for testing.
package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"
	assert "github.com/stretchr/testify/require"
)

// SkipIfShort causes the test to be skipped when running with -short.
func SkipIfShort(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping test with -short")
	}
}

// AssertDeepEqual fails the test if the two objects do not pass
// reflect.DeepEqual.
func AssertDeepEqual(t *testing.T, expected, actual interface{}) {
	if !reflect.DeepEqual(expected, actual) {
		assert.FailNow(t, fmt.Sprintf("Objects do not match:\nexpected:\n%s\n\nactual:\n%s\n", spew.Sprint(expected), spew.Sprint(actual)))
	}
}

// TempDir creates a temp directory and returns its path; cleanup is
// registered with the test.
func TempDir(t *testing.T) string {
	d, err := os.MkdirTemp("", "moonmind_test_")
	assert.NoError(t, err)
	t.Cleanup(func() {
		_ = os.RemoveAll(d)
	})
	return d
}

// WriteFile writes the given contents to the named file under dir, creating
// parent directories as needed.
func WriteFile(t *testing.T, dir, name, contents string) string {
	p := filepath.Join(dir, name)
	assert.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	assert.NoError(t, os.WriteFile(p, []byte(contents), 0644))
	return p
}
