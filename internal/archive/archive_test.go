package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-lifecycle/internal/config"
)

func TestLocalStoreWritesUnderBaseDir(t *testing.T) {
	dir := t.TempDir()
	store, err := New(context.Background(), config.Config{ReportDir: dir})
	require.NoError(t, err)

	loc, err := store.Put(context.Background(), "maintenance/r-1/run.json", []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "maintenance", "r-1", "run.json"), loc)

	body, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestSanitizeKeyStaysRelative(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd": "etc/passwd",
		"/abs/report.json": "abs/report.json",
		"a/./b/../c.json":  "a/c.json",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeKey(in), in)
	}
}
