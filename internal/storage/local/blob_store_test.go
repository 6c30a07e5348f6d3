package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/facility-crawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "archive", "pages")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	t.Run("WritesAndOverwrites", func(t *testing.T) {
		name := "www.kita.de/abc.html"
		for _, body := range []string{"<html>v1</html>", "<html>v2</html>"} {
			uri, err := store.PutObject(context.Background(), name, "text/html", strings.NewReader(body))
			require.NoError(t, err)
			assert.True(t, strings.HasSuffix(uri, "/www.kita.de/abc.html"))
			assert.True(t, strings.HasPrefix(uri, "file://"))
		}
		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(filepath.Join(tempDir, "www.kita.de", "abc.html"))
		require.NoError(t, err)
		assert.Equal(t, "<html>v2</html>", string(got))

		entries, err := os.ReadDir(filepath.Join(tempDir, "www.kita.de"))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "temp files must not linger")
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "text/html", strings.NewReader("data"))
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../outside.html", "text/html", strings.NewReader("data"))
		assert.Error(t, err)
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := store.PutObject(ctx, "x.html", "text/html", strings.NewReader("data"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}
