package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-proxy/internal/cache"
	"github.com/JakeFAU/gallery-proxy/internal/gallery"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func seedCache(t *testing.T, dir string, clock gallery.Clock, ids ...int) {
	t.Helper()
	store, err := cache.New(cache.Config{Dir: dir, TTL: 24 * time.Hour}, clock, zap.NewNop())
	require.NoError(t, err)
	for _, id := range ids {
		require.True(t, store.Set(id, gallery.Record{ID: id, MediaID: "m"}))
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, cacheDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "logging:\n  development: false\ncache:\n  dir: " + cacheDir + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCacheClearCommand(t *testing.T) {
	dir := t.TempDir()
	seedCache(t, dir, fixedClock{now: time.Now()}, 1, 2, 3)

	out, err := runCLI(t, "--config", writeConfig(t, dir), "cache", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 3 cached records")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCacheSweepCommand(t *testing.T) {
	dir := t.TempDir()
	seedCache(t, dir, fixedClock{now: time.Now().Add(-48 * time.Hour)}, 10, 11)
	seedCache(t, dir, fixedClock{now: time.Now()}, 12)

	out, err := runCLI(t, "--config", writeConfig(t, dir), "cache", "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 2 expired records")

	_, err = os.Stat(filepath.Join(dir, "12.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "10.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestRootRejectsMissingConfig(t *testing.T) {
	_, err := runCLI(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "cache", "sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestResolveRuntimeWithoutPreRun(t *testing.T) {
	t.Parallel()

	_, err := resolveRuntime(context.Background())
	require.Error(t, err)
}
