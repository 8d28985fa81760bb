package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifest = `
requests:
  - provider: gemini
    templateId: assessment_question
    templateVersion: v2
    params:
      framework: ISO27001
      question_id: q-17
`

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "warming.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadWarmingManifest(t *testing.T) {
	path := writeManifest(t, t.TempDir(), testManifest)

	manifest, err := LoadWarmingManifest(path)
	require.NoError(t, err)
	require.Len(t, manifest.Requests, 1)

	req := manifest.Requests[0]
	assert.Equal(t, "gemini", req.Provider)
	assert.Equal(t, "assessment_question", req.TemplateID)
	assert.Equal(t, "v2", req.TemplateVersion)
	assert.Equal(t, "ISO27001", req.Params["framework"])
}

func TestLoadWarmingManifest_MissingTemplateID(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "requests:\n  - provider: gemini\n")

	_, err := LoadWarmingManifest(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "templateId")
}

func TestManifestWatcher_DeliversInitialManifest(t *testing.T) {
	path := writeManifest(t, t.TempDir(), testManifest)

	var mu sync.Mutex
	var got *WarmingManifest

	w, err := NewManifestWatcher(path, func(m *WarmingManifest) {
		mu.Lock()
		got = m
		mu.Unlock()
	}, WithManifestDebounce(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Len(t, got.Requests, 1)
}

func TestManifestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, testManifest)

	updates := make(chan int, 8)
	w, err := NewManifestWatcher(path, func(m *WarmingManifest) {
		updates <- len(m.Requests)
	}, WithManifestDebounce(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Initial load.
	assert.Equal(t, 1, <-updates)

	updated := testManifest + `
  - provider: gemini
    templateId: policy_summary
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case n := <-updates:
		assert.Equal(t, 2, n)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for manifest reload")
	}
}

func TestManifestWatcher_StartFailsOnMissingFile(t *testing.T) {
	w, err := NewManifestWatcher(filepath.Join(t.TempDir(), "absent.yaml"), func(*WarmingManifest) {})
	require.NoError(t, err)

	err = w.Start(context.Background())
	assert.Error(t, err)
}
