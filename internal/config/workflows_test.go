package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecanvas/comfybroker/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeWorkflowFiles(t *testing.T, dir, id, displayName string) {
	t.Helper()
	cfg := `{"id":"` + id + `","display_name":"` + displayName + `","prompt_node":"6","prompt_input_key":"text"}`
	graph := `{"6":{"class_type":"CLIPTextEncode","inputs":{"text":""}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".config.json"), []byte(cfg), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".graph.json"), []byte(graph), 0o644))
}

func TestNewWorkflowConfigStore_LoadsMatchingConfigGraphPairs(t *testing.T) {
	dir := t.TempDir()
	writeWorkflowFiles(t, dir, "wf-1", "First Workflow")

	s, err := NewWorkflowConfigStore(testLogger(), dir)
	require.NoError(t, err)
	defer s.Close()

	cfg, ok := s.Get("wf-1")
	require.True(t, ok)
	assert.Equal(t, "First Workflow", cfg.DisplayName)

	graph, ok := s.GraphCopy("wf-1")
	require.True(t, ok)
	assert.Contains(t, graph, "6")
}

func TestNewWorkflowConfigStore_SkipsConfigWithMissingGraph(t *testing.T) {
	dir := t.TempDir()
	cfg := `{"id":"wf-orphan","display_name":"Orphan"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wf-orphan.config.json"), []byte(cfg), 0o644))

	s, err := NewWorkflowConfigStore(testLogger(), dir)
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.Get("wf-orphan")
	assert.False(t, ok)
}

func TestGraphCopy_ReturnsIndependentCopyEachCall(t *testing.T) {
	dir := t.TempDir()
	writeWorkflowFiles(t, dir, "wf-1", "First")

	s, err := NewWorkflowConfigStore(testLogger(), dir)
	require.NoError(t, err)
	defer s.Close()

	a, ok := s.GraphCopy("wf-1")
	require.True(t, ok)
	b, ok := s.GraphCopy("wf-1")
	require.True(t, ok)

	a["6"] = "mutated"
	assert.NotEqual(t, a["6"], b["6"])
}

func TestList_ReturnsAllLoadedWorkflows(t *testing.T) {
	dir := t.TempDir()
	writeWorkflowFiles(t, dir, "wf-1", "First")
	writeWorkflowFiles(t, dir, "wf-2", "Second")

	s, err := NewWorkflowConfigStore(testLogger(), dir)
	require.NoError(t, err)
	defer s.Close()

	list := s.List()
	assert.Len(t, list, 2)
}

func TestWorkflowConfigStore_HotReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	writeWorkflowFiles(t, dir, "wf-1", "Original")

	s, err := NewWorkflowConfigStore(testLogger(), dir)
	require.NoError(t, err)
	defer s.Close()

	fired := make(chan struct{}, 1)
	s.OnChange(func(workflows map[string]*domain.WorkflowConfig) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	writeWorkflowFiles(t, dir, "wf-2", "Added Later")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.Get("wf-2"); ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	cfg, ok := s.Get("wf-2")
	require.True(t, ok, "expected wf-2 to appear after fsnotify-triggered reload")
	assert.Equal(t, "Added Later", cfg.DisplayName)
}

func TestClose_IsSafeToCallTwice(t *testing.T) {
	dir := t.TempDir()
	writeWorkflowFiles(t, dir, "wf-1", "First")

	s, err := NewWorkflowConfigStore(testLogger(), dir)
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
