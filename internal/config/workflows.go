package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/forgecanvas/comfybroker/internal/domain"
)

// WorkflowOnChangeFunc is invoked whenever the workflow set changes,
// carrying the refreshed workflow map.
type WorkflowOnChangeFunc func(workflows map[string]*domain.WorkflowConfig)

// WorkflowConfigStore holds the set of loaded workflow configs and
// their associated ComfyUI node graphs, watching WorkflowDir for
// changes and hot-reloading without a restart.
//
// Mutex-guarded snapshot-and-swap: a full reload builds a new map off
// to the side, then swaps it in under the lock and fires OnChange.
type WorkflowConfigStore struct {
	mu        sync.RWMutex
	logger    *slog.Logger
	dir       string
	configs   map[string]*domain.WorkflowConfig
	graphs    map[string]map[string]any
	onChange  []WorkflowOnChangeFunc
	watcher   *fsnotify.Watcher
	closeOnce sync.Once
}

// NewWorkflowConfigStore loads every <id>.config.json / <id>.graph.json
// pair from dir and starts an fsnotify watch on it. A workflow whose
// graph file is missing is skipped with a warning; a workflow whose
// config file fails to parse is skipped with an error logged, so one
// bad file cannot take down the whole catalog.
func NewWorkflowConfigStore(logger *slog.Logger, dir string) (*WorkflowConfigStore, error) {
	s := &WorkflowConfigStore{
		logger:  logger,
		dir:     dir,
		configs: map[string]*domain.WorkflowConfig{},
		graphs:  map[string]map[string]any{},
	}

	if err := s.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create workflow watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch workflow dir: %w", err)
	}
	s.watcher = watcher

	go s.watchLoop()

	return s, nil
}

// OnChange registers a callback fired after every successful reload.
func (s *WorkflowConfigStore) OnChange(fn WorkflowOnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Get returns the workflow config for id, or ok=false if unknown.
func (s *WorkflowConfigStore) Get(id string) (*domain.WorkflowConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[id]
	return cfg, ok
}

// List returns every loaded workflow config, in no particular order;
// the workflows API handler passes that order through unsorted.
func (s *WorkflowConfigStore) List() []*domain.WorkflowConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.WorkflowConfig, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, c)
	}
	return out
}

// GraphCopy returns a fresh decode of the stored node graph for id, so
// the pipeline can merge overrides into it without touching the
// store's own cached copy.
func (s *WorkflowConfigStore) GraphCopy(id string) (map[string]any, bool) {
	s.mu.RLock()
	raw, ok := s.graphs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, false
	}
	return out, true
}

func (s *WorkflowConfigStore) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !isConfigEvent(event) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Error("workflow reload failed", "error", err)
				continue
			}
			s.logger.Info("workflow configs reloaded", "trigger", event.Name)
			s.fireOnChange()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("workflow watcher error", "error", err)
		}
	}
}

func isConfigEvent(event fsnotify.Event) bool {
	if !strings.HasSuffix(event.Name, ".json") {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
}

// reload rebuilds the in-memory maps from dir, then swaps them in
// under the write lock so readers never see a half-built set.
func (s *WorkflowConfigStore) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read workflow dir: %w", err)
	}

	configs := map[string]*domain.WorkflowConfig{}
	graphs := map[string]map[string]any{}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".config.json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".config.json")

		cfgPath := filepath.Join(s.dir, entry.Name())
		cfgBytes, err := os.ReadFile(cfgPath)
		if err != nil {
			s.logger.Error("read workflow config", "id", id, "error", err)
			continue
		}
		var cfg domain.WorkflowConfig
		if err := json.Unmarshal(cfgBytes, &cfg); err != nil {
			s.logger.Error("parse workflow config", "id", id, "error", err)
			continue
		}
		if cfg.ID == "" {
			cfg.ID = id
		}

		graphPath := filepath.Join(s.dir, id+".graph.json")
		graphBytes, err := os.ReadFile(graphPath)
		if err != nil {
			s.logger.Warn("workflow graph missing, skipping workflow", "id", id, "path", graphPath)
			continue
		}
		var graph map[string]any
		if err := json.Unmarshal(graphBytes, &graph); err != nil {
			s.logger.Error("parse workflow graph", "id", id, "error", err)
			continue
		}

		configs[id] = &cfg
		graphs[id] = graph
	}

	if len(configs) == 0 {
		s.logger.Warn("no usable workflow configs found", "dir", s.dir)
	}

	s.mu.Lock()
	s.configs = configs
	s.graphs = graphs
	s.mu.Unlock()

	return nil
}

func (s *WorkflowConfigStore) fireOnChange() {
	s.mu.RLock()
	cbs := append([]WorkflowOnChangeFunc(nil), s.onChange...)
	snapshot := make(map[string]*domain.WorkflowConfig, len(s.configs))
	for k, v := range s.configs {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	for _, fn := range cbs {
		fn(snapshot)
	}
}

// Close stops the filesystem watch. Safe to call more than once.
func (s *WorkflowConfigStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}
