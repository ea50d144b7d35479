package pipeline

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	cleanupRetries = 25
	cleanupBackoff = 200 * time.Millisecond
)

// cleanup is the deferred best-effort removal of every file this job
// uploaded into the upstream input directory, plus a final sweep for
// any filename containing the job id that the per-name deletes missed
// (the peer occasionally mangles the returned name or appends a
// dedup suffix).
func (p *Pipeline) cleanup(jobID string, uploaded []string) {
	if p.comfyInputDir == "" {
		return
	}

	for _, name := range uploaded {
		tryDelete(p.comfyInputDir, name)
	}

	sweepByJobID(p.comfyInputDir, jobID)
}

func tryDelete(inputDir, name string) bool {
	if name == "" {
		return false
	}

	candidates := []string{filepath.Join(inputDir, name)}
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base != "" && base != name {
		candidates = append(candidates, filepath.Join(inputDir, base))
	}

	for _, cand := range candidates {
		if removeWithRetry(cand) {
			return true
		}
	}
	return false
}

// removeWithRetry tolerates the upstream peer briefly holding the
// file handle open after responding.
func removeWithRetry(path string) bool {
	for i := 0; i < cleanupRetries; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return true
		}
		if err := os.Remove(path); err == nil {
			return true
		}
		time.Sleep(cleanupBackoff)
	}
	return false
}

var cleanupImageExts = map[string]bool{
	".png": true, ".webp": true, ".jpg": true, ".jpeg": true,
}

func sweepByJobID(inputDir, jobID string) {
	if jobID == "" {
		return
	}
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return
	}
	needle := strings.ToLower(jobID)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		low := strings.ToLower(name)
		if !strings.Contains(low, needle) {
			continue
		}
		if !cleanupImageExts[filepath.Ext(low)] {
			continue
		}
		if removeWithRetry(filepath.Join(inputDir, name)) {
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("comfy_input_cleanup_sweep_done", "job_id", jobID, "removed", removed)
	}
}
