package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/forgecanvas/comfybroker/internal/apperr"
	"github.com/forgecanvas/comfybroker/internal/domain"
)

// handleGenerate validates the request body and enqueues a generate
// job under the caller's anon id.
func (a *api) handleGenerate(w http.ResponseWriter, r *http.Request) {
	owner := a.anonID(w, r)

	var req domain.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, string(apperr.Validation), "malformed request body")
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, string(apperr.Validation), err.Error())
		return
	}
	if _, ok := a.deps.Workflows.Get(req.WorkflowID); !ok {
		writeError(w, r, http.StatusBadRequest, string(apperr.Validation), "unknown workflow_id")
		return
	}

	job, err := a.deps.Scheduler.Enqueue(owner, domain.JobTypeGenerate, req)
	if err != nil {
		if err == domain.ErrQueueFull {
			writeError(w, r, http.StatusTooManyRequests, string(apperr.QueueFull), "queue is full for this session, wait for a job to finish")
			return
		}
		writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   job.ID,
		"status":   job.Status,
		"position": a.deps.Scheduler.Position(job.ID),
	})
}

func (a *api) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.deps.Scheduler.Get(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, string(apperr.NotFound), "job not found")
		return
	}

	body := map[string]any{
		"id":       job.ID,
		"status":   job.Status,
		"progress": job.Progress,
	}
	if job.Status == domain.JobQueued {
		body["position"] = a.deps.Scheduler.Position(job.ID)
	}
	if job.Status == domain.JobComplete {
		body["result"] = job.Result
	}
	if job.Status == domain.JobError {
		body["error"] = job.Error
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *api) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.deps.Scheduler.Cancel(id) {
		writeError(w, r, http.StatusBadRequest, string(apperr.Validation), "job is not cancellable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleCancelActive cancels the caller's currently running job, if
// any, without the client needing to track a job id. Queued jobs are
// not touched.
func (a *api) handleCancelActive(w http.ResponseWriter, r *http.Request) {
	owner := a.anonID(w, r)
	job := a.deps.Scheduler.GetActiveForOwner(owner)
	if job == nil {
		writeError(w, r, http.StatusBadRequest, string(apperr.Validation), "no active job for this session")
		return
	}
	a.deps.Scheduler.Cancel(job.ID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "job cancelled", "job_id": job.ID})
}

func (a *api) handleJobMetrics(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	avg := a.deps.Scheduler.RecentAverages(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"overall_avg_sec":     avg.OverallAvgSec,
		"per_workflow_avg_sec": avg.PerWorkflowAvg,
		"count":               avg.Count,
	})
}
