package main

import (
	"log/slog"

	"github.com/forgecanvas/comfybroker/internal/domain"
	"github.com/forgecanvas/comfybroker/internal/jobstore"
	"github.com/forgecanvas/comfybroker/internal/notify"
)

// persistingNotifier fans a scheduler event out to the WebSocket hub
// and, when the event carries a terminal status, persists the job row
// so it survives a restart. lookup resolves the event's job_id back
// into full job state, since scheduler events only carry a partial
// map.
type persistingNotifier struct {
	hub    *notify.Hub
	jobs   *jobstore.Store
	logger *slog.Logger
	lookup func(jobID string) (*domain.Job, bool)
}

func newPersistingNotifier(hub *notify.Hub, jobs *jobstore.Store, logger *slog.Logger, lookup func(string) (*domain.Job, bool)) *persistingNotifier {
	return &persistingNotifier{hub: hub, jobs: jobs, logger: logger, lookup: lookup}
}

func (p *persistingNotifier) Notify(ownerID string, event map[string]any) {
	p.hub.Notify(ownerID, event)

	status, _ := event["status"].(string)
	if status != string(domain.JobComplete) && status != string(domain.JobError) && status != string(domain.JobCancelled) {
		return
	}
	jobID, _ := event["job_id"].(string)
	if jobID == "" {
		return
	}
	job, ok := p.lookup(jobID)
	if !ok {
		return
	}
	if err := p.jobs.UpsertJob(job); err != nil {
		p.logger.Warn("failed to persist job", "job_id", jobID, "error", err)
	}
}
