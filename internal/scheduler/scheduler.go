// Package scheduler is the per-user fair round-robin job queue and
// single-worker executor: one goroutine pulls the next eligible job
// per tick, round-robins across owners with queued work, and caps
// both per-owner queue depth and per-owner concurrent runs.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/forgecanvas/comfybroker/internal/domain"
)

// Notifier is called on every observable job event, the Go analogue
// of JobManager's `_notify` callback; C8 implements it to fan events
// out over the per-user WebSocket connection.
type Notifier interface {
	Notify(ownerID string, event map[string]any)
}

// Processor executes one job's work, reporting progress via cb.
// Returning without error marks the job complete; ctx is cancelled
// when the job's timeout fires or Cancel is called while it runs.
type Processor func(ctx context.Context, job *domain.Job, cb func(percent float64)) error

// Config bounds the scheduler's backpressure and timeout behaviour.
type Config struct {
	MaxPerUserQueue      int
	MaxPerUserConcurrent int
	JobTimeoutSeconds    int
	ProgressStepPercent  int
	ProgressMinInterval  time.Duration
}

// DefaultConfig is a reasonable baseline for a single-peer deployment.
func DefaultConfig() Config {
	return Config{
		MaxPerUserQueue:      5,
		MaxPerUserConcurrent: 1,
		JobTimeoutSeconds:    180,
		ProgressStepPercent:  10,
		ProgressMinInterval:  500 * time.Millisecond,
	}
}

type runningJob struct {
	job        *domain.Job
	cancel     context.CancelFunc
	cancelReq  bool
}

// Scheduler owns a single worker goroutine per call to Start, serving
// one job at a time across all users, fairly round-robined.
type Scheduler struct {
	cfg       Config
	logger    *slog.Logger
	notifier  Notifier
	processor Processor

	mu           sync.Mutex
	jobs         map[string]*domain.Job
	userQueues   map[string][]string // owner -> FIFO of job ids
	usersRR      []string
	runningByUser map[string]int
	active       map[string]*runningJob // job id -> running state, single entry in practice

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scheduler. Start must be called to begin processing.
func New(cfg Config, logger *slog.Logger, notifier Notifier, processor Processor) *Scheduler {
	return &Scheduler{
		cfg:           cfg,
		logger:        logger,
		notifier:      notifier,
		processor:     processor,
		jobs:          map[string]*domain.Job{},
		userQueues:    map[string][]string{},
		runningByUser: map[string]int{},
		active:        map[string]*runningJob{},
		stopCh:        make(chan struct{}),
	}
}

// Enqueue creates a Job in the queued state, appends it to owner's
// FIFO, and emits a {status:queued} event.
func (s *Scheduler) Enqueue(owner string, jobType domain.JobType, payload domain.GenerateRequest) (*domain.Job, error) {
	s.mu.Lock()
	q := s.userQueues[owner]
	if len(q) >= s.cfg.MaxPerUserQueue {
		s.mu.Unlock()
		return nil, domain.ErrQueueFull
	}

	job := &domain.Job{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		Type:      jobType,
		Payload:   payload,
		Status:    domain.JobQueued,
		CreatedAt: time.Now().UTC(),
		Result:    map[string]any{},
	}
	s.jobs[job.ID] = job

	wasEmpty := len(q) == 0
	s.userQueues[owner] = append(q, job.ID)
	if wasEmpty && !slices.Contains(s.usersRR, owner) {
		s.usersRR = append(s.usersRR, owner)
	}
	s.mu.Unlock()

	s.emit(owner, map[string]any{"status": "queued", "job_id": job.ID, "position": s.position(job.ID)})
	return job, nil
}

// Get returns a snapshot of job by id.
func (s *Scheduler) Get(jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	snap := job.Snapshot()
	return &snap, nil
}

// Position exposes position for callers outside the package (C9 uses
// it to report queue depth on GET /api/v1/jobs/{id}).
func (s *Scheduler) Position(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position(jobID)
}

// position returns the job's zero-based index in its owner's queue,
// or 0 if it is not (or no longer) queued.
func (s *Scheduler) position(jobID string) int {
	job, ok := s.jobs[jobID]
	if !ok {
		return 0
	}
	q := s.userQueues[job.OwnerID]
	for i, id := range q {
		if id == jobID {
			return i
		}
	}
	return 0
}

// ListJobs returns up to limit jobs, most recently created first.
func (s *Scheduler) ListJobs(limit int) []domain.Job {
	s.mu.Lock()
	all := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		all = append(all, j.Snapshot())
	}
	s.mu.Unlock()

	sortJobsByCreatedDesc(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

func sortJobsByCreatedDesc(jobs []domain.Job) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && jobs[j].CreatedAt.After(jobs[j-1].CreatedAt); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}

// Cancel honors a cancel request against a queued or running job.
// Queued jobs are removed from their FIFO immediately; running jobs
// have their context cancelled and the processor is trusted to
// observe ctx.Done() and return promptly.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()

	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return false
	}

	switch job.Status {
	case domain.JobQueued:
		q := s.userQueues[job.OwnerID]
		s.userQueues[job.OwnerID] = removeID(q, jobID)
		job.Status = domain.JobCancelled
		now := time.Now().UTC()
		job.EndedAt = &now
		owner := job.OwnerID
		s.mu.Unlock()
		s.emit(owner, map[string]any{"status": "cancelled", "job_id": job.ID})
		return true
	case domain.JobRunning:
		rj, hasActive := s.active[jobID]
		if hasActive {
			rj.cancelReq = true
		}
		s.mu.Unlock()
		if hasActive {
			rj.cancel()
		}
		return true
	default:
		s.mu.Unlock()
		return false
	}
}

// removeID returns a fresh slice (never aliasing ids' backing array,
// since nextJobRoundRobin holds its own slices into the same queue)
// with every occurrence of target dropped.
func removeID(ids []string, target string) []string {
	return slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return id == target })
}

// Start launches the worker loop. Stop cancels it.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.runLoop(ctx)
}

// Stop signals the worker loop to exit and waits for it.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		job := s.nextJobRoundRobin()
		if job == nil {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
			continue
		}

		s.runJob(ctx, job)
	}
}

// nextJobRoundRobin rotates usersRR until one whose running count is
// below MaxPerUserConcurrent and whose queue is non-empty is found.
func (s *Scheduler) nextJobRoundRobin() *domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.usersRR) == 0 {
		return nil
	}

	for i := 0; i < len(s.usersRR); i++ {
		owner := s.usersRR[0]
		q := s.userQueues[owner]
		running := s.runningByUser[owner]

		if len(q) > 0 && running < s.cfg.MaxPerUserConcurrent {
			jobID := q[0]
			s.userQueues[owner] = q[1:]
			s.runningByUser[owner] = running + 1
			s.usersRR = append(s.usersRR[1:], s.usersRR[0])
			return s.jobs[jobID]
		}

		s.usersRR = append(s.usersRR[1:], s.usersRR[0])
	}
	return nil
}

func (s *Scheduler) runJob(parentCtx context.Context, job *domain.Job) {
	ctx, cancel := context.WithCancel(parentCtx)
	var timer *time.Timer
	if s.cfg.JobTimeoutSeconds > 0 {
		timer = time.AfterFunc(time.Duration(s.cfg.JobTimeoutSeconds)*time.Second, func() {
			s.mu.Lock()
			rj, ok := s.active[job.ID]
			if ok {
				rj.cancelReq = true
			}
			s.mu.Unlock()
			if ok {
				s.emit(job.OwnerID, map[string]any{"status": "cancelling", "job_id": job.ID})
				cancel()
			}
		})
	}

	s.mu.Lock()
	job.Status = domain.JobRunning
	now := time.Now().UTC()
	job.StartedAt = &now
	s.active[job.ID] = &runningJob{job: job, cancel: cancel}
	s.mu.Unlock()

	s.emit(job.OwnerID, map[string]any{"status": "running", "job_id": job.ID, "progress": 0.0})
	s.logger.Info("job_start", "job_id", job.ID, "owner_id", job.OwnerID, "type", job.Type)

	cb := s.progressCallback(job)
	err := s.processor(ctx, job, cb)

	if timer != nil {
		timer.Stop()
	}

	s.finishJob(job, err)
}

func (s *Scheduler) progressCallback(job *domain.Job) func(float64) {
	var mu sync.Mutex
	lastLoggedPct := -1.0
	var lastLoggedAt time.Time

	return func(p float64) {
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}

		s.mu.Lock()
		job.Progress = p
		s.mu.Unlock()

		s.emit(job.OwnerID, map[string]any{"status": "running", "job_id": job.ID, "progress": job.Progress})

		mu.Lock()
		defer mu.Unlock()

		step := s.cfg.ProgressStepPercent
		rounded := roundTo(p)
		shouldLog := true
		if step > 0 {
			if rounded%step != 0 && rounded != 100 {
				shouldLog = false
			}
			if shouldLog && lastLoggedPct == float64(rounded) {
				shouldLog = false
			}
		}
		if shouldLog && !lastLoggedAt.IsZero() && time.Since(lastLoggedAt) < s.cfg.ProgressMinInterval {
			shouldLog = false
		}
		if shouldLog {
			lastLoggedPct = float64(rounded)
			lastLoggedAt = time.Now()
			s.logger.Info("job_progress", "job_id", job.ID, "owner_id", job.OwnerID, "progress", p)
		}
	}
}

func roundTo(p float64) int {
	return int(p + 0.5)
}

func (s *Scheduler) finishJob(job *domain.Job, procErr error) {
	s.mu.Lock()
	rj := s.active[job.ID]
	cancelRequested := rj != nil && rj.cancelReq
	now := time.Now().UTC()

	switch {
	case procErr == nil:
		if job.Status != domain.JobCancelled {
			job.Status = domain.JobComplete
			job.Progress = 100
			job.EndedAt = &now
		}
	case cancelRequested:
		job.Status = domain.JobCancelled
		job.Error = "generation cancelled"
		job.EndedAt = &now
	default:
		job.Status = domain.JobError
		job.Error = procErr.Error()
		job.EndedAt = &now
	}

	delete(s.active, job.ID)
	if s.runningByUser[job.OwnerID] > 0 {
		s.runningByUser[job.OwnerID]--
	}
	status := job.Status
	owner := job.OwnerID
	result := job.Result
	errMsg := job.Error
	s.mu.Unlock()

	switch status {
	case domain.JobComplete:
		event := map[string]any{"status": "complete", "job_id": job.ID}
		for k, v := range result {
			event[k] = v
		}
		s.emit(owner, event)
		s.logger.Info("job_complete", "job_id", job.ID, "owner_id", owner)
	default:
		s.emit(owner, map[string]any{"status": string(status), "job_id": job.ID, "error": errMsg})
		s.logger.Info("job_error", "job_id", job.ID, "owner_id", owner, "status", status, "error", errMsg)
	}
	s.logger.Info("job_end", "job_id", job.ID, "owner_id", owner, "status", status)
}

func (s *Scheduler) emit(owner string, event map[string]any) {
	if s.notifier != nil {
		s.notifier.Notify(owner, event)
	}
}

// GetActiveForOwner returns owner's currently running job, if any.
func (s *Scheduler) GetActiveForOwner(owner string) *domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rj := range s.active {
		if rj.job.OwnerID == owner && rj.job.Status == domain.JobRunning {
			j := s.jobs[id].Snapshot()
			return &j
		}
	}
	return nil
}

// IsCancelRequested reports whether jobID has a pending cancel
// request, for processors that want to short-circuit intermediate
// work once cancellation has been asked for.
func (s *Scheduler) IsCancelRequested(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rj, ok := s.active[jobID]
	return ok && rj.cancelReq
}

// Averages is the result of RecentAverages.
type Averages struct {
	OverallAvgSec   *float64
	PerWorkflowAvg  map[string]float64
	Count           int
}

// RecentAverages computes rolling average durations overall and per
// workflow id for the last N completed jobs, most recently ended
// first, used by clients to estimate ETA.
func (s *Scheduler) RecentAverages(limit int) Averages {
	s.mu.Lock()
	var completed []*domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.JobComplete && j.StartedAt != nil && j.EndedAt != nil {
			completed = append(completed, j)
		}
	}
	s.mu.Unlock()

	sortByEndedDesc(completed)
	if limit > 0 && len(completed) > limit {
		completed = completed[:limit]
	}

	if len(completed) == 0 {
		return Averages{PerWorkflowAvg: map[string]float64{}}
	}

	var total float64
	perSums := map[string][]float64{}
	for _, j := range completed {
		dur := j.EndedAt.Sub(*j.StartedAt).Seconds()
		total += dur
		if j.Payload.WorkflowID != "" {
			perSums[j.Payload.WorkflowID] = append(perSums[j.Payload.WorkflowID], dur)
		}
	}

	overall := total / float64(len(completed))
	perAvg := make(map[string]float64, len(perSums))
	for wf, vals := range perSums {
		var sum float64
		for _, v := range vals {
			sum += v
		}
		perAvg[wf] = sum / float64(len(vals))
	}

	return Averages{OverallAvgSec: &overall, PerWorkflowAvg: perAvg, Count: len(completed)}
}

func sortByEndedDesc(jobs []*domain.Job) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && jobs[j].EndedAt.After(*jobs[j-1].EndedAt); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}
