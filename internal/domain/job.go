package domain

import (
	"errors"
	"time"
)

// JobStatus is the lifecycle state of a Job. Transitions are owned
// exclusively by the scheduler's worker loop.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobComplete  JobStatus = "complete"
	JobError     JobStatus = "error"
	JobCancelled JobStatus = "cancelled"
)

// JobType distinguishes payload shapes. Only "generate" is implemented;
// the type exists so a future job kind doesn't require reshaping the
// scheduler.
type JobType string

const (
	JobTypeGenerate JobType = "generate"
)

// Job is a single unit of work owned by one anon user.
type Job struct {
	ID        string
	OwnerID   string
	Type      JobType
	Payload   GenerateRequest
	Status    JobStatus
	Progress  float64
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Error     string
	Result    map[string]any
}

// Snapshot returns a value copy safe to hand to callers outside the
// scheduler's lock; Result is shallow-copied since callers only ever
// read it.
func (j Job) Snapshot() Job {
	if j.Result != nil {
		cp := make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			cp[k] = v
		}
		j.Result = cp
	}
	return j
}

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrQueueFull    = errors.New("queue full")
	ErrNotCancelled = errors.New("job is not cancellable")
)

// ControlOverride is one entry of a GenerateRequest's controls[] array.
type ControlOverride struct {
	Slot          string   `json:"slot"`
	ImageID       string   `json:"image_id"`
	Strength      *float64 `json:"strength,omitempty"`
	StartPercent  *float64 `json:"start_percent,omitempty"`
	EndPercent    *float64 `json:"end_percent,omitempty"`
}

// LoraOverride is one entry of a GenerateRequest's loras[] array.
type LoraOverride struct {
	Slot  string   `json:"slot"`
	Value *float64 `json:"value,omitempty"`
	UNet  *float64 `json:"unet,omitempty"`
	Clip  *float64 `json:"clip,omitempty"`
	Name  string   `json:"name,omitempty"`
}

// AspectRatio is the requested output framing.
type AspectRatio string

const (
	AspectSquare    AspectRatio = "square"
	AspectLandscape AspectRatio = "landscape"
	AspectPortrait  AspectRatio = "portrait"
)

// GenerateRequest is the validated body of POST /api/v1/generate.
type GenerateRequest struct {
	UserPrompt         string            `json:"user_prompt" validate:"required,max=4000"`
	AspectRatio        AspectRatio       `json:"aspect_ratio" validate:"required,oneof=square landscape portrait"`
	WorkflowID         string            `json:"workflow_id" validate:"required"`
	Seed               *int64            `json:"seed,omitempty"`
	InputImageID       string            `json:"input_image_id,omitempty"`
	InputImageFilename string            `json:"input_image_filename,omitempty"`
	ControlEnabled     bool              `json:"control_enabled,omitempty"`
	ControlImageID     string            `json:"control_image_id,omitempty"`
	Controls           []ControlOverride `json:"controls,omitempty"`
	Loras              []LoraOverride    `json:"loras,omitempty"`
	RmbgMaskBlur       *int              `json:"rmbg_mask_blur,omitempty"`
	RmbgMaskOffset     *int              `json:"rmbg_mask_offset,omitempty"`
}
