// Package pipeline turns a GenerateRequest into a fully-specified
// upstream call: resolving input images, applying controlnet/LoRA
// overrides, composing the prompt, driving the upstream client, and
// persisting the result via the media store.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgecanvas/comfybroker/internal/apperr"
	"github.com/forgecanvas/comfybroker/internal/config"
	"github.com/forgecanvas/comfybroker/internal/domain"
	"github.com/forgecanvas/comfybroker/internal/mediastore"
	"github.com/forgecanvas/comfybroker/internal/upstream"
)

// ImageLookup resolves id among the owner's stored inputs, generated
// artifacts and controls, returning the bytes and an upload filename.
// MediaLookup does this with one walk of the owner's media subtree, so
// no store is searched ahead of another.
type ImageLookup interface {
	FindUploadable(owner, id string) (data []byte, filename string, found bool)
}

// Pipeline wires one upstream client against the workflow catalog and
// the media store, and is safe for concurrent use by the scheduler's
// single worker across jobs for different owners (Run creates a fresh
// Client per job; Pipeline itself is stateless).
type Pipeline struct {
	workflows     *config.WorkflowConfigStore
	media         *mediastore.Store
	lookup        ImageLookup
	timeouts      upstream.Timeouts
	address       string
	comfyInputDir string
}

// New builds a Pipeline. comfyInputDir is the upstream peer's own
// input directory on disk, used for best-effort post-job cleanup of
// anything this pipeline uploaded; pass "" to disable cleanup (e.g.
// when the peer runs on a host this process can't reach over the
// filesystem).
func New(workflows *config.WorkflowConfigStore, media *mediastore.Store, lookup ImageLookup, address, comfyInputDir string, timeouts upstream.Timeouts) *Pipeline {
	return &Pipeline{workflows: workflows, media: media, lookup: lookup, timeouts: timeouts, address: address, comfyInputDir: comfyInputDir}
}

// Run executes one job's generation end to end. Cleanup of any
// upstream-resident uploads happens regardless of outcome.
func (p *Pipeline) Run(ctx context.Context, job *domain.Job, onProgress func(float64)) error {
	wf, ok := p.workflows.Get(job.Payload.WorkflowID)
	if !ok {
		return apperr.New(apperr.Validation, "unknown workflow id", nil)
	}
	graph, ok := p.workflows.GraphCopy(job.Payload.WorkflowID)
	if !ok {
		return apperr.New(apperr.Internal, "workflow graph unavailable", nil)
	}

	client := upstream.New(p.address, p.timeouts)

	// A cancel or timeout of ctx is forwarded to the peer as an interrupt.
	stopInterrupt := context.AfterFunc(ctx, func() { client.Interrupt(context.Background()) })
	defer stopInterrupt()

	var uploaded []string
	defer func() { p.cleanup(job.ID, uploaded) }()

	overrides := upstream.PromptOverrides{}

	if err := p.resolveInput(ctx, client, job, wf, overrides, &uploaded); err != nil {
		return err
	}
	if err := p.applyControls(ctx, client, job, wf, overrides, &uploaded); err != nil {
		return err
	}
	applyLoras(job, wf, overrides)
	applyPrompt(job, wf, overrides)
	applySeed(job, wf, overrides)

	promptID, err := client.QueuePrompt(ctx, graph, overrides)
	if err != nil {
		return err
	}
	if promptID == "" {
		return apperr.New(apperr.UpstreamProtocol, "upstream did not return a prompt id", nil)
	}

	result, err := client.Stream(ctx, promptID, onProgress)
	if err != nil {
		return err
	}

	return p.persist(job, result)
}

func (p *Pipeline) resolveInput(ctx context.Context, client *upstream.Client, job *domain.Job, wf *domain.WorkflowConfig, overrides upstream.PromptOverrides, uploaded *[]string) error {
	req := job.Payload

	var filename string
	switch {
	case req.InputImageFilename != "":
		filename = req.InputImageFilename
	case req.InputImageID != "":
		data, name, found := p.lookup.FindUploadable(job.OwnerID, req.InputImageID)
		if !found {
			if wf.ImageInput {
				return apperr.New(apperr.Validation, "input image is required but was not resolved", nil)
			}
			return nil
		}
		stored, err := client.UploadImage(ctx, name, data, "image/png")
		if err != nil {
			return err
		}
		filename = stored
		*uploaded = append(*uploaded, stored)
	default:
		if wf.ImageInput {
			return apperr.New(apperr.Validation, "input image is required but was not resolved", nil)
		}
		return nil
	}

	if wf.LatentImageNode != "" {
		overrides[wf.LatentImageNode] = map[string]any{
			"inputs": map[string]any{"image": filename},
		}
	}
	return nil
}

// applyControls writes each matching controls[] entry into its
// declared slot's apply/image nodes, clamping strength/percent ranges,
// or falls back to forcing strength 0 when no image resolves for a
// single-slot workflow.
func (p *Pipeline) applyControls(ctx context.Context, client *upstream.Client, job *domain.Job, wf *domain.WorkflowConfig, overrides upstream.PromptOverrides, uploaded *[]string) error {
	if !job.Payload.ControlEnabled || len(wf.ControlSlots) == 0 {
		return nil
	}

	matched := map[string]bool{}
	for _, c := range job.Payload.Controls {
		slot, ok := wf.ControlSlots[c.Slot]
		if !ok {
			continue
		}
		data, name, found := p.lookup.FindUploadable(job.OwnerID, c.ImageID)
		if !found {
			continue
		}
		stored, err := client.UploadImage(ctx, name, data, "image/png")
		if err != nil {
			return err
		}
		*uploaded = append(*uploaded, stored)
		matched[c.Slot] = true

		strength := clamp(valueOr(c.Strength, slot.MaxStrength), slot.MinStrength, slot.MaxStrength)
		start := valueOr(c.StartPercent, slot.DefaultStart)
		end := valueOr(c.EndPercent, slot.DefaultEnd)

		overrides[slot.ApplyNode] = map[string]any{
			"inputs": map[string]any{
				"strength":      strength,
				"start_percent": start,
				"end_percent":   end,
			},
		}
		overrides[slot.ImageNode] = map[string]any{
			"inputs": map[string]any{"image": stored},
		}
	}

	// Single-slot fallback: one declared slot, no matching control
	// entry uploaded, so force strength to 0 rather than leaving the
	// workflow's default (possibly non-zero) strength wired in.
	if len(wf.ControlSlots) == 1 {
		for name, slot := range wf.ControlSlots {
			if matched[name] {
				continue
			}
			overrides[slot.ApplyNode] = map[string]any{
				"inputs": map[string]any{"strength": 0.0},
			}
		}
	}
	return nil
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// applyLoras writes the configured strength keys for each loras[]
// entry matching a declared slot; a single Value applies to both the
// UNet and CLIP keys when UNet/Clip are not given individually.
func applyLoras(job *domain.Job, wf *domain.WorkflowConfig, overrides upstream.PromptOverrides) {
	for _, l := range job.Payload.Loras {
		slot, ok := wf.LoraSlots[l.Slot]
		if !ok {
			continue
		}

		inputs := map[string]any{}
		if l.Name != "" {
			inputs["lora_name"] = l.Name
		}
		switch {
		case l.UNet != nil || l.Clip != nil:
			if l.UNet != nil {
				inputs[slot.UNetKey] = *l.UNet
			}
			if l.Clip != nil {
				inputs[slot.ClipKey] = *l.Clip
			}
		case l.Value != nil:
			inputs[slot.UNetKey] = *l.Value
			inputs[slot.ClipKey] = *l.Value
		}

		if existing, ok := overrides[slot.Node]; ok {
			if existingInputs, ok := existing["inputs"].(map[string]any); ok {
				for k, v := range inputs {
					existingInputs[k] = v
				}
				continue
			}
		}
		overrides[slot.Node] = map[string]any{"inputs": inputs}
	}
}

// applyPrompt merges the workflow's fixed style tokens with the
// user's prompt into the target node(s), deduplicating case-
// insensitively while preserving the user's token order first.
// Natural-language workflows bypass dedup entirely.
func applyPrompt(job *domain.Job, wf *domain.WorkflowConfig, overrides upstream.PromptOverrides) {
	userPrompt := job.Payload.UserPrompt

	composed := userPrompt
	if !wf.NaturalLanguage {
		composed = composeTokens(userPrompt, wf.StylePrompt)
	}

	if wf.PromptNode != "" {
		mergeInputOverride(overrides, wf.PromptNode, wf.PromptInputKey, composed)
	}
	if wf.NegativePromptNode != "" && wf.NegativePrompt != "" {
		mergeInputOverride(overrides, wf.NegativePromptNode, wf.NegPromptInputKey, wf.NegativePrompt)
	}
}

func mergeInputOverride(overrides upstream.PromptOverrides, node, key, value string) {
	if key == "" {
		key = "text"
	}
	existing, ok := overrides[node]
	if !ok {
		overrides[node] = map[string]any{"inputs": map[string]any{key: value}}
		return
	}
	inputs, ok := existing["inputs"].(map[string]any)
	if !ok {
		inputs = map[string]any{}
		existing["inputs"] = inputs
	}
	inputs[key] = value
}

// composeTokens splits both strings on commas, preserves user token
// order first, then appends style tokens not already present
// case-insensitively.
func composeTokens(userPrompt, stylePrompt string) string {
	seen := map[string]bool{}
	var out []string

	for _, tok := range splitTokens(userPrompt) {
		key := strings.ToLower(tok)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, tok)
	}
	for _, tok := range splitTokens(stylePrompt) {
		key := strings.ToLower(tok)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, tok)
	}

	return strings.Join(out, ", ")
}

func splitTokens(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func applySeed(job *domain.Job, wf *domain.WorkflowConfig, overrides upstream.PromptOverrides) {
	if wf.SeedNode == "" || job.Payload.Seed == nil {
		return
	}
	key := wf.SeedInputKey
	if key == "" {
		key = "seed"
	}
	mergeInputOverride(overrides, wf.SeedNode, key, fmt.Sprint(*job.Payload.Seed))
}

// persist saves the highest-scored image in result via the media
// store and records the filesystem path in job.Result.
func (p *Pipeline) persist(job *domain.Job, result *upstream.Result) error {
	if len(result.Images) == 0 {
		return apperr.New(apperr.UpstreamProtocol, "upstream returned no images", nil)
	}

	best := result.Images[0]
	filename, data := best.Filename, best.Data

	seed := int64(0)
	if job.Payload.Seed != nil {
		seed = *job.Payload.Seed
	}

	fsPath, _, err := p.media.SaveArtifact(job.OwnerID, data, mediastore.RequestContext{
		WorkflowID:   job.Payload.WorkflowID,
		AspectRatio:  string(job.Payload.AspectRatio),
		Seed:         seed,
		UserPrompt:   job.Payload.UserPrompt,
		InputImageID: job.Payload.InputImageID,
	}, filename)
	if err != nil {
		return err
	}

	job.Result["image_path"] = fsPath
	job.Result["workflow_id"] = job.Payload.WorkflowID
	return nil
}
