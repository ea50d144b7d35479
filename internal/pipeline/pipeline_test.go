package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecanvas/comfybroker/internal/domain"
	"github.com/forgecanvas/comfybroker/internal/upstream"
)

func ptrF(v float64) *float64 { return &v }

func TestComposeTokens_DedupsCaseInsensitivelyPreservingUserOrderFirst(t *testing.T) {
	got := composeTokens("cat, Blue Sky", "blue sky, masterpiece")
	assert.Equal(t, "cat, Blue Sky, masterpiece", got)
}

func TestComposeTokens_EmptyStylePromptJustReturnsUserTokens(t *testing.T) {
	got := composeTokens("cat, dog", "")
	assert.Equal(t, "cat, dog", got)
}

func TestApplyPrompt_NaturalLanguageWorkflowBypassesDedup(t *testing.T) {
	wf := &domain.WorkflowConfig{
		NaturalLanguage: true,
		StylePrompt:      "masterpiece",
		PromptNode:       "6",
	}
	job := &domain.Job{Payload: domain.GenerateRequest{UserPrompt: "a cat sitting"}}
	overrides := upstream.PromptOverrides{}

	applyPrompt(job, wf, overrides)

	inputs := overrides["6"]["inputs"].(map[string]any)
	assert.Equal(t, "a cat sitting", inputs["text"])
}

func TestApplyPrompt_ComposesStyleAndWritesNegative(t *testing.T) {
	wf := &domain.WorkflowConfig{
		StylePrompt:        "masterpiece",
		PromptNode:         "6",
		NegativePrompt:     "blurry",
		NegativePromptNode: "7",
	}
	job := &domain.Job{Payload: domain.GenerateRequest{UserPrompt: "a cat"}}
	overrides := upstream.PromptOverrides{}

	applyPrompt(job, wf, overrides)

	assert.Equal(t, "a cat, masterpiece", overrides["6"]["inputs"].(map[string]any)["text"])
	assert.Equal(t, "blurry", overrides["7"]["inputs"].(map[string]any)["text"])
}

func TestApplySeed_WritesConfiguredKeyWhenSeedPresent(t *testing.T) {
	wf := &domain.WorkflowConfig{SeedNode: "3", SeedInputKey: "noise_seed"}
	seed := int64(12345)
	job := &domain.Job{Payload: domain.GenerateRequest{Seed: &seed}}
	overrides := upstream.PromptOverrides{}

	applySeed(job, wf, overrides)

	assert.Equal(t, "12345", overrides["3"]["inputs"].(map[string]any)["noise_seed"])
}

func TestApplySeed_NoopWhenSeedNil(t *testing.T) {
	wf := &domain.WorkflowConfig{SeedNode: "3"}
	job := &domain.Job{Payload: domain.GenerateRequest{}}
	overrides := upstream.PromptOverrides{}

	applySeed(job, wf, overrides)

	assert.Empty(t, overrides)
}

func TestApplyLoras_ValueAppliesToBothUNetAndClipKeys(t *testing.T) {
	wf := &domain.WorkflowConfig{LoraSlots: map[string]domain.LoraSlotConfig{
		"main": {Node: "10", UNetKey: "unet_strength", ClipKey: "clip_strength"},
	}}
	job := &domain.Job{Payload: domain.GenerateRequest{
		Loras: []domain.LoraOverride{{Slot: "main", Value: ptrF(0.8), Name: "style.safetensors"}},
	}}
	overrides := upstream.PromptOverrides{}

	applyLoras(job, wf, overrides)

	inputs := overrides["10"]["inputs"].(map[string]any)
	assert.Equal(t, 0.8, inputs["unet_strength"])
	assert.Equal(t, 0.8, inputs["clip_strength"])
	assert.Equal(t, "style.safetensors", inputs["lora_name"])
}

func TestApplyLoras_SeparateUNetAndClipOverrideEachOther(t *testing.T) {
	wf := &domain.WorkflowConfig{LoraSlots: map[string]domain.LoraSlotConfig{
		"main": {Node: "10", UNetKey: "unet_strength", ClipKey: "clip_strength"},
	}}
	job := &domain.Job{Payload: domain.GenerateRequest{
		Loras: []domain.LoraOverride{{Slot: "main", UNet: ptrF(0.5), Clip: ptrF(0.2)}},
	}}
	overrides := upstream.PromptOverrides{}

	applyLoras(job, wf, overrides)

	inputs := overrides["10"]["inputs"].(map[string]any)
	assert.Equal(t, 0.5, inputs["unet_strength"])
	assert.Equal(t, 0.2, inputs["clip_strength"])
}

func TestApplyLoras_UnknownSlotIsIgnored(t *testing.T) {
	wf := &domain.WorkflowConfig{LoraSlots: map[string]domain.LoraSlotConfig{}}
	job := &domain.Job{Payload: domain.GenerateRequest{
		Loras: []domain.LoraOverride{{Slot: "missing", Value: ptrF(1)}},
	}}
	overrides := upstream.PromptOverrides{}

	applyLoras(job, wf, overrides)

	assert.Empty(t, overrides)
}

func TestApplyLoras_MergesIntoExistingOverrideForSameNode(t *testing.T) {
	wf := &domain.WorkflowConfig{LoraSlots: map[string]domain.LoraSlotConfig{
		"main": {Node: "10", UNetKey: "unet_strength", ClipKey: "clip_strength"},
	}}
	job := &domain.Job{Payload: domain.GenerateRequest{
		Loras: []domain.LoraOverride{{Slot: "main", Value: ptrF(0.5)}},
	}}
	overrides := upstream.PromptOverrides{
		"10": {"inputs": map[string]any{"other_field": "keep-me"}},
	}

	applyLoras(job, wf, overrides)

	inputs := overrides["10"]["inputs"].(map[string]any)
	assert.Equal(t, "keep-me", inputs["other_field"])
	assert.Equal(t, 0.5, inputs["unet_strength"])
}

func TestClamp_BoundsValueWithinRange(t *testing.T) {
	assert.Equal(t, 0.2, clamp(0.1, 0.2, 0.8))
	assert.Equal(t, 0.8, clamp(0.9, 0.2, 0.8))
	assert.Equal(t, 0.5, clamp(0.5, 0.2, 0.8))
}

func TestValueOr_FallsBackWhenNil(t *testing.T) {
	assert.Equal(t, 1.5, valueOr(nil, 1.5))
	assert.Equal(t, 0.3, valueOr(ptrF(0.3), 1.5))
}

// uploadServer stands in for the upstream peer's /upload/image
// endpoint, echoing back a deterministic stored filename.
func uploadServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload/image" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "stored.png"})
	}))
}

type fakeLookup struct {
	data  []byte
	name  string
	found bool
}

func (f fakeLookup) FindUploadable(owner, id string) ([]byte, string, bool) {
	return f.data, f.name, f.found
}

func TestResolveInput_UploadsAndWritesLatentImageOverride(t *testing.T) {
	srv := uploadServer(t)
	defer srv.Close()

	p := &Pipeline{lookup: fakeLookup{data: []byte("png"), name: "in.png", found: true}}
	client := upstream.New(srv.URL, upstream.DefaultTimeouts())
	wf := &domain.WorkflowConfig{ImageInput: true, LatentImageNode: "5"}
	job := &domain.Job{OwnerID: "owner-1", Payload: domain.GenerateRequest{InputImageID: "asset-1"}}
	overrides := upstream.PromptOverrides{}
	var uploaded []string

	err := p.resolveInput(context.Background(), client, job, wf, overrides, &uploaded)
	require.NoError(t, err)

	assert.Equal(t, "stored.png", overrides["5"]["inputs"].(map[string]any)["image"])
	assert.Equal(t, []string{"stored.png"}, uploaded)
}

func TestResolveInput_RequiredImageMissingIsValidationError(t *testing.T) {
	p := &Pipeline{lookup: fakeLookup{found: false}}
	client := upstream.New("http://127.0.0.1:0", upstream.DefaultTimeouts())
	wf := &domain.WorkflowConfig{ImageInput: true}
	job := &domain.Job{OwnerID: "owner-1", Payload: domain.GenerateRequest{InputImageID: "asset-1"}}

	err := p.resolveInput(context.Background(), client, job, wf, upstream.PromptOverrides{}, &[]string{})
	assert.Error(t, err)
}

func TestResolveInput_NoImageRequestedOnNonImageWorkflowIsNoop(t *testing.T) {
	p := &Pipeline{lookup: fakeLookup{found: false}}
	client := upstream.New("http://127.0.0.1:0", upstream.DefaultTimeouts())
	wf := &domain.WorkflowConfig{ImageInput: false}
	job := &domain.Job{OwnerID: "owner-1", Payload: domain.GenerateRequest{}}
	overrides := upstream.PromptOverrides{}

	err := p.resolveInput(context.Background(), client, job, wf, overrides, &[]string{})
	require.NoError(t, err)
	assert.Empty(t, overrides)
}

func TestApplyControls_SingleSlotFallbackForcesZeroStrengthWhenUnmatched(t *testing.T) {
	p := &Pipeline{lookup: fakeLookup{found: false}}
	client := upstream.New("http://127.0.0.1:0", upstream.DefaultTimeouts())
	wf := &domain.WorkflowConfig{
		ControlSlots: map[string]domain.ControlSlotConfig{
			"pose": {ApplyNode: "20", ImageNode: "21", MinStrength: 0, MaxStrength: 1, DefaultStart: 0, DefaultEnd: 1},
		},
	}
	job := &domain.Job{OwnerID: "owner-1", Payload: domain.GenerateRequest{ControlEnabled: true}}
	overrides := upstream.PromptOverrides{}

	err := p.applyControls(context.Background(), client, job, wf, overrides, &[]string{})
	require.NoError(t, err)

	assert.Equal(t, 0.0, overrides["20"]["inputs"].(map[string]any)["strength"])
}

func TestApplyControls_MatchedSlotClampsStrengthAndUploadsImage(t *testing.T) {
	srv := uploadServer(t)
	defer srv.Close()

	p := &Pipeline{lookup: fakeLookup{data: []byte("png"), name: "ctrl.png", found: true}}
	client := upstream.New(srv.URL, upstream.DefaultTimeouts())
	wf := &domain.WorkflowConfig{
		ControlSlots: map[string]domain.ControlSlotConfig{
			"pose": {ApplyNode: "20", ImageNode: "21", MinStrength: 0, MaxStrength: 0.6, DefaultStart: 0, DefaultEnd: 1},
		},
	}
	job := &domain.Job{OwnerID: "owner-1", Payload: domain.GenerateRequest{
		ControlEnabled: true,
		Controls:       []domain.ControlOverride{{Slot: "pose", ImageID: "asset-1", Strength: ptrF(0.9)}},
	}}
	overrides := upstream.PromptOverrides{}

	err := p.applyControls(context.Background(), client, job, wf, overrides, &[]string{})
	require.NoError(t, err)

	assert.Equal(t, 0.6, overrides["20"]["inputs"].(map[string]any)["strength"])
	assert.Equal(t, "stored.png", overrides["21"]["inputs"].(map[string]any)["image"])
}

func TestApplyControls_DisabledOrNoSlotsIsNoop(t *testing.T) {
	p := &Pipeline{}
	client := upstream.New("http://127.0.0.1:0", upstream.DefaultTimeouts())
	wf := &domain.WorkflowConfig{ControlSlots: map[string]domain.ControlSlotConfig{"a": {}}}
	job := &domain.Job{Payload: domain.GenerateRequest{ControlEnabled: false}}
	overrides := upstream.PromptOverrides{}

	err := p.applyControls(context.Background(), client, job, wf, overrides, &[]string{})
	require.NoError(t, err)
	assert.Empty(t, overrides)
}
