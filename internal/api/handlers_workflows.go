package api

import "net/http"

// workflowSummary is the enriched GET /api/v1/workflows shape: enough
// for a client to render its controls without a second round trip.
type workflowSummary struct {
	ID                string                 `json:"id"`
	DisplayName       string                 `json:"display_name"`
	Description       string                 `json:"description"`
	StylePrompt       string                 `json:"style_prompt"`
	NegativePrompt    string                 `json:"negative_prompt"`
	RecommendedPrompt string                 `json:"recommended_prompt"`
	NaturalLanguage   bool                   `json:"natural_language"`
	ImageInput        bool                   `json:"image_input"`
	Sizes             map[string]map[string]int `json:"sizes"`
	ControlSlots      map[string]any         `json:"control_slots"`
	LoraSlots         map[string]any         `json:"lora_slots"`
}

func (a *api) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows := a.deps.Workflows.List()
	out := make([]workflowSummary, 0, len(workflows))
	for _, wf := range workflows {
		controls := make(map[string]any, len(wf.ControlSlots))
		for slot, cfg := range wf.ControlSlots {
			controls[slot] = cfg
		}
		loras := make(map[string]any, len(wf.LoraSlots))
		for slot, cfg := range wf.LoraSlots {
			loras[slot] = cfg
		}
		out = append(out, workflowSummary{
			ID:                wf.ID,
			DisplayName:       wf.DisplayName,
			Description:       wf.Description,
			StylePrompt:       wf.StylePrompt,
			NegativePrompt:    wf.NegativePrompt,
			RecommendedPrompt: wf.RecommendedPrompt,
			NaturalLanguage:   wf.NaturalLanguage,
			ImageInput:        wf.ImageInput,
			Sizes:             wf.Sizes,
			ControlSlots:      controls,
			LoraSlots:         loras,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}
