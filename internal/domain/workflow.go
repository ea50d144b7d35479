package domain

// ControlSlotConfig describes one ControlNet slot declared by a
// workflow: which nodes carry the strength/range inputs and which
// node accepts the reference image filename.
type ControlSlotConfig struct {
	ApplyNode     string  `json:"apply_node"`
	ImageNode     string  `json:"image_node"`
	MinStrength   float64 `json:"min_strength"`
	MaxStrength   float64 `json:"max_strength"`
	DefaultStart  float64 `json:"default_start_percent"`
	DefaultEnd    float64 `json:"default_end_percent"`
}

// LoraSlotConfig describes one LoRA slot: the node(s) that carry the
// strength inputs, keyed by the UNet/CLIP input name the workflow
// actually uses.
type LoraSlotConfig struct {
	Node     string `json:"node"`
	UNetKey  string `json:"unet_key"`
	ClipKey  string `json:"clip_key"`
}

// WorkflowConfig is the opaque-to-the-core recipe of node overrides
// for one workflow id. The JSON graph itself (loaded from
// <WorkflowDir>/<id>.graph.json) is never interpreted beyond node-id keyed
// deep merges; this struct is the reload-able metadata layer the
// pipeline uses to know WHERE to merge.
type WorkflowConfig struct {
	ID                 string                       `json:"id"`
	DisplayName        string                       `json:"display_name"`
	Description        string                       `json:"description"`
	StylePrompt        string                       `json:"style_prompt"`
	NegativePrompt     string                       `json:"negative_prompt"`
	RecommendedPrompt  string                       `json:"recommended_prompt"`
	DefaultUserPrompt  string                       `json:"default_user_prompt"`
	NaturalLanguage    bool                         `json:"natural_language"`
	PromptNode         string                       `json:"prompt_node"`
	PromptInputKey     string                       `json:"prompt_input_key"`
	NegativePromptNode string                       `json:"negative_prompt_node"`
	NegPromptInputKey  string                       `json:"negative_prompt_input_key"`
	SeedNode           string                       `json:"seed_node"`
	SeedInputKey       string                       `json:"seed_input_key"`
	LatentImageNode    string                       `json:"latent_image_node"`
	ImageInput         bool                         `json:"image_input"`
	Sizes              map[string]map[string]int    `json:"sizes"` // aspect -> {width,height}
	ControlSlots       map[string]ControlSlotConfig `json:"control_slots"`
	LoraSlots          map[string]LoraSlotConfig    `json:"lora_slots"`
}
