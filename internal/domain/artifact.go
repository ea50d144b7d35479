package domain

import "errors"

// AssetKind distinguishes the three media categories the media store
// keeps under one owner subtree. Listings must never mix kinds.
type AssetKind string

const (
	KindGenerated AssetKind = "generated"
	KindControl   AssetKind = "control"
	KindInput     AssetKind = "input"
)

// AssetStatus is the soft-delete state of a stored item.
type AssetStatus string

const (
	StatusActive AssetStatus = "active"
	StatusTrash  AssetStatus = "trash"
)

// Asset is the sidecar metadata persisted next to a stored PNG, shared
// shape for generated artifacts, control images and input images.
type Asset struct {
	ID             string      `json:"id"`
	OwnerID        string      `json:"owner_id"`
	Kind           AssetKind   `json:"kind"`
	WorkflowID     string      `json:"workflow_id,omitempty"`
	AspectRatio    string      `json:"aspect_ratio,omitempty"`
	Seed           int64       `json:"seed,omitempty"`
	UserPrompt     string      `json:"user_prompt,omitempty"`
	InputImageID   string      `json:"input_image_id,omitempty"`
	Mime           string      `json:"mime"`
	ByteLength     int64       `json:"byte_length"`
	SHA256         string      `json:"sha256"`
	CreatedAt      string      `json:"created_at"` // UTC ISO8601
	Status         AssetStatus `json:"status"`
	ThumbURL       string      `json:"thumb_url,omitempty"`
	Tags           []string    `json:"tags,omitempty"`
	OriginalName   string      `json:"original_name,omitempty"`

	// FSPath and MetaPath are filesystem-only: the store fills them in
	// on load and they are not part of the persisted JSON. WebPath is
	// marshalled as web_path when non-empty; the media store does not set it.
	FSPath    string `json:"-"`
	MetaPath  string `json:"-"`
	WebPath   string `json:"web_path,omitempty"`
}

var (
	ErrAssetNotFound  = errors.New("asset not found")
	ErrIDCollision    = errors.New("asset id already exists for owner")
	ErrWrongKind      = errors.New("asset kind mismatch")
	ErrPayloadTooLarge = errors.New("payload too large")
)
