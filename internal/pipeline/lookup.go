package pipeline

import "os"

// MediaLookup adapts mediastore.Store to the ImageLookup interface
// Run needs to resolve an input_image_id into bytes the upstream
// client can upload.
type MediaLookup struct {
	media interface {
		LocatePNG(owner, id string) string
	}
}

func NewMediaLookup(media interface {
	LocatePNG(owner, id string) string
}) *MediaLookup {
	return &MediaLookup{media: media}
}

func (l *MediaLookup) FindUploadable(owner, id string) ([]byte, string, bool) {
	path := l.media.LocatePNG(owner, id)
	if path == "" {
		return nil, "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", false
	}
	return data, id + ".png", true
}
