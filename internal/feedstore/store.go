// Package feedstore is the feed's variant of the media store: instead
// of one active subtree per owner, it keeps a single active/trash
// partition shared across all owners, since published posts are
// public by design.
package feedstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgecanvas/comfybroker/internal/apperr"
)

// FeedMeta is the sidecar written next to a published post's assets.
type FeedMeta struct {
	PostID        string `json:"post_id"`
	OwnerID       string `json:"owner_id"`
	AuthorDisplay string `json:"author_display,omitempty"`
	Prompt        string `json:"prompt"`
	WorkflowID    string `json:"workflow_id"`
	Seed          int64  `json:"seed"`
	AspectRatio   string `json:"aspect_ratio"`
	ImagePath     string `json:"image_path"`
	ThumbPath     string `json:"thumb_path,omitempty"`
	InputPath     string `json:"input_path,omitempty"`
	InputThumb    string `json:"input_thumb_path,omitempty"`
	SourceAssetID string `json:"source_asset_id"`
	InputSourceID string `json:"input_source_id,omitempty"`
	PublishedAt   int64  `json:"published_at"`
	Trash         bool   `json:"trash"`
}

// Store persists feed posts' image files under root/feed and
// root/feed/trash, mirroring the media store's day-bucketed layout.
type Store struct {
	root string
}

// New builds a Store rooted at root (root/feed is created lazily on
// first publish).
func New(root string) *Store {
	return &Store{root: root}
}

// Thumbnailer is the function signature mediastore exposes for
// deriving a thumbnail; feedstore takes it as a parameter so it does
// not need to depend on mediastore's vips wiring directly.
type Thumbnailer func(data []byte) (thumbData []byte, ext string, err error)

// Publish copies sourcePNG (and, if given, inputPNG) into
// feed/YYYY/MM/DD/, regenerates thumbnails via thumb, writes the
// sidecar, and returns the descriptor.
func (s *Store) Publish(
	ownerID, authorDisplay, prompt, workflowID string,
	seed int64,
	aspect string,
	sourceAssetID, sourcePNG string,
	inputSourceID, inputPNG string,
	thumb Thumbnailer,
) (*FeedMeta, error) {
	postID := uuid.NewString()
	now := time.Now().UTC()
	dayDir := filepath.Join(s.root, "feed", now.Format("2006"), now.Format("01"), now.Format("02"))
	thumbDir := filepath.Join(dayDir, "thumb")
	if err := os.MkdirAll(thumbDir, 0o755); err != nil {
		return nil, apperr.New(apperr.IOError, "create feed directory", err)
	}

	imagePath := filepath.Join(dayDir, postID+".png")
	data, err := copyFile(sourcePNG, imagePath)
	if err != nil {
		return nil, apperr.New(apperr.IOError, "copy artifact into feed", err)
	}

	meta := &FeedMeta{
		PostID:        postID,
		OwnerID:       ownerID,
		AuthorDisplay: authorDisplay,
		Prompt:        prompt,
		WorkflowID:    workflowID,
		Seed:          seed,
		AspectRatio:   aspect,
		ImagePath:     imagePath,
		SourceAssetID: sourceAssetID,
		InputSourceID: inputSourceID,
		PublishedAt:   now.Unix(),
	}

	if thumbData, ext, terr := thumb(data); terr == nil {
		thumbPath := filepath.Join(thumbDir, postID+"."+ext)
		if werr := atomicWrite(thumbPath, thumbData); werr == nil {
			meta.ThumbPath = thumbPath
		}
	}

	if inputPNG != "" {
		inputPath := filepath.Join(dayDir, postID+"_input.png")
		inputData, err := copyFile(inputPNG, inputPath)
		if err == nil {
			meta.InputPath = inputPath
			if thumbData, ext, terr := thumb(inputData); terr == nil {
				inputThumbPath := filepath.Join(thumbDir, postID+"_input."+ext)
				if werr := atomicWrite(inputThumbPath, thumbData); werr == nil {
					meta.InputThumb = inputThumbPath
				}
			}
		}
	}

	metaPath := filepath.Join(dayDir, postID+".json")
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, apperr.New(apperr.Internal, "marshal feed sidecar", err)
	}
	if err := atomicWrite(metaPath, metaBytes); err != nil {
		return nil, apperr.New(apperr.IOError, "write feed sidecar", err)
	}

	return meta, nil
}

// MoveToTrash relocates every file referenced by meta from feed/... to
// feed/trash/..., preserving the relative layout, then flips the
// Trash flag on the sidecar it writes back out.
func (s *Store) MoveToTrash(meta *FeedMeta) error {
	return s.relocate(meta, true)
}

// RestoreFromTrash is the inverse of MoveToTrash.
func (s *Store) RestoreFromTrash(meta *FeedMeta) error {
	return s.relocate(meta, false)
}

func (s *Store) relocate(meta *FeedMeta, toTrash bool) error {
	paths := []*string{&meta.ImagePath, &meta.ThumbPath, &meta.InputPath, &meta.InputThumb}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		dest, err := s.trashPath(*p, toTrash)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return apperr.New(apperr.IOError, "create trash directory", err)
		}
		if err := os.Rename(*p, dest); err != nil {
			return apperr.New(apperr.IOError, "move feed asset", err)
		}
		*p = dest
	}
	meta.Trash = toTrash

	metaPath := s.sidecarFor(meta)
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return apperr.New(apperr.Internal, "marshal feed sidecar", err)
	}
	return atomicWrite(metaPath, metaBytes)
}

// PurgeFromTrash permanently deletes every file referenced by a
// trashed post, including its sidecar.
func (s *Store) PurgeFromTrash(meta *FeedMeta) error {
	if !meta.Trash {
		return apperr.New(apperr.Validation, "refusing to purge a non-trashed post", nil)
	}
	for _, p := range []string{meta.ImagePath, meta.ThumbPath, meta.InputPath, meta.InputThumb} {
		if p == "" {
			continue
		}
		_ = os.Remove(p)
	}
	return os.Remove(s.sidecarFor(meta))
}

func (s *Store) sidecarFor(meta *FeedMeta) string {
	return strings.TrimSuffix(meta.ImagePath, ".png") + ".json"
}

// trashPath rewrites a feed/... path into feed/trash/... or back,
// preserving everything after the "feed" segment.
func (s *Store) trashPath(p string, toTrash bool) (string, error) {
	rel, err := filepath.Rel(filepath.Join(s.root, "feed"), p)
	if err != nil {
		return "", apperr.New(apperr.Internal, "resolve feed-relative path", err)
	}
	rel = strings.TrimPrefix(rel, "trash"+string(filepath.Separator))

	if toTrash {
		return filepath.Join(s.root, "feed", "trash", rel), nil
	}
	return filepath.Join(s.root, "feed", rel), nil
}

// BuildWebPath maps an absolute feed asset path to its browser URL:
// active posts map to /outputs/feed/<rel>, trashed ones to
// /outputs/feed/trash/<rel>.
func (s *Store) BuildWebPath(fsPath string) string {
	rel, err := filepath.Rel(s.root, fsPath)
	if err != nil {
		return ""
	}
	return "/outputs/" + filepath.ToSlash(rel)
}

// PathFromWebPath is the inverse of BuildWebPath: given the "/outputs/..."
// URL a post was served under, reconstruct the absolute filesystem
// path, so callers that only persisted the URL (domain.Post) can
// still hand a FeedMeta back to MoveToTrash/RestoreFromTrash.
func (s *Store) PathFromWebPath(webPath string) string {
	rel := strings.TrimPrefix(webPath, "/outputs/")
	if rel == webPath || rel == "" {
		return ""
	}
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

func copyFile(src, dst string) ([]byte, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, err
	}
	if err := atomicWrite(dst, data); err != nil {
		return nil, err
	}
	return data, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	return os.Rename(tmpPath, path)
}
