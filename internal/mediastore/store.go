// Package mediastore is the filesystem-backed content store: it owns
// artifact bytes, thumbnails, and JSON sidecars under an owner's
// subtree. Writes go to a temp file and get renamed into place so a
// reader never observes a partial artifact; the sidecar JSON file is
// the source of truth for an asset's metadata.
package mediastore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgecanvas/comfybroker/internal/apperr"
	"github.com/forgecanvas/comfybroker/internal/domain"
)

// Store persists generated/control/input assets under root, one
// subtree per owner.
type Store struct {
	root string
}

// New builds a Store rooted at root. root is created if missing.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperr.New(apperr.IOError, "create media root", err)
	}
	return &Store{root: root}, nil
}

// RequestContext is the provenance recorded alongside a saved asset,
// used to reconstruct the GenerateRequest that produced it.
type RequestContext struct {
	WorkflowID    string
	AspectRatio   string
	Seed          int64
	UserPrompt    string
	InputImageID  string
	Tags          []string
}

// SaveArtifact persists a generated image under
// users/<owner>/YYYY/MM/DD/<id>.png, writes its thumbnail and
// sidecar, and returns both filesystem paths.
func (s *Store) SaveArtifact(owner string, data []byte, rc RequestContext, originalName string) (fsPath, metaPath string, err error) {
	return s.save(owner, domain.KindGenerated, "", data, rc, originalName)
}

// SaveControl persists a control reference image under controls/.
func (s *Store) SaveControl(owner string, data []byte, originalName string) (fsPath, metaPath string, err error) {
	return s.save(owner, domain.KindControl, "controls", data, RequestContext{}, originalName)
}

// SaveInput persists an input reference image under inputs/.
func (s *Store) SaveInput(owner string, data []byte, originalName string) (fsPath, metaPath string, err error) {
	return s.save(owner, domain.KindInput, "inputs", data, RequestContext{}, originalName)
}

func (s *Store) save(owner string, kind domain.AssetKind, subdir string, data []byte, rc RequestContext, originalName string) (fsPath, metaPath string, err error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	dayDir := filepath.Join(s.root, "users", owner, now.Format("2006"), now.Format("01"), now.Format("02"))
	if subdir != "" {
		dayDir = filepath.Join(s.root, "users", owner, subdir, now.Format("2006"), now.Format("01"), now.Format("02"))
	}
	thumbDir := filepath.Join(dayDir, "thumb")
	if err := os.MkdirAll(thumbDir, 0o755); err != nil {
		return "", "", apperr.New(apperr.IOError, "create asset directory", err)
	}

	fsPath = filepath.Join(dayDir, id+".png")
	if _, statErr := os.Stat(fsPath); statErr == nil {
		return "", "", apperr.New(apperr.Internal, "asset id collision", domain.ErrIDCollision)
	}

	if err := atomicWrite(fsPath, data); err != nil {
		return "", "", apperr.New(apperr.IOError, "write asset bytes", err)
	}

	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])

	var thumbURL string
	if thumbData, ext, terr := buildThumbnail(data); terr == nil {
		thumbPath := filepath.Join(thumbDir, id+"."+ext)
		if werr := atomicWrite(thumbPath, thumbData); werr == nil {
			thumbURL = s.BuildWebPath(thumbPath)
		}
	}

	asset := domain.Asset{
		ID:            id,
		OwnerID:       owner,
		Kind:          kind,
		WorkflowID:    rc.WorkflowID,
		AspectRatio:   rc.AspectRatio,
		Seed:          rc.Seed,
		UserPrompt:    rc.UserPrompt,
		InputImageID:  rc.InputImageID,
		Mime:          "image/png",
		ByteLength:    int64(len(data)),
		SHA256:        sha,
		CreatedAt:     now.Format(time.RFC3339),
		Status:        domain.StatusActive,
		ThumbURL:      thumbURL,
		Tags:          rc.Tags,
		OriginalName:  originalName,
	}

	metaPath = filepath.Join(dayDir, id+".json")
	metaBytes, err := json.MarshalIndent(asset, "", "  ")
	if err != nil {
		return "", "", apperr.New(apperr.Internal, "marshal sidecar", err)
	}
	if err := atomicWrite(metaPath, metaBytes); err != nil {
		return "", "", apperr.New(apperr.IOError, "write sidecar", err)
	}

	return fsPath, metaPath, nil
}

// List walks owner's subtree for kind and returns every asset whose
// sidecar parses and matches kind, sorted by file mtime descending.
// Unreadable or mismatched sidecars are skipped, never fatal.
func (s *Store) List(owner string, kind domain.AssetKind, includeTrash bool) ([]domain.Asset, error) {
	subdir := kindSubdir(kind)
	base := filepath.Join(s.root, "users", owner)
	if subdir != "" {
		base = filepath.Join(base, subdir)
	}

	type entry struct {
		asset domain.Asset
		mtime time.Time
	}
	var entries []entry

	err := walkJSON(base, func(path string, info os.FileInfo) {
		var asset domain.Asset
		raw, err := os.ReadFile(path)
		if err != nil {
			return
		}
		if err := json.Unmarshal(raw, &asset); err != nil {
			return
		}
		if asset.Kind != kind {
			return
		}
		if !includeTrash && asset.Status != domain.StatusActive {
			return
		}
		entries = append(entries, entry{asset: asset, mtime: info.ModTime()})
	})
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.Asset{}, nil
		}
		return nil, apperr.New(apperr.IOError, "list assets", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].mtime.After(entries[j].mtime)
	})

	out := make([]domain.Asset, len(entries))
	for i, e := range entries {
		out[i] = e.asset
	}
	return out, nil
}

// LocateMeta returns the sidecar path for id under owner's subtree, or
// "" if not found.
func (s *Store) LocateMeta(owner, id string) string {
	base := filepath.Join(s.root, "users", owner)
	var found string
	_ = walkJSON(base, func(path string, info os.FileInfo) {
		if found != "" {
			return
		}
		if strings.TrimSuffix(filepath.Base(path), ".json") == id {
			found = path
		}
	})
	return found
}

// LocatePNG returns the png path for id under owner's subtree, or ""
// if not found.
func (s *Store) LocatePNG(owner, id string) string {
	meta := s.LocateMeta(owner, id)
	if meta == "" {
		return ""
	}
	return strings.TrimSuffix(meta, ".json") + ".png"
}

// ReadAsset loads and parses the sidecar for id under owner, if any.
func (s *Store) ReadAsset(owner, id string) (*domain.Asset, error) {
	metaPath := s.LocateMeta(owner, id)
	if metaPath == "" {
		return nil, domain.ErrAssetNotFound
	}
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, apperr.New(apperr.IOError, "read sidecar", err)
	}
	var asset domain.Asset
	if err := json.Unmarshal(raw, &asset); err != nil {
		return nil, apperr.New(apperr.Internal, "parse sidecar", err)
	}
	asset.MetaPath = metaPath
	asset.FSPath = strings.TrimSuffix(metaPath, ".json") + ".png"
	return &asset, nil
}

// UpdateStatus rewrites the sidecar's status field atomically.
func (s *Store) UpdateStatus(owner, id string, status domain.AssetStatus) error {
	metaPath := s.LocateMeta(owner, id)
	if metaPath == "" {
		return domain.ErrAssetNotFound
	}

	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return apperr.New(apperr.IOError, "read sidecar", err)
	}
	var asset domain.Asset
	if err := json.Unmarshal(raw, &asset); err != nil {
		return apperr.New(apperr.Internal, "parse sidecar", err)
	}
	asset.Status = status

	out, err := json.MarshalIndent(asset, "", "  ")
	if err != nil {
		return apperr.New(apperr.Internal, "marshal sidecar", err)
	}
	if err := atomicWrite(metaPath, out); err != nil {
		return apperr.New(apperr.IOError, "rewrite sidecar", err)
	}
	return nil
}

// BuildWebPath exposes a browser URL for an absolute path under root.
func (s *Store) BuildWebPath(fsPath string) string {
	rel, err := filepath.Rel(s.root, fsPath)
	if err != nil {
		return ""
	}
	return "/outputs/" + filepath.ToSlash(rel)
}

// BuildThumbnail exposes the package's decode/resize/encode pipeline
// to other stores (feedstore) that need a thumbnail but keep their
// own sidecar format.
func (s *Store) BuildThumbnail(data []byte) ([]byte, string, error) {
	return buildThumbnail(data)
}

func kindSubdir(kind domain.AssetKind) string {
	switch kind {
	case domain.KindControl:
		return "controls"
	case domain.KindInput:
		return "inputs"
	default:
		return ""
	}
}

// walkJSON visits every *.json file under base (best-effort, never
// descending into thumb/ since sidecars never live there).
func walkJSON(base string, fn func(path string, info os.FileInfo)) error {
	return filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if info.Name() == "thumb" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".json") {
			return nil
		}
		fn(path, info)
		return nil
	})
}

// atomicWrite writes data to a temp file in the target directory then
// renames it into place, so readers never observe a partial file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
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
