package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/forgecanvas/comfybroker/internal/apperr"
	"github.com/forgecanvas/comfybroker/internal/domain"
)

func (a *api) handleListImages(w http.ResponseWriter, r *http.Request) {
	a.listAssets(w, r, domain.KindGenerated)
}

func (a *api) handleListControls(w http.ResponseWriter, r *http.Request) {
	a.listAssets(w, r, domain.KindControl)
}

func (a *api) handleListInputs(w http.ResponseWriter, r *http.Request) {
	a.listAssets(w, r, domain.KindInput)
}

func (a *api) listAssets(w http.ResponseWriter, r *http.Request, kind domain.AssetKind) {
	owner := a.anonID(w, r)
	assets, err := a.deps.Media.List(owner, kind, false)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if tag := r.URL.Query().Get("tag"); tag != "" {
		assets = filterByTag(assets, tag)
	}

	page := queryInt(r, "page", 1)
	size := queryInt(r, "size", 20)
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	start := (page - 1) * size
	if start > len(assets) {
		start = len(assets)
	}
	end := start + size
	if end > len(assets) {
		end = len(assets)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": assets[start:end],
		"page":  page,
		"size":  size,
		"total": len(assets),
	})
}

func filterByTag(assets []domain.Asset, tag string) []domain.Asset {
	needle := normalizeTag(tag)
	out := make([]domain.Asset, 0, len(assets))
	for _, a := range assets {
		for _, t := range a.Tags {
			if normalizeTag(t) == needle || contains(normalizeTag(t), needle) {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

func normalizeTag(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

func contains(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	if len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func (a *api) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	a.trashAsset(w, r, domain.KindGenerated)
}

func (a *api) handleDeleteControl(w http.ResponseWriter, r *http.Request) {
	a.trashAsset(w, r, domain.KindControl)
}

func (a *api) handleDeleteInput(w http.ResponseWriter, r *http.Request) {
	a.trashAsset(w, r, domain.KindInput)
}

func (a *api) trashAsset(w http.ResponseWriter, r *http.Request, kind domain.AssetKind) {
	owner := a.anonID(w, r)
	id := chi.URLParam(r, "id")

	asset, err := a.deps.Media.ReadAsset(owner, id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, string(apperr.NotFound), "asset not found")
		return
	}
	if asset.Kind != kind {
		writeError(w, r, http.StatusNotFound, string(apperr.NotFound), "asset not found")
		return
	}
	if err := a.deps.Media.UpdateStatus(owner, id, domain.StatusTrash); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *api) handleUploadControl(w http.ResponseWriter, r *http.Request) {
	a.uploadAsset(w, r, func(owner string, data []byte, name string) (string, string, error) {
		return a.deps.Media.SaveControl(owner, data, name)
	})
}

func (a *api) handleUploadInput(w http.ResponseWriter, r *http.Request) {
	a.uploadAsset(w, r, func(owner string, data []byte, name string) (string, string, error) {
		return a.deps.Media.SaveInput(owner, data, name)
	})
}

func (a *api) uploadAsset(w http.ResponseWriter, r *http.Request, save func(owner string, data []byte, name string) (string, string, error)) {
	owner := a.anonID(w, r)

	limit := a.deps.Config.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, string(apperr.PayloadTooLarge), "upload exceeds the configured size limit")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, string(apperr.Validation), "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, string(apperr.Validation), "failed to read upload")
		return
	}
	if int64(len(data)) > limit {
		writeError(w, r, http.StatusRequestEntityTooLarge, string(apperr.PayloadTooLarge), "upload exceeds the configured size limit")
		return
	}

	_, metaPath, err := save(owner, data, header.Filename)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	asset, err := a.deps.Media.ReadAsset(owner, idFromMetaPath(metaPath))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

func idFromMetaPath(metaPath string) string {
	base := metaPath
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '/' || base[i] == '\\' {
			base = base[i+1:]
			break
		}
	}
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '.' {
			return base[:i]
		}
	}
	return base
}
