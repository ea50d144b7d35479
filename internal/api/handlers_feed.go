package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/forgecanvas/comfybroker/internal/apperr"
	"github.com/forgecanvas/comfybroker/internal/domain"
	"github.com/forgecanvas/comfybroker/internal/feedstore"
)

func (a *api) handleListFeed(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	size := queryInt(r, "size", 20)
	sort := domain.ListSort(r.URL.Query().Get("sort"))
	if sort == "" {
		sort = domain.SortNewest
	}

	posts, err := a.deps.Posts.ListPosts(domain.IncludeActive, page, size, sort)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (a *api) handleFeedDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	post, err := a.deps.Posts.GetPost(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, string(apperr.NotFound), "post not found")
		return
	}
	if post.Status != domain.PostActive {
		writeError(w, r, http.StatusNotFound, string(apperr.NotFound), "post not found")
		return
	}
	writeJSON(w, http.StatusOK, post)
}

type publishRequest struct {
	AuthorDisplay string `json:"author_display"`
	SourceAssetID string `json:"source_asset_id" validate:"required"`
	InputSourceID string `json:"input_source_id,omitempty"`
}

// handleFeedPublish copies an owned generated asset (and, optionally,
// the input it was derived from) into the public feed and creates the
// corresponding post row.
func (a *api) handleFeedPublish(w http.ResponseWriter, r *http.Request) {
	owner := a.anonID(w, r)

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, string(apperr.Validation), "malformed request body")
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, string(apperr.Validation), err.Error())
		return
	}

	source, err := a.deps.Media.ReadAsset(owner, req.SourceAssetID)
	if err != nil || source.Kind != domain.KindGenerated {
		writeError(w, r, http.StatusNotFound, string(apperr.NotFound), "source asset not found")
		return
	}

	var inputPNG string
	if req.InputSourceID != "" {
		if p := a.deps.Media.LocatePNG(owner, req.InputSourceID); p != "" {
			inputPNG = p
		}
	}

	sourcePNG := a.deps.Media.LocatePNG(owner, req.SourceAssetID)
	meta, err := a.deps.Feed.Publish(
		owner, req.AuthorDisplay, source.UserPrompt, source.WorkflowID,
		source.Seed, source.AspectRatio,
		req.SourceAssetID, sourcePNG,
		req.InputSourceID, inputPNG,
		a.thumbnail,
	)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	post := &domain.Post{
		ID:            meta.PostID,
		OwnerID:       meta.OwnerID,
		AuthorDisplay: meta.AuthorDisplay,
		Prompt:        meta.Prompt,
		WorkflowID:    meta.WorkflowID,
		Seed:          meta.Seed,
		AspectRatio:   meta.AspectRatio,
		ImageURL:      webPathOrEmpty(a.deps.Feed, meta.ImagePath),
		ThumbURL:      webPathOrEmpty(a.deps.Feed, meta.ThumbPath),
		InputImageURL: webPathOrEmpty(a.deps.Feed, meta.InputPath),
		InputThumbURL: webPathOrEmpty(a.deps.Feed, meta.InputThumb),
		SourceAssetID: meta.SourceAssetID,
		InputSourceID: meta.InputSourceID,
		PublishedAt:   meta.PublishedAt,
	}
	if err := a.deps.Posts.CreatePost(post); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

func webPathOrEmpty(feed *feedstore.Store, p string) string {
	if p == "" {
		return ""
	}
	return feed.BuildWebPath(p)
}

// handleFeedDelete soft-deletes a post: only its own owner may trash
// it outside the admin surface.
func (a *api) handleFeedDelete(w http.ResponseWriter, r *http.Request) {
	owner := a.anonID(w, r)
	id := chi.URLParam(r, "id")

	post, err := a.deps.Posts.GetPost(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, string(apperr.NotFound), "post not found")
		return
	}
	if post.OwnerID != owner {
		writeError(w, r, http.StatusForbidden, string(apperr.Forbidden), "not your post")
		return
	}

	meta := feedMetaFromPost(a.deps.Feed, post)
	if err := a.deps.Feed.MoveToTrash(meta); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := a.deps.Posts.SetStatus(id, domain.PostTrash); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *api) handleFeedLike(w http.ResponseWriter, r *http.Request) {
	owner := a.anonID(w, r)
	id := chi.URLParam(r, "id")
	liked, count, err := a.deps.Posts.LikeToggle(id, owner)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"liked": liked, "count": count})
}

type reactionRequest struct {
	Reaction domain.ReactionType `json:"reaction" validate:"required"`
}

func (a *api) handleFeedReaction(w http.ResponseWriter, r *http.Request) {
	owner := a.anonID(w, r)
	id := chi.URLParam(r, "id")

	var req reactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, string(apperr.Validation), "malformed request body")
		return
	}
	agg, err := a.deps.Posts.ReactionSet(id, owner, req.Reaction)
	if err != nil {
		if err == domain.ErrInvalidReaction {
			writeError(w, r, http.StatusBadRequest, string(apperr.Validation), "invalid reaction type")
			return
		}
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// thumbnail adapts mediastore's thumbnail builder to feedstore's
// Thumbnailer signature.
func (a *api) thumbnail(data []byte) ([]byte, string, error) {
	return a.deps.Media.BuildThumbnail(data)
}

func feedMetaFromPost(feed *feedstore.Store, p *domain.Post) *feedstore.FeedMeta {
	return &feedstore.FeedMeta{
		PostID:        p.ID,
		OwnerID:       p.OwnerID,
		AuthorDisplay: p.AuthorDisplay,
		Prompt:        p.Prompt,
		WorkflowID:    p.WorkflowID,
		Seed:          p.Seed,
		AspectRatio:   p.AspectRatio,
		ImagePath:     feed.PathFromWebPath(p.ImageURL),
		ThumbPath:     feed.PathFromWebPath(p.ThumbURL),
		InputPath:     feed.PathFromWebPath(p.InputImageURL),
		InputThumb:    feed.PathFromWebPath(p.InputThumbURL),
		SourceAssetID: p.SourceAssetID,
		InputSourceID: p.InputSourceID,
		PublishedAt:   p.PublishedAt,
		Trash:         p.Status == domain.PostTrash,
	}
}
