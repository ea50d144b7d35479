package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/forgecanvas/comfybroker/internal/apperr"
	"github.com/forgecanvas/comfybroker/internal/domain"
)

func (a *api) handleAdminFeedTrash(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	size := queryInt(r, "size", 50)
	posts, err := a.deps.Posts.ListPosts(domain.IncludeTrash, page, size, domain.SortNewest)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (a *api) handleAdminFeedPurge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	post, err := a.deps.Posts.GetPost(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, string(apperr.NotFound), "post not found")
		return
	}
	if post.Status != domain.PostTrash {
		writeError(w, r, http.StatusBadRequest, string(apperr.Validation), "post is not trashed")
		return
	}
	meta := feedMetaFromPost(a.deps.Feed, post)
	if err := a.deps.Feed.PurgeFromTrash(meta); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := a.deps.Posts.DeletePost(id); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"purged": true})
}

func (a *api) handleAdminRestoreImage(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	id := chi.URLParam(r, "id")
	if err := a.deps.Media.UpdateStatus(owner, id, domain.StatusActive); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"restored": true})
}
