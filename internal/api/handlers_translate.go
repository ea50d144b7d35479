package api

import (
	"net/http"

	"github.com/forgecanvas/comfybroker/internal/apperr"
)

// handleTranslatePrompt converts a natural-language prompt into
// Danbooru tags via the configured external provider. Never echoes
// the provider's raw error body; apperr.Kind drives the status.
func (a *api) handleTranslatePrompt(w http.ResponseWriter, r *http.Request) {
	if !a.deps.Translator.Enabled() {
		writeError(w, r, http.StatusServiceUnavailable, string(apperr.ServiceUnavailable), "translation is not configured")
		return
	}

	text := r.FormValue("text")
	if text == "" {
		writeError(w, r, http.StatusBadRequest, string(apperr.Validation), "text is required")
		return
	}

	translated, err := a.deps.Translator.Translate(r.Context(), text)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"translated_text": translated})
}
