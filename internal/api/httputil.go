package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/forgecanvas/comfybroker/internal/apperr"
)

// errorBody is the JSON shape every error response shares.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message, RequestID: requestID(r)})
}

// writeErr inspects err for an *apperr.Error and uses its Kind to pick
// the status and code; anything else is treated as internal.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		writeError(w, r, apperr.HTTPStatus(ae.Kind), string(ae.Kind), ae.Message)
		return
	}
	writeError(w, r, http.StatusInternalServerError, string(apperr.Internal), "internal error")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthReport is returned by Deps.HealthCheck.
type HealthReport struct {
	Status       string `json:"status"`
	DiskFreeMB   int64  `json:"disk_free_mb"`
	UpstreamUp   bool   `json:"upstream_up"`
	QueueDepth   int    `json:"queue_depth"`
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	v := r.URL.Query().Get(key)
	return v == "1" || v == "true"
}
