package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const ctxKeyRequestID ctxKey = iota

// betaGate enforces the shared-secret beta cookie when BETA_PASSWORD
// is configured. Static asset mounts still pass through this (only
// request logging is bypassed for them), since an unauthenticated
// caller must not reach /outputs either.
func (a *api) betaGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.deps.Config.BetaPassword == "" {
			next.ServeHTTP(w, r)
			return
		}
		if a.betaAuthorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.Path == "/ws/status" {
			// Let the handshake through; handleWSStatus completes the
			// upgrade and closes with code 4401 instead of a bare HTTP
			// 401, which the WebSocket client API cannot observe.
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, r, http.StatusUnauthorized, "beta_gate", "beta access required")
	})
}

func (a *api) betaAuthorized(r *http.Request) bool {
	name := a.deps.Config.BetaCookie
	if name == "" {
		name = "beta_auth"
	}
	cookie, err := r.Cookie(name)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(betaGateDigest(a.deps.Config.BetaPassword))) == 1
}

func betaGateDigest(password string) string {
	sum := sha256.Sum256([]byte("beta_gate:v1:" + password))
	return hex.EncodeToString(sum[:])
}

// requestLogger assigns or echoes X-Request-ID and logs one
// structured slog line per request.
func (a *api) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		a.deps.Logger.Info("http_request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// feedTrashGate hides any path under feed's trash partition from
// everyone except an admin. It returns 404, not 403, so a non-admin
// caller cannot distinguish "not found" from "exists but trashed".
// The static /outputs mount sits outside the /api/v1/admin/* group, so
// this gate checks basic auth itself rather than relying on
// adminBasicAuth having already run in the chain.
func (a *api) feedTrashGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/trash/") && !strings.HasPrefix(r.URL.Path, "/api/v1/admin/") && !a.adminAuthorized(r) {
			writeError(w, r, http.StatusNotFound, "not_found", "not found")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) adminAuthorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	return ok && constantTimeEq(user, a.deps.Config.AdminUser) && constantTimeEq(pass, a.deps.Config.AdminPassword)
}

// adminBasicAuth protects /api/v1/admin/* with the configured
// credentials, constant-time compared.
func (a *api) adminBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.adminAuthorized(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "admin credentials required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func constantTimeEq(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// anonID reads the anon_id cookie, issuing a new one if absent. The
// cookie is HttpOnly/SameSite=Lax, Secure gated by config since local
// dev runs over plain HTTP.
func (a *api) anonID(w http.ResponseWriter, r *http.Request) string {
	cookie, err := r.Cookie("anon_id")
	if err == nil && cookie.Value != "" {
		return cookie.Value
	}
	id := "anon-" + uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     "anon_id",
		Value:    id,
		Path:     "/",
		MaxAge:   180 * 24 * 60 * 60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   a.deps.Config.CookieSecure,
	})
	return id
}

func requestID(r *http.Request) string {
	if v, ok := r.Context().Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}
