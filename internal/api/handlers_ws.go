package api

import "net/http"

// handleWSStatus upgrades the caller into the per-owner notification
// socket. A beta-gate rejection still completes the handshake so the
// client sees close code 4401 rather than a failed HTTP request.
func (a *api) handleWSStatus(w http.ResponseWriter, r *http.Request) {
	if a.deps.Config.BetaPassword != "" && !a.betaAuthorized(r) {
		_ = a.deps.Hub.RejectUnauthorized(w, r)
		return
	}
	owner := a.anonID(w, r)
	if err := a.deps.Hub.ServeWS(w, r, owner); err != nil {
		a.deps.Logger.Warn("ws upgrade failed", "err", err)
	}
}
