package api

import "net/http"

func (a *api) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := a.deps.HealthCheck()
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
