package handlers

import (
	"net/http"
	"os"
	"path/filepath"
)

// WorkerScriptHandler serves the service worker script from the static
// directory. Clients check it with HEAD before registering.
func (h *Handler) WorkerScriptHandler(w http.ResponseWriter, r *http.Request) {
	path := filepath.Join(h.StaticDir, "sw.js")
	if _, err := os.Stat(path); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Service-Worker-Allowed", "/")
	w.Header().Set("X-Worker-Version", h.WorkerVersion)
	http.ServeFile(w, r, path)
}
