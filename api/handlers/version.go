package handlers

import (
	"encoding/json"
	"net/http"
)

// VersionInfo identifies the running build. Populated at link time by
// the cmd wiring.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

func (h *Handlers) getVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.version)
}
