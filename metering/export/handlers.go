// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package export

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Handler exposes on-demand snapshot export for one account
type Handler struct {
	archiver *Archiver
}

func NewHandler(archiver *Archiver) *Handler {
	return &Handler{archiver: archiver}
}

// RegisterRoutes registers export routes with a gorilla/mux router
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/accounts/{id}/export", h.ExportAccount).Methods("POST")
}

// ExportAccount handles POST /api/v1/accounts/{id}/export. Synchronous:
// the snapshot is uploaded before the response returns, so admin tooling
// can read the object immediately.
func (h *Handler) ExportAccount(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	if accountID == "" {
		writeError(w, "Account id required", http.StatusBadRequest)
		return
	}

	if err := h.archiver.ArchiveAccount(r.Context(), accountID); err != nil {
		promExportFailures.Inc()
		h.archiver.log.ErrorWithErr(accountID, "", "On-demand export failed", err, nil)
		writeError(w, "Export failed", http.StatusServiceUnavailable)
		return
	}
	promExports.Inc()

	writeJSON(w, http.StatusOK, map[string]string{
		"key": ObjectKey(accountID, time.Now()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
