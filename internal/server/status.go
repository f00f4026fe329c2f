package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"git.home.luguber.info/inful/devserve/internal/issues"
	"git.home.luguber.info/inful/devserve/internal/journal"
	"git.home.luguber.info/inful/devserve/internal/version"
)

// statusResponse is the /api/status document.
type statusResponse struct {
	Version       string   `json:"version"`
	Routes        int      `json:"routes"`
	Building      int      `json:"building"`
	Ready         int      `json:"ready"`
	Clients       int      `json:"clients"`
	Errors        []string `json:"errors"`
	Warnings      []string `json:"warnings"`
	CurrentHash   string   `json:"currentHash"`
	GeneratedAt   string   `json:"generatedAt"`
	JournalOnline bool     `json:"journalOnline"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	building, ready := s.orch.Readiness().Sizes()

	resp := statusResponse{
		Version:       version.Version,
		Routes:        s.orch.Directory().Len(),
		Building:      building,
		Ready:         ready,
		Clients:       s.hub.ClientCount(),
		Errors:        issues.FormatEntries(s.ledger.Snapshot()),
		Warnings:      issues.FormatEntries(s.ledger.WarningSnapshot()),
		CurrentHash:   s.orch.CurrentHash(),
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		JournalOnline: s.journal != nil,
	}
	if resp.Errors == nil {
		resp.Errors = []string{}
	}
	if resp.Warnings == nil {
		resp.Warnings = []string{}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleEvents returns the most recent journaled build events, newest first.
// ?limit= bounds the count (default 50, max 500).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "journal disabled", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}

	events, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, "journal query failed", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, doc any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(doc)
}
