package bridge

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmulder/palaver/internal/call"
	"github.com/jmulder/palaver/internal/store"
)

// registerInfoRoutes wires the read-side snapshots and profile updates.
func registerInfoRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/self — local identity plus mute state for UI boot.
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"id":      d.Calls.SelfID(),
			"profile": d.Profile.Self(),
			"muted":   d.Calls.Muted(),
		})
	})

	// GET /api/participants — the live session's table, empty when idle.
	handleGet(mux, "/api/participants", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Calls.Participants())
	})

	// GET /api/links — every peer link across all sessions.
	handleGet(mux, "/api/links", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Calls.Links())
	})

	// GET /api/sessions — open sessions with their links and share state.
	handleGet(mux, "/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions := d.Calls.Sessions()
		if sessions == nil {
			sessions = []call.SessionInfo{}
		}
		writeJSON(w, sessions)
	})

	// GET /api/calls?limit=N — call history, newest first.
	handleGet(mux, "/api/calls", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		recs, err := d.Store.Recent(limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("history: %v", err), http.StatusInternalServerError)
			return
		}
		if recs == nil {
			recs = []store.CallRecord{}
		}
		writeJSON(w, recs)
	})

	// GET /api/peers — every peer seen on presence since startup.
	handleGet(mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Profile.Peers())
	})

	// POST /api/profile
	handlePost(mux, "/api/profile", func(w http.ResponseWriter, r *http.Request, req struct {
		Display    string `json:"display"`
		AvatarHash string `json:"avatar_hash"`
	}) {
		if strings.TrimSpace(req.Display) == "" {
			http.Error(w, "missing display", http.StatusBadRequest)
			return
		}
		if err := d.Profile.SetProfile(req.Display, req.AvatarHash); err != nil {
			http.Error(w, fmt.Sprintf("profile update failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, d.Profile.Self())
	})

	// POST /api/status — online|away|offline.
	handlePost(mux, "/api/status", func(w http.ResponseWriter, r *http.Request, req struct {
		Status string `json:"status"`
	}) {
		if err := d.Profile.SetStatus(req.Status); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]string{"status": req.Status})
	})

	// GET /api/devices — selectable microphone labels.
	if d.Devices != nil {
		handleGet(mux, "/api/devices", func(w http.ResponseWriter, r *http.Request) {
			labels := d.Devices()
			if labels == nil {
				labels = []string{}
			}
			writeJSON(w, map[string][]string{"inputs": labels})
		})
	}
}
