package bridge

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jmulder/palaver/internal/call"
	"github.com/jmulder/palaver/internal/store"
)

// httpStatus maps manager errors onto response codes: unknown targets are
// 404, transitions the record no longer allows 409, bad requests 400.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, call.ErrUnknownCall), errors.Is(err, call.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, call.ErrSelfDial):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrBadTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// registerCallRoutes wires call control. Handlers only kick the manager;
// lifecycle results come back to the client through /api/events.
func registerCallRoutes(mux *http.ServeMux, d Deps) {
	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		RemotePeer string `json:"remote_peer"`
	}) {
		if req.RemotePeer == "" {
			http.Error(w, "missing remote_peer", http.StatusBadRequest)
			return
		}
		rec, err := d.Calls.Start(r.Context(), req.RemotePeer)
		if err != nil {
			http.Error(w, fmt.Sprintf("start call failed: %v", err), httpStatus(err))
			return
		}
		writeJSON(w, rec)
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := d.Calls.Accept(r.Context(), req.CallID); err != nil {
			http.Error(w, fmt.Sprintf("accept failed: %v", err), httpStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "accepted", "call_id": req.CallID})
	})

	// POST /api/call/decline
	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := d.Calls.Decline(req.CallID); err != nil {
			http.Error(w, fmt.Sprintf("decline failed: %v", err), httpStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "declined", "call_id": req.CallID})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := d.Calls.Hangup(req.CallID); err != nil {
			http.Error(w, fmt.Sprintf("hangup failed: %v", err), httpStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "ended", "call_id": req.CallID})
	})

	// POST /api/call/join
	handlePost(mux, "/api/call/join", func(w http.ResponseWriter, r *http.Request, req struct {
		Room string `json:"room"`
	}) {
		if req.Room == "" {
			http.Error(w, "missing room", http.StatusBadRequest)
			return
		}
		if err := d.Calls.Join(r.Context(), req.Room); err != nil {
			http.Error(w, fmt.Sprintf("join failed: %v", err), httpStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "joined", "room": req.Room})
	})

	// POST /api/call/leave
	handlePost(mux, "/api/call/leave", func(w http.ResponseWriter, r *http.Request, req struct {
		Room string `json:"room"`
	}) {
		if req.Room == "" {
			http.Error(w, "missing room", http.StatusBadRequest)
			return
		}
		if err := d.Calls.Leave(req.Room); err != nil {
			http.Error(w, fmt.Sprintf("leave failed: %v", err), httpStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "left", "room": req.Room})
	})

	// POST /api/call/toggle-mute — no body needed.
	handlePost(mux, "/api/call/toggle-mute", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		muted, err := d.Calls.ToggleMute()
		if err != nil {
			http.Error(w, fmt.Sprintf("toggle mute failed: %v", err), httpStatus(err))
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/volume — per-listener gain for one participant.
	handlePost(mux, "/api/call/volume", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string  `json:"peer_id"`
		Volume float64 `json:"volume"`
	}) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		if err := d.Calls.SetUserVolume(req.PeerID, req.Volume); err != nil {
			http.Error(w, fmt.Sprintf("set volume failed: %v", err), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"peer_id": req.PeerID, "volume": req.Volume})
	})

	// POST /api/share/start — empty quality means the configured preset.
	handlePost(mux, "/api/share/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Quality string `json:"quality"`
	}) {
		if err := d.Calls.StartShare(req.Quality); err != nil {
			http.Error(w, fmt.Sprintf("share failed: %v", err), httpStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "sharing"})
	})

	// POST /api/share/stop
	handlePost(mux, "/api/share/stop", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := d.Calls.StopShare(); err != nil {
			http.Error(w, fmt.Sprintf("stop share failed: %v", err), httpStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "stopped"})
	})
}
