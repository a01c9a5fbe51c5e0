package bridge

import (
	"fmt"
	"io"
	"net/http"

	"github.com/jmulder/palaver/internal/avatar"
)

// Avatars larger than this are rejected at the door; presence only carries
// the hash, so there is no wire pressure, but the file lives in the peer
// directory and gets read on every GET.
const maxAvatarBytes = 1 << 20

// registerAvatarRoutes serves and replaces the peer's own avatar. Uploads
// push the new hash through the profile service so presence picks it up.
func registerAvatarRoutes(mux *http.ServeMux, d Deps) {
	if d.Avatars == nil {
		return
	}

	// GET /api/avatar returns the stored image, or a generated initials
	// placeholder when none is set. POST replaces it with the raw body.
	mux.HandleFunc("/api/avatar", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			data, err := d.Avatars.Read()
			if err != nil {
				http.Error(w, fmt.Sprintf("read avatar failed: %v", err), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Cache-Control", "no-cache")
			if data == nil {
				w.Header().Set("Content-Type", "image/svg+xml")
				w.Write(avatar.InitialsSVG(d.Profile.Self().Display, d.Calls.SelfID()))
				return
			}
			w.Header().Set("Content-Type", "image/png")
			w.Write(data)

		case http.MethodPost:
			data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAvatarBytes))
			if err != nil {
				http.Error(w, "avatar too large", http.StatusRequestEntityTooLarge)
				return
			}
			if len(data) == 0 {
				http.Error(w, "missing image data", http.StatusBadRequest)
				return
			}
			if err := d.Avatars.Write(data); err != nil {
				http.Error(w, fmt.Sprintf("store avatar failed: %v", err), http.StatusInternalServerError)
				return
			}
			if err := d.Profile.SetProfile(d.Profile.Self().Display, d.Avatars.Hash()); err != nil {
				http.Error(w, fmt.Sprintf("publish avatar failed: %v", err), http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]string{"status": "stored", "hash": d.Avatars.Hash()})

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// POST /api/avatar/delete
	handlePost(mux, "/api/avatar/delete", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := d.Avatars.Delete(); err != nil {
			http.Error(w, fmt.Sprintf("delete avatar failed: %v", err), http.StatusInternalServerError)
			return
		}
		if err := d.Profile.SetProfile(d.Profile.Self().Display, ""); err != nil {
			http.Error(w, fmt.Sprintf("publish avatar failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	})
}
