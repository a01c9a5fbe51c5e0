package bridge

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
)

// registerEventRoutes exposes the manager's feed twice. SSE suits call
// lifecycle consumers; the WebSocket carries the same events for UIs that
// want speaking and level updates without SSE buffering in the webview.
func registerEventRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/events — SSE. ?kind= filters to one event kind.
	handleGet(mux, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		sseHeaders(w)

		kindFilter := r.URL.Query().Get("kind")

		evCh, cancel := d.Calls.Subscribe()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-evCh:
				if !ok {
					return
				}
				if kindFilter != "" && ev.Kind != kindFilter {
					continue
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
				flusher.Flush()
			}
		}
	})

	// GET /ws/events — WebSocket mirror of the same feed.
	mux.HandleFunc("/ws/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("BRIDGE: websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		evCh, cancel := d.Calls.Subscribe()
		defer cancel()

		// Reads only carry control frames; the goroutine doubles as the
		// disconnect signal because a hijacked request context stays open.
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-readerDone:
				return
			case ev, ok := <-evCh:
				if !ok {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	})
}
