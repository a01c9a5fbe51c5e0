// Package bridge is the local HTTP surface a UI binds to: REST-ish control
// over calls and profile, JSON snapshots of live state, and the event feed
// as both SSE and WebSocket. It is meant for loopback; nothing here
// authenticates.
package bridge

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/jmulder/palaver/internal/avatar"
	"github.com/jmulder/palaver/internal/call"
	"github.com/jmulder/palaver/internal/presence"
	"github.com/jmulder/palaver/internal/profile"
	"github.com/jmulder/palaver/internal/rtc"
	"github.com/jmulder/palaver/internal/store"
)

// Calls is the slice of the call manager the routes need. Tests plug in a
// fake; production passes *call.Manager.
type Calls interface {
	SelfID() string
	Start(ctx context.Context, remote string) (store.CallRecord, error)
	Accept(ctx context.Context, callID string) error
	Decline(callID string) error
	Hangup(callID string) error
	Join(ctx context.Context, room string) error
	Leave(room string) error
	ToggleMute() (bool, error)
	Muted() bool
	SetUserVolume(peerID string, volume float64) error
	StartShare(quality string) error
	StopShare() error
	Subscribe() (chan call.Event, func())
	Sessions() []call.SessionInfo
	Participants() map[string]presence.Participant
	Links() []rtc.Info
}

var _ Calls = (*call.Manager)(nil)

type Deps struct {
	Calls   Calls
	Store   *store.Store
	Profile *profile.Service
	Avatars *avatar.Store
	Logs    *LogBuffer

	// Devices lists selectable microphone labels. Nil hides /api/devices.
	Devices func() []string
}

func Register(mux *http.ServeMux, d Deps) {
	registerCallRoutes(mux, d)
	registerInfoRoutes(mux, d)
	registerAvatarRoutes(mux, d)
	registerEventRoutes(mux, d)
	registerLogRoutes(mux, d)
}

func registerLogRoutes(mux *http.ServeMux, d Deps) {
	if d.Logs == nil {
		return
	}
	mux.HandleFunc("/api/logs", d.Logs.ServeLogsJSON)
	mux.HandleFunc("/api/logs/stream", d.Logs.ServeLogsSSE)
}

// Serve runs the bridge on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, d Deps) error {
	mux := http.NewServeMux()
	Register(mux, d)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Printf("BRIDGE: listening on http://%s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
