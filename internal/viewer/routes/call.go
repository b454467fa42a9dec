package routes

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/proto"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Requests are already restricted to loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const sseKeepAlive = 25 * time.Second

// RegisterCall registers the call control API.
func RegisterCall(mux *http.ServeMux, calls Calls) {
	// GET /api/call/state: current snapshot.
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.State())
	})

	// GET /api/call/events: SSE, one "state" event per snapshot, starting
	// with the current one.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := calls.Subscribe()
		defer cancel()
		ping := time.NewTicker(sseKeepAlive)
		defer ping.Stop()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ping.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case snap, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(snap)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})

	// POST /api/call/initiate
	handlePost(mux, "/api/call/initiate", func(w http.ResponseWriter, r *http.Request, req struct {
		call.Target
		Kind string `json:"kind"`
	}) {
		if req.Kind == "" {
			req.Kind = call.KindVideo
		}
		id, err := calls.InitiateCall(r.Context(), req.Target, req.Kind)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "calling", "callId": id})
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"callId"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing callId", http.StatusBadRequest)
			return
		}
		if err := calls.AcceptCall(r.Context(), req.CallID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "connected", "callId": req.CallID})
	})

	// POST /api/call/decline
	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"callId"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing callId", http.StatusBadRequest)
			return
		}
		if err := calls.DeclineCall(req.CallID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "declined"})
	})

	// POST /api/call/end (idempotent)
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.EndCall(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// POST /api/call/rejoin
	handlePost(mux, "/api/call/rejoin", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"callId"`
		Kind   string `json:"kind"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing callId", http.StatusBadRequest)
			return
		}
		if err := calls.Rejoin(r.Context(), req.CallID, req.Kind); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejoining", "callId": req.CallID})
	})

	// POST /api/call/waiting/accept
	handlePost(mux, "/api/call/waiting/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.AcceptWaitingCall(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "connected", "callId": calls.State().CallID})
	})

	// POST /api/call/waiting/decline
	handlePost(mux, "/api/call/waiting/decline", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.DeclineWaitingCall(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "declined"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		on, err := calls.ToggleAudio()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"enabled": on})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		on, err := calls.ToggleVideo()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"enabled": on})
	})

	// POST /api/call/screen {"enabled": bool}
	handlePost(mux, "/api/call/screen", func(w http.ResponseWriter, r *http.Request, req struct {
		Enabled bool `json:"enabled"`
	}) {
		var err error
		if req.Enabled {
			err = calls.StartScreenShare(r.Context())
		} else {
			err = calls.StopScreenShare()
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"sharing": req.Enabled})
	})

	registerRemoteControl(mux, calls)
}

func registerRemoteControl(mux *http.ServeMux, calls Calls) {
	// POST /api/call/remote-control {"action": request|accept|deny|stop}
	handlePost(mux, "/api/call/remote-control", func(w http.ResponseWriter, r *http.Request, req struct {
		Action   string `json:"action"`
		TargetID string `json:"targetId"`
	}) {
		var err error
		switch req.Action {
		case "request":
			if req.TargetID == "" {
				http.Error(w, "missing targetId", http.StatusBadRequest)
				return
			}
			err = calls.RequestRemoteControl(req.TargetID)
		case "accept":
			err = calls.AcceptRemoteControl(r.Context())
		case "deny":
			err = calls.DenyRemoteControl()
		case "stop":
			err = calls.StopRemoteControl()
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, calls.State().RemoteControl)
	})

	// POST /api/call/remote-control/input: one input event.
	handlePost(mux, "/api/call/remote-control/input", func(w http.ResponseWriter, r *http.Request, ev proto.InputEvent) {
		if ev.Kind == "" {
			http.Error(w, "missing kind", http.StatusBadRequest)
			return
		}
		if err := calls.SendRemoteInput(ev); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// GET /api/call/remote-control/ws: WebSocket for high-rate input such as
	// mouse moves. Each text message is one InputEvent.
	mux.HandleFunc("/api/call/remote-control/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("RC: input websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			var ev proto.InputEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			if err := calls.SendRemoteInput(ev); err != nil {
				_ = conn.WriteJSON(map[string]string{"error": err.Error()})
			}
		}
	})
}
