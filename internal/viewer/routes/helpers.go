package routes

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/remotectl"
	"github.com/petervdpas/callcore/internal/storage"
)

const maxBody = 1 << 20

func handleGet(mux *http.ServeMux, path string, h http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}

// handlePost decodes the JSON body into T before calling h. An empty body
// decodes to the zero T.
func handlePost[T any](mux *http.ServeMux, path string, h func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if decodeJSON(w, r, &req) != nil {
			return
		}
		h(w, r, req)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeError maps orchestrator errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrInvalidState),
		errors.Is(err, call.ErrCallInProgress),
		errors.Is(err, call.ErrNoWaitingCall),
		errors.Is(err, remotectl.ErrBusy),
		errors.Is(err, remotectl.ErrNoRequest),
		errors.Is(err, remotectl.ErrNotActive),
		errors.Is(err, remotectl.ErrNotSharing):
		status = http.StatusConflict
	case errors.Is(err, call.ErrMediaAcquisition),
		errors.Is(err, call.ErrAgentUnavailable),
		errors.Is(err, call.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, call.ErrNegotiation),
		errors.Is(err, call.ErrKeyMissing):
		status = http.StatusBadGateway
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	}
	writeJSONStatus(w, status, map[string]string{"error": err.Error()})
}

// LocalOnly refuses requests that do not come from the loopback interface.
// The control API can place calls and grant remote control.
func LocalOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLocalRequest(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return n
}
