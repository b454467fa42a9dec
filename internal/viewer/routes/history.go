package routes

import (
	"net/http"
	"strings"

	"github.com/petervdpas/callcore/internal/storage"
)

func registerHistoryRoutes(mux *http.ServeMux, h History) {
	// GET /api/call/history?limit=N, newest first.
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		calls, err := h.ListCalls(queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, err)
			return
		}
		if calls == nil {
			calls = []storage.CallRecord{}
		}
		writeJSON(w, calls)
	})

	// GET /api/call/history/{callId}
	handleGet(mux, "/api/call/history/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/call/history/"), "/")
		if id == "" {
			http.Error(w, "missing call id", http.StatusBadRequest)
			return
		}
		c, err := h.GetCall(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, c)
	})
}
