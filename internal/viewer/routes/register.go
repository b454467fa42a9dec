package routes

import (
	"context"
	"net/http"

	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/storage"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Calls is the orchestrator surface exposed over HTTP. *call.Manager
// satisfies it.
type Calls interface {
	State() call.Snapshot
	Subscribe() (<-chan call.Snapshot, func())

	InitiateCall(ctx context.Context, t call.Target, kind string) (string, error)
	AcceptCall(ctx context.Context, callID string) error
	DeclineCall(callID string) error
	EndCall() error
	Rejoin(ctx context.Context, callID, kind string) error
	AcceptWaitingCall(ctx context.Context) error
	DeclineWaitingCall() error

	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	StartScreenShare(ctx context.Context) error
	StopScreenShare() error

	RequestRemoteControl(targetID string) error
	AcceptRemoteControl(ctx context.Context) error
	DenyRemoteControl() error
	StopRemoteControl() error
	SendRemoteInput(ev proto.InputEvent) error
}

// History is the call ledger. *storage.DB satisfies it.
type History interface {
	ListCalls(limit int) ([]storage.CallRecord, error)
	GetCall(callID string) (storage.CallRecord, error)
}

type Deps struct {
	Calls   Calls
	History History
	Logs    Logs
	Metrics http.Handler
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	if d.Calls != nil {
		RegisterCall(mux, d.Calls)
	}
	if d.History != nil {
		registerHistoryRoutes(mux, d.History)
	}
	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics)
	}
}
