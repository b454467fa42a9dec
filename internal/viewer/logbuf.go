package viewer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/callcore/internal/util"
)

// LogEntry is one captured log line. Scope and CallID are parsed from the
// "SCOPE [id]: message" convention used across the daemon.
type LogEntry struct {
	TS     time.Time `json:"ts"`
	Scope  string    `json:"scope,omitempty"`
	CallID string    `json:"callId,omitempty"`
	Msg    string    `json:"msg"`
}

var scopeRe = regexp.MustCompile(`^(?:\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)? )?([A-Z0-9]+)(?: \[([^\]]+)\])?: `)

func parseEntry(line string) LogEntry {
	e := LogEntry{TS: time.Now(), Msg: line}
	if m := scopeRe.FindStringSubmatch(line); m != nil {
		e.Scope, e.CallID = m[1], m[2]
	}
	return e
}

func (e LogEntry) matches(scope, callID string) bool {
	return (scope == "" || strings.EqualFold(e.Scope, scope)) &&
		(callID == "" || e.CallID == callID)
}

// LogBuffer keeps the most recent log lines and fans new ones out to
// subscribers. It is an io.Writer for log.SetOutput.
type LogBuffer struct {
	entries *util.RingBuffer[LogEntry]

	mu      sync.Mutex
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := parseEntry(line)
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
	return len(p), nil
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

func (b *LogBuffer) Subscribe() (chan LogEntry, func()) {
	ch := make(chan LogEntry, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

// GET /api/logs?scope=CALL&call=<id>
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	scope, callID := r.URL.Query().Get("scope"), r.URL.Query().Get("call")
	out := []LogEntry{}
	for _, e := range b.Snapshot() {
		if e.matches(scope, callID) {
			out = append(out, e)
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}

// GET /api/logs/stream is a tail; ?replay=1 sends the buffered lines first.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	q := r.URL.Query()
	scope, callID := q.Get("scope"), q.Get("call")

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	if q.Get("replay") == "1" {
		for _, e := range b.Snapshot() {
			if e.matches(scope, callID) {
				writeLogEvent(w, e)
			}
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.matches(scope, callID) {
				writeLogEvent(w, e)
				flusher.Flush()
			}
		}
	}
}

func writeLogEvent(w http.ResponseWriter, e LogEntry) {
	raw, _ := json.Marshal(e)
	fmt.Fprintf(w, "event: log\ndata: %s\n\n", raw)
}
