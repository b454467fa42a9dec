package viewer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntry(t *testing.T) {
	tests := []struct {
		line   string
		scope  string
		callID string
	}{
		{"2026/10/17 09:12:01 CALL [c-42]: connected", "CALL", "c-42"},
		{"2026/10/17 09:12:01.123456 E2EE [c-42]: key rotated", "E2EE", "c-42"},
		{"SIGNAL: relay reconnected", "SIGNAL", ""},
		{"plain line without scope", "", ""},
	}
	for _, tt := range tests {
		e := parseEntry(tt.line)
		assert.Equal(t, tt.scope, e.Scope, tt.line)
		assert.Equal(t, tt.callID, e.CallID, tt.line)
		assert.Equal(t, tt.line, e.Msg)
	}
}

func TestLogBufferSplitsLines(t *testing.T) {
	b := NewLogBuffer(3)
	_, _ = b.Write([]byte("CALL [a]: one\nCALL [a]: t"))
	_, _ = b.Write([]byte("wo\n\nPEER [b]: three\nMEDIA: four\n"))

	snap := b.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "CALL [a]: two", snap[0].Msg)
	assert.Equal(t, "PEER", snap[1].Scope)
	assert.Equal(t, "MEDIA: four", snap[2].Msg)
}

func TestServeLogsJSONFilters(t *testing.T) {
	b := NewLogBuffer(10)
	fmt.Fprintln(b, "CALL [a]: ringing")
	fmt.Fprintln(b, "CALL [b]: ringing")
	fmt.Fprintln(b, "PEER [a]: ice connected")

	rec := httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?call=a", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got []LogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "CALL", got[0].Scope)
	assert.Equal(t, "PEER", got[1].Scope)

	rec = httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?scope=peer", nil))
	got = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].CallID)
}

func TestServeLogsSSEReplayAndTail(t *testing.T) {
	b := NewLogBuffer(10)
	fmt.Fprintln(b, "CALL [a]: old")
	fmt.Fprintln(b, "REC [z]: skipped")

	srv := httptest.NewServer(http.HandlerFunc(b.ServeLogsSSE))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?replay=1&call=a", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// Headers arrive after the subscription is in place.
	fmt.Fprintln(b, "CALL [a]: new")

	var msgs []string
	sc := bufio.NewScanner(resp.Body)
	for len(msgs) < 2 && sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e LogEntry
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
		msgs = append(msgs, e.Msg)
	}
	assert.Equal(t, []string{"CALL [a]: old", "CALL [a]: new"}, msgs)
}
