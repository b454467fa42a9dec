package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned for unknown call ids.
var ErrNotFound = errors.New("not found")

// CallRecord is one finished call.
type CallRecord struct {
	CallID       string    `json:"callId"`
	CallType     string    `json:"callType"`
	ChatID       string    `json:"chatId,omitempty"`
	ChatType     string    `json:"chatType,omitempty"`
	ChatName     string    `json:"chatName,omitempty"`
	Initiator    bool      `json:"initiator"`
	Outcome      string    `json:"outcome"`
	Participants []string  `json:"participants"`
	StartedAt    time.Time `json:"startedAt"`
	ConnectedAt  time.Time `json:"connectedAt,omitempty"`
	EndedAt      time.Time `json:"endedAt"`
	RecordingID  string    `json:"recordingId,omitempty"`
}

// Duration is the connected time of the call, zero if it never connected.
func (c CallRecord) Duration() time.Duration {
	if c.ConnectedAt.IsZero() {
		return 0
	}
	return c.EndedAt.Sub(c.ConnectedAt)
}

// RecordingRecord is one uploaded recording.
type RecordingRecord struct {
	RecordingID string
	CallID      string
	MimeType    string
	Size        int
	Duration    time.Duration
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// RecordCall stores or replaces a finished call. A call that is rejoined
// and ends again keeps only its latest record.
func (d *DB) RecordCall(c CallRecord) error {
	parts, _ := json.Marshal(c.Participants)
	initiator := 0
	if c.Initiator {
		initiator = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO calls
			(call_id, call_type, chat_id, chat_type, chat_name, initiator, outcome,
			 participants, started_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			outcome      = excluded.outcome,
			participants = excluded.participants,
			connected_at = CASE WHEN excluded.connected_at = 0 THEN calls.connected_at ELSE excluded.connected_at END,
			ended_at     = excluded.ended_at`,
		c.CallID, c.CallType, c.ChatID, c.ChatType, c.ChatName, initiator, c.Outcome,
		string(parts), millis(c.StartedAt), millis(c.ConnectedAt), millis(c.EndedAt),
	)
	return err
}

// AddRecording links an uploaded recording to its call.
func (d *DB) AddRecording(r RecordingRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO recordings (recording_id, call_id, mime_type, size, duration_ms)
		VALUES (?, ?, ?, ?, ?)`,
		r.RecordingID, r.CallID, r.MimeType, r.Size, r.Duration.Milliseconds(),
	)
	return err
}

const callColumns = `
	c.call_id, c.call_type, c.chat_id, c.chat_type, c.chat_name, c.initiator,
	c.outcome, c.participants, c.started_at, c.connected_at, c.ended_at,
	COALESCE((SELECT r.recording_id FROM recordings r WHERE r.call_id = c.call_id
	          ORDER BY r.created_at DESC LIMIT 1), '')`

func scanCall(row interface{ Scan(...any) error }) (CallRecord, error) {
	var c CallRecord
	var initiator int
	var parts string
	var started, connected, ended int64
	if err := row.Scan(&c.CallID, &c.CallType, &c.ChatID, &c.ChatType, &c.ChatName, &initiator,
		&c.Outcome, &parts, &started, &connected, &ended, &c.RecordingID); err != nil {
		return CallRecord{}, err
	}
	c.Initiator = initiator != 0
	json.Unmarshal([]byte(parts), &c.Participants)
	c.StartedAt = fromMillis(started)
	c.ConnectedAt = fromMillis(connected)
	c.EndedAt = fromMillis(ended)
	return c, nil
}

// GetCall returns one call record.
func (d *DB) GetCall(callID string) (CallRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, err := scanCall(d.db.QueryRow(`SELECT `+callColumns+` FROM calls c WHERE c.call_id = ?`, callID))
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	return c, err
}

// ListCalls returns the most recent calls first. limit <= 0 means 50.
func (d *DB) ListCalls(limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT `+callColumns+` FROM calls c ORDER BY c.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CallRecord
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
