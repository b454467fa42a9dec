package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCallHistory(t *testing.T) {
	db := openTest(t)
	base := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, db.RecordCall(CallRecord{
		CallID: "old", CallType: "audio", Outcome: "missed",
		StartedAt: base, EndedAt: base.Add(20 * time.Second),
	}))
	require.NoError(t, db.RecordCall(CallRecord{
		CallID: "new", CallType: "video", ChatID: "chat", ChatType: "group", ChatName: "Team",
		Initiator: true, Outcome: "completed", Participants: []string{"a", "b"},
		StartedAt: base.Add(time.Hour), ConnectedAt: base.Add(time.Hour + 5*time.Second),
		EndedAt: base.Add(time.Hour + 65*time.Second),
	}))
	require.NoError(t, db.AddRecording(RecordingRecord{
		RecordingID: "rec-1", CallID: "new", MimeType: "video/webm", Size: 1234, Duration: time.Minute,
	}))

	calls, err := db.ListCalls(0)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "new", calls[0].CallID)
	assert.Equal(t, "rec-1", calls[0].RecordingID)
	assert.Equal(t, []string{"a", "b"}, calls[0].Participants)
	assert.True(t, calls[0].Initiator)
	assert.Equal(t, time.Minute, calls[0].Duration())

	assert.Equal(t, "old", calls[1].CallID)
	assert.Empty(t, calls[1].RecordingID)
	assert.True(t, calls[1].ConnectedAt.IsZero())
	assert.Zero(t, calls[1].Duration())

	limited, err := db.ListCalls(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordCallReplacesOnRejoin(t *testing.T) {
	db := openTest(t)
	start := time.UnixMilli(1_700_000_000_000)
	connected := start.Add(time.Second)

	require.NoError(t, db.RecordCall(CallRecord{
		CallID: "c", CallType: "video", Outcome: "failed",
		StartedAt: start, ConnectedAt: connected, EndedAt: start.Add(time.Minute),
	}))
	require.NoError(t, db.RecordCall(CallRecord{
		CallID: "c", CallType: "video", Outcome: "completed",
		StartedAt: start, EndedAt: start.Add(2 * time.Minute),
	}))

	c, err := db.GetCall("c")
	require.NoError(t, err)
	assert.Equal(t, "completed", c.Outcome)
	assert.Equal(t, connected, c.ConnectedAt, "connect time survives")
	assert.Equal(t, start.Add(2*time.Minute), c.EndedAt)

	_, err = db.GetCall("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPeerCache(t *testing.T) {
	db := openTest(t)
	require.NoError(t, db.UpsertCachedPeer(CachedPeer{UserID: "u1", Name: "Ada", Color: "#f00"}))
	require.NoError(t, db.UpsertCachedPeer(CachedPeer{UserID: "u1", Avatar: "a.png"}))

	p, ok := db.GetCachedPeer("u1")
	require.True(t, ok)
	assert.Equal(t, "Ada", p.Name)
	assert.Equal(t, "a.png", p.Avatar)
	assert.Equal(t, "#f00", p.Color)
	assert.Equal(t, "Ada", db.GetPeerName("u1"))
	assert.Empty(t, db.GetPeerName("nobody"))
}

func TestMeta(t *testing.T) {
	db := openTest(t)
	assert.Empty(t, db.GetMeta("self"))
	require.NoError(t, db.SetMeta("self", "u1"))
	assert.Equal(t, "u1", db.GetMeta("self"))
}
