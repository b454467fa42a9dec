package storage

import (
	"time"
)

// CachedPeer is the last known display identity of a call participant, so
// history and incoming calls can show names for users who are offline.
type CachedPeer struct {
	UserID   string
	Name     string
	Avatar   string
	Color    string
	LastSeen time.Time
}

// UpsertCachedPeer stores or refreshes a participant identity. Empty fields
// keep their previous value.
func (d *DB) UpsertCachedPeer(p CachedPeer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _peer_cache (user_id, name, avatar, color, last_seen)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			name      = CASE WHEN excluded.name = '' THEN _peer_cache.name ELSE excluded.name END,
			avatar    = CASE WHEN excluded.avatar = '' THEN _peer_cache.avatar ELSE excluded.avatar END,
			color     = CASE WHEN excluded.color = '' THEN _peer_cache.color ELSE excluded.color END,
			last_seen = CURRENT_TIMESTAMP`,
		p.UserID, p.Name, p.Avatar, p.Color,
	)
	return err
}

// GetCachedPeer returns the last known identity for a user, or false if unknown.
func (d *DB) GetCachedPeer(userID string) (CachedPeer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var p CachedPeer
	var lastSeen string
	err := d.db.QueryRow(`
		SELECT user_id, name, avatar, color, last_seen
		FROM _peer_cache WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.Name, &p.Avatar, &p.Color, &lastSeen)
	if err != nil {
		return CachedPeer{}, false
	}
	p.LastSeen, _ = time.Parse("2006-01-02 15:04:05", lastSeen)
	return p, true
}

// GetPeerName returns just the display name for a user, or "" if unknown.
func (d *DB) GetPeerName(userID string) string {
	p, ok := d.GetCachedPeer(userID)
	if !ok {
		return ""
	}
	return p.Name
}
