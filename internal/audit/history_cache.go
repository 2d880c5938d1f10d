package audit

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/gravitational/ttlmap"
)

// HistoryCache is a best-effort, short-TTL, in-process cache of recent
// command records keyed by session ID. It supplements (never replaces)
// a session's own bounded in-memory ring: it exists so that a brief
// reconnect during the session's Inactive grace window can still show
// recent history without re-deriving it from the durable sink.
//
// Grounded on the admin-mit-backend original's _save_command_to_cache
// (app/services/webshell_terminal_service.py), which pushes each
// command to a capped, TTL'd cache alongside in-memory history. That
// version backs the cache with Redis; a durable, cross-process store is
// explicitly out of scope here, so this reimplements the same shape
// in-process with gravitational/ttlmap.
type HistoryCache struct {
	entries *ttlmap.TTLMap
	ttl     time.Duration
	cap     int
}

// NewHistoryCache creates a HistoryCache holding up to capacity
// sessions' worth of history, each entry capped at perSessionCap
// records and expiring after ttl of inactivity.
func NewHistoryCache(capacity, perSessionCap int, ttl time.Duration) (*HistoryCache, error) {
	if perSessionCap <= 0 {
		return nil, trace.BadParameter("perSessionCap must be positive")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	m, err := ttlmap.New(capacity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &HistoryCache{entries: m, ttl: ttl, cap: perSessionCap}, nil
}

// Push appends rec to sessionID's cached history, trimming to the
// configured per-session cap and refreshing the entry's TTL.
func (c *HistoryCache) Push(sessionID string, rec Record) error {
	existing, _ := c.get(sessionID)
	existing = append(existing, rec)
	if len(existing) > c.cap {
		existing = existing[len(existing)-c.cap:]
	}
	return trace.Wrap(c.entries.Set(sessionID, existing, c.ttl))
}

// List returns the cached history for sessionID, oldest first.
func (c *HistoryCache) List(sessionID string) []Record {
	records, _ := c.get(sessionID)
	return records
}

func (c *HistoryCache) get(sessionID string) ([]Record, bool) {
	v, ok := c.entries.Get(sessionID)
	if !ok {
		return nil, false
	}
	records, ok := v.([]Record)
	if !ok {
		return nil, false
	}
	return records, true
}
