package types

import "time"

// Type identifies the kind of cluster event carried by a Message.
type Type string

const (
	// SessionDeleted tells peers a session was removed from the backing store.
	SessionDeleted Type = "session_deleted"

	// SessionInvalidated tells peers a session was written or updated, so any
	// locally cached copy is stale and must be refetched on next use.
	SessionInvalidated Type = "session_invalidated"

	// CacheClear tells peers to drop their entire local cache.
	CacheClear Type = "cache_clear"
)

// Message is a cluster-wide cache invalidation event. It is immutable once
// constructed and is serialized as JSON on the broadcast channel.
type Message struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"` // empty for cache_clear
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}
