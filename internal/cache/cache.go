// Package cache is C4: the cluster-wide keyed session cache and the single
// pub/sub bus that carries cross-node events. internal/session depends only
// on this interface, never on a concrete Redis client, mirroring the
// teacher's state.Manager interface-segregation style.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/collabmesh/relay/internal/model"
)

// EventKind enumerates the seven tagged messages carried on the bus, per
// spec.md §4.4.
type EventKind string

const (
	EventSessionCreated  EventKind = "SESSION_CREATED"
	EventSessionUpdated  EventKind = "SESSION_UPDATED"
	EventSessionDeleted  EventKind = "SESSION_DELETED"
	EventClientJoined    EventKind = "CLIENT_JOINED"
	EventClientLeft      EventKind = "CLIENT_LEFT"
	EventRoomInfoUpdated EventKind = "ROOM_INFO_UPDATED"
	EventBroadcastMsg    EventKind = "BROADCAST_MESSAGE"
)

// BusEvent is the envelope published and received on the session_events
// channel. NodeID lets a publisher's own subscriber ignore its own echo.
type BusEvent struct {
	Kind       EventKind       `json:"kind"`
	NodeID     string          `json:"nodeId"`
	DocumentID string          `json:"documentId"`
	SessionDID string          `json:"sessionDid"`
	ClientID   uuid.UUID       `json:"clientId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// DefaultTTL is the cache entry lifetime spec.md §4.4/§6 mandates, subject
// to extension on every mutation.
const DefaultTTL = 24 * time.Hour

// Cache is the shared, cluster-wide half of C4. A cache miss is not an
// error; callers fall back to the durable store.
type Cache interface {
	GetSession(ctx context.Context, documentID, sessionDID string) (*model.Session, bool, error)
	PutSession(ctx context.Context, s *model.Session, ttl time.Duration) error
	DeleteSession(ctx context.Context, documentID, sessionDID string) error

	AddClient(ctx context.Context, documentID, sessionDID string, clientID uuid.UUID) error
	RemoveClient(ctx context.Context, documentID, sessionDID string, clientID uuid.UUID) error
	Clients(ctx context.Context, documentID, sessionDID string) ([]uuid.UUID, error)

	Publish(ctx context.Context, evt BusEvent) error
	// Subscribe returns a channel of inbound events. The channel is closed
	// when ctx is cancelled. Implementations reconnect on transient bus
	// failure; delivery is best-effort at-most-once.
	Subscribe(ctx context.Context) (<-chan BusEvent, error)
}

// Key builds the Redis key spec.md §6 names for a session's cached record.
func Key(documentID, sessionDID string) string {
	return "collab:session:" + model.SessionKey(documentID, sessionDID)
}

// ClientsKey builds the sibling key holding the cluster-wide client set.
func ClientsKey(documentID, sessionDID string) string {
	return Key(documentID, sessionDID) + ":clients"
}

// Channel is the single pub/sub channel name spec.md §6 mandates.
const Channel = "session_events"
