// Package model holds the data types shared across the relay's storage,
// cache, session, and dispatch layers.
package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// UpdateTypeCRDT is the only update tag this relay's protocol version
// defines. The server never inspects update payloads, so the tag exists
// purely as a forward-compatible discriminator on the wire.
const UpdateTypeCRDT = "crdt"

// Role is the per-connection authorization level established by /auth.
// It is recomputed on every /auth call and never re-derived from a later
// command.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
)

// SessionState is the lifecycle state of a Session. terminated is a sink:
// once reached, the (DocumentID, SessionDID) pair is retired permanently.
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionInactive   SessionState = "inactive"
	SessionTerminated SessionState = "terminated"
)

// Session is keyed by (DocumentID, SessionDID). Clients is the node-local
// view of connected client ids; the cluster-wide view lives in the shared
// cache (internal/cache).
type Session struct {
	DocumentID string
	SessionDID string
	OwnerDID   string
	RoomInfo   json.RawMessage
	Clients    map[uuid.UUID]struct{}
	State      SessionState
}

// Key returns the composite identity used for every map/cache/bus lookup
// this session participates in.
func (s *Session) Key() string {
	return SessionKey(s.DocumentID, s.SessionDID)
}

// SessionKey builds the composite (documentId, sessionDid) identity string
// used consistently by internal/session, internal/cache, and internal/store.
func SessionKey(documentID, sessionDID string) string {
	return documentID + "__" + sessionDID
}

// DocumentUpdate is an opaque, client-encrypted append-only log entry.
// Committed transitions false->true exactly once, together with CommitCID
// nil->non-nil, and never reverses (invariant P1/P3 in spec.md).
type DocumentUpdate struct {
	ID         uuid.UUID
	DocumentID string
	SessionDID string
	Data       []byte
	UpdateType string
	Committed  bool
	CommitCID  *string
	CreatedAt  int64 // ms epoch
}

// DocumentCommit bundles a set of update ids into an externally addressed
// snapshot. Only the session owner may create one.
type DocumentCommit struct {
	ID         uuid.UUID
	DocumentID string
	SessionDID string
	CID        string
	Updates    []uuid.UUID
	CreatedAt  int64
}
