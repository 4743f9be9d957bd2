// Package store is C3: the durable update/commit log and the durable
// session record. internal/session and internal/dispatch depend only on
// these interfaces, never on the mongo driver directly.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/collabmesh/relay/internal/model"
)

// ErrSessionRetired is returned by SessionStore.UpsertActive when the
// target (documentId, sessionDid) pair has already reached the terminated
// sink state. Invariant 5 in spec.md §3: a terminated session is never
// revived.
var ErrSessionRetired = errors.New("store: session is retired and cannot be reactivated")

// Query parameterizes the two pagination operations in spec.md §4.3.
type Query struct {
	Limit     int
	Offset    int
	Sort      string // "asc" | "desc"; default "desc"
	Committed *bool  // nil = no filter
}

// Store is the append-only update/commit log.
type Store interface {
	CreateUpdate(ctx context.Context, u *model.DocumentUpdate) error
	CreateCommit(ctx context.Context, c *model.DocumentCommit) error
	GetUpdatesByDocument(ctx context.Context, documentID string, q Query) ([]*model.DocumentUpdate, error)
	GetCommitsByDocument(ctx context.Context, documentID string, q Query) ([]*model.DocumentCommit, error)
	DeleteBySession(ctx context.Context, documentID, sessionDID string) error
}

// SessionStore is the durable half of the Session Manager's three-tier
// storage (spec.md §4.5).
type SessionStore interface {
	UpsertActive(ctx context.Context, documentID, sessionDID, ownerDID string, roomInfo json.RawMessage) error
	Get(ctx context.Context, documentID, sessionDID string) (*model.Session, bool, error)
	SetState(ctx context.Context, documentID, sessionDID string, state model.SessionState) error
	SetRoomInfo(ctx context.Context, documentID, sessionDID string, roomInfo json.RawMessage) error
}

func normalizeQuery(q Query, defaultLimit int) Query {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Sort != "asc" {
		q.Sort = "desc"
	}
	return q
}

// NormalizeUpdateQuery applies spec.md §4.3's default limit (100) and sort
// (desc) for the update-history pagination operation.
func NormalizeUpdateQuery(q Query) Query { return normalizeQuery(q, 100) }

// NormalizeCommitQuery applies spec.md §4.3's default limit (10) and sort
// (desc) for the commit-history pagination operation.
func NormalizeCommitQuery(q Query) Query { return normalizeQuery(q, 10) }
