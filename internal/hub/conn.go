package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collabmesh/relay/internal/model"
	"github.com/collabmesh/relay/pkg/transport"
)

// Conn is the node-local connection record spec.md §3 describes:
// clientId, socket handle, authenticated flag, documentId/sessionDid/role
// once /auth completes. Role is recomputed on every /auth call and never
// re-derived from a later command, so callers should always read Auth()
// fresh rather than caching its result across handlers. IP and
// ConnectedAt exist only to support the per-IP connection limiter's
// "cycle" mode (SPEC_FULL.md §7.1); the wire protocol never exposes them.
type Conn struct {
	ClientID    uuid.UUID
	Transport   *transport.Connection
	IP          string
	ConnectedAt time.Time

	mu            sync.RWMutex
	authenticated bool
	documentID    string
	sessionDID    string
	role          model.Role
}

func newConn(t *transport.Connection, ip string) *Conn {
	return &Conn{ClientID: t.ID(), Transport: t, IP: ip, ConnectedAt: time.Now()}
}

// SetAuth records the outcome of a successful /auth call.
func (c *Conn) SetAuth(documentID, sessionDID string, role model.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.documentID = documentID
	c.sessionDID = sessionDID
	c.role = role
}

// Auth returns the connection's current auth state.
func (c *Conn) Auth() (documentID, sessionDID string, role model.Role, authenticated bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.documentID, c.sessionDID, c.role, c.authenticated
}

func (c *Conn) sessionKey() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.authenticated {
		return "", false
	}
	return model.SessionKey(c.documentID, c.sessionDID), true
}
