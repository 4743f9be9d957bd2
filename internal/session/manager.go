// Package session is C5: the per-node session map, generalized from the
// teacher's statemanager.InMemoryManager (pkg/state/statemanager) along
// two axes — a composite (documentId, sessionDid) key instead of a bare
// userID/roomID, and a three-tier local-map -> cache -> store
// read-through instead of the teacher's map-only lookup.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/collabmesh/relay/internal/cache"
	"github.com/collabmesh/relay/internal/model"
	"github.com/collabmesh/relay/internal/store"
)

var ErrSessionNotFound = errors.New("session: not found")

// BroadcastHandler delivers a locally-applicable broadcast to every
// connection this node holds for (documentID, sessionDID). Set once via
// SetBroadcastHandler, normally by internal/hub at startup.
type BroadcastHandler func(documentID, sessionDID string, payload json.RawMessage, originNodeID string)

// Manager owns the node-local session map and mirrors mutations onto the
// shared cache and durable store, publishing a BusEvent for every change
// so sibling nodes converge. Safe for concurrent use.
type Manager struct {
	nodeID string
	logger *slog.Logger
	cache  cache.Cache
	store  store.SessionStore

	mu       sync.RWMutex
	sessions map[string]*model.Session

	broadcastMu sync.RWMutex
	broadcast   BroadcastHandler
}

func NewManager(logger *slog.Logger, c cache.Cache, s store.SessionStore) *Manager {
	return &Manager{
		nodeID:   uuid.New().String(),
		logger:   logger.With(slog.String("component", "session_manager")),
		cache:    c,
		store:    s,
		sessions: make(map[string]*model.Session),
	}
}

func (m *Manager) NodeID() string { return m.nodeID }

// SetBroadcastHandler registers the function invoked for inbound
// BROADCAST_MESSAGE bus events. internal/hub calls this once at startup
// with its own local fan-out function.
func (m *Manager) SetBroadcastHandler(h BroadcastHandler) {
	m.broadcastMu.Lock()
	m.broadcast = h
	m.broadcastMu.Unlock()
}

// Run starts the bus subscriber loop and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	events, err := m.cache.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if evt.NodeID == m.nodeID {
				continue
			}
			m.applyEvent(evt)
		}
	}
}

func (m *Manager) applyEvent(evt cache.BusEvent) {
	key := model.SessionKey(evt.DocumentID, evt.SessionDID)

	switch evt.Kind {
	case cache.EventSessionCreated:
		m.mu.Lock()
		if _, exists := m.sessions[key]; !exists {
			m.sessions[key] = &model.Session{
				DocumentID: evt.DocumentID,
				SessionDID: evt.SessionDID,
				RoomInfo:   evt.Payload,
				Clients:    make(map[uuid.UUID]struct{}),
				State:      model.SessionActive,
			}
		}
		m.mu.Unlock()

	case cache.EventSessionUpdated:
		var state model.SessionState
		if err := json.Unmarshal(evt.Payload, &state); err != nil {
			m.logger.Warn("malformed SESSION_UPDATED payload", slog.Any("error", err))
			return
		}
		m.mu.Lock()
		if sess, ok := m.sessions[key]; ok {
			sess.State = state
		}
		m.mu.Unlock()

	case cache.EventSessionDeleted:
		m.mu.Lock()
		delete(m.sessions, key)
		m.mu.Unlock()

	case cache.EventClientJoined:
		m.mu.Lock()
		if sess, ok := m.sessions[key]; ok {
			sess.Clients[evt.ClientID] = struct{}{}
		}
		m.mu.Unlock()

	case cache.EventClientLeft:
		m.mu.Lock()
		if sess, ok := m.sessions[key]; ok {
			delete(sess.Clients, evt.ClientID)
		}
		m.mu.Unlock()

	case cache.EventRoomInfoUpdated:
		m.mu.Lock()
		if sess, ok := m.sessions[key]; ok {
			sess.RoomInfo = evt.Payload
		}
		m.mu.Unlock()

	case cache.EventBroadcastMsg:
		m.broadcastMu.RLock()
		h := m.broadcast
		m.broadcastMu.RUnlock()
		if h != nil {
			h(evt.DocumentID, evt.SessionDID, evt.Payload, evt.NodeID)
		}

	default:
		m.logger.Warn("unknown bus event kind", slog.String("kind", string(evt.Kind)))
	}
}

// CreateSession establishes a brand-new active session, owned by
// ownerDID, and publishes SESSION_CREATED so sibling nodes create their
// own local view.
func (m *Manager) CreateSession(ctx context.Context, documentID, sessionDID, ownerDID string, roomInfo json.RawMessage) (*model.Session, error) {
	key := model.SessionKey(documentID, sessionDID)
	sess := &model.Session{
		DocumentID: documentID,
		SessionDID: sessionDID,
		OwnerDID:   ownerDID,
		RoomInfo:   roomInfo,
		Clients:    make(map[uuid.UUID]struct{}),
		State:      model.SessionActive,
	}

	if err := m.store.UpsertActive(ctx, documentID, sessionDID, ownerDID, roomInfo); err != nil {
		return nil, err
	}
	if err := m.cache.PutSession(ctx, sess, cache.DefaultTTL); err != nil {
		m.logger.Warn("failed to cache new session", slog.Any("error", err))
	}

	m.mu.Lock()
	m.sessions[key] = sess
	m.mu.Unlock()

	m.publish(ctx, cache.EventSessionCreated, documentID, sessionDID, uuid.Nil, roomInfo)
	return sess, nil
}

// GetSession implements the three-tier read-through: local map, then
// cache (warming the local map on hit), then durable store (warming both
// cache and local map on hit).
func (m *Manager) GetSession(ctx context.Context, documentID, sessionDID string) (*model.Session, bool, error) {
	key := model.SessionKey(documentID, sessionDID)

	m.mu.RLock()
	if sess, ok := m.sessions[key]; ok {
		m.mu.RUnlock()
		return sess, true, nil
	}
	m.mu.RUnlock()

	if cached, ok, err := m.cache.GetSession(ctx, documentID, sessionDID); err != nil {
		m.logger.Warn("cache lookup failed, falling back to store", slog.Any("error", err))
	} else if ok {
		m.warmLocal(key, cached)
		return cached, true, nil
	}

	durable, ok, err := m.store.Get(ctx, documentID, sessionDID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	if err := m.cache.PutSession(ctx, durable, cache.DefaultTTL); err != nil {
		m.logger.Warn("failed to warm cache from store", slog.Any("error", err))
	}
	m.warmLocal(key, durable)
	return durable, true, nil
}

func (m *Manager) warmLocal(key string, sess *model.Session) {
	if sess.Clients == nil {
		sess.Clients = make(map[uuid.UUID]struct{})
	}
	m.mu.Lock()
	m.sessions[key] = sess
	m.mu.Unlock()
}

// AddClientToSession records clientID as connected to (documentID,
// sessionDID) on this node, the shared cache, and publishes CLIENT_JOINED.
func (m *Manager) AddClientToSession(ctx context.Context, documentID, sessionDID string, clientID uuid.UUID) error {
	key := model.SessionKey(documentID, sessionDID)

	m.mu.Lock()
	sess, ok := m.sessions[key]
	if ok {
		sess.Clients[clientID] = struct{}{}
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if err := m.cache.AddClient(ctx, documentID, sessionDID, clientID); err != nil {
		return err
	}
	m.publish(ctx, cache.EventClientJoined, documentID, sessionDID, clientID, nil)
	return nil
}

// RemoveClientFromSession is the mirror of AddClientToSession, called on
// every connection close. If this node's local client set empties as a
// result, the session deactivates (spec.md §4.5) — the local set, not the
// cluster-wide one, since that is the view a single node can observe.
func (m *Manager) RemoveClientFromSession(ctx context.Context, documentID, sessionDID string, clientID uuid.UUID) error {
	key := model.SessionKey(documentID, sessionDID)

	m.mu.Lock()
	sess, ok := m.sessions[key]
	emptied := false
	if ok {
		delete(sess.Clients, clientID)
		emptied = len(sess.Clients) == 0
	}
	m.mu.Unlock()

	if err := m.cache.RemoveClient(ctx, documentID, sessionDID, clientID); err != nil {
		return err
	}
	m.publish(ctx, cache.EventClientLeft, documentID, sessionDID, clientID, nil)

	if emptied {
		if err := m.DeactivateSession(ctx, documentID, sessionDID); err != nil {
			m.logger.Warn("failed to deactivate emptied session", slog.Any("error", err))
		}
	}
	return nil
}

// DeactivateSession drops the local map entry, deletes the cache key, and
// sets the durable state to inactive (spec.md §4.5) — called when this
// node's last client for (documentID, sessionDID) leaves. A subsequent
// owner /auth for the same pair reactivates it via CreateSession's
// UpsertActive call, reusing the stored ownerDid (spec.md §9).
func (m *Manager) DeactivateSession(ctx context.Context, documentID, sessionDID string) error {
	if err := m.store.SetState(ctx, documentID, sessionDID, model.SessionInactive); err != nil {
		return err
	}
	key := model.SessionKey(documentID, sessionDID)

	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	if err := m.cache.DeleteSession(ctx, documentID, sessionDID); err != nil {
		m.logger.Warn("failed to delete cached session on deactivate", slog.Any("error", err))
	}
	payload, _ := json.Marshal(model.SessionInactive)
	m.publish(ctx, cache.EventSessionUpdated, documentID, sessionDID, uuid.Nil, payload)
	return nil
}

// TerminateSession retires (documentID, sessionDID) permanently
// (Invariant 5: never revived): it sets the durable state to terminated,
// drops the local and cached entries, and publishes SESSION_DELETED. It
// does not touch the update/commit log; the /documents/terminate handler
// deletes that through store.Store.DeleteBySession before calling it.
func (m *Manager) TerminateSession(ctx context.Context, documentID, sessionDID string) error {
	if err := m.store.SetState(ctx, documentID, sessionDID, model.SessionTerminated); err != nil {
		return err
	}
	key := model.SessionKey(documentID, sessionDID)

	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	if err := m.cache.DeleteSession(ctx, documentID, sessionDID); err != nil {
		m.logger.Warn("failed to delete cached session on terminate", slog.Any("error", err))
	}
	m.publish(ctx, cache.EventSessionDeleted, documentID, sessionDID, uuid.Nil, nil)
	return nil
}

// UpdateRoomInfo replaces the session's opaque room-info blob and
// publishes ROOM_INFO_UPDATED.
func (m *Manager) UpdateRoomInfo(ctx context.Context, documentID, sessionDID string, roomInfo json.RawMessage) error {
	if err := m.store.SetRoomInfo(ctx, documentID, sessionDID, roomInfo); err != nil {
		return err
	}
	m.mu.Lock()
	if sess, ok := m.sessions[model.SessionKey(documentID, sessionDID)]; ok {
		sess.RoomInfo = roomInfo
	}
	m.mu.Unlock()
	m.publish(ctx, cache.EventRoomInfoUpdated, documentID, sessionDID, uuid.Nil, roomInfo)
	return nil
}

// Peers returns the cluster-wide client set for (documentID, sessionDID)
// from the shared cache when available, falling back to this node's local
// view (spec.md §4.7 /documents/peers/list).
func (m *Manager) Peers(ctx context.Context, documentID, sessionDID string) ([]uuid.UUID, error) {
	ids, err := m.cache.Clients(ctx, documentID, sessionDID)
	if err == nil && len(ids) > 0 {
		return ids, nil
	}
	if err != nil {
		m.logger.Warn("cache peers lookup failed, falling back to local set", slog.Any("error", err))
	}

	key := model.SessionKey(documentID, sessionDID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[key]
	if !ok {
		return nil, nil
	}
	out := make([]uuid.UUID, 0, len(sess.Clients))
	for id := range sess.Clients {
		out = append(out, id)
	}
	return out, nil
}

// BroadcastToAllNodes invokes the registered broadcast handler on this
// node immediately, then publishes BROADCAST_MESSAGE so every other node's
// handler runs on receipt — the originating node never waits on the bus
// round-trip for its own delivery (spec.md §4.5/§5's local-echo-first
// rule).
func (m *Manager) BroadcastToAllNodes(ctx context.Context, documentID, sessionDID string, payload json.RawMessage) error {
	m.broadcastMu.RLock()
	h := m.broadcast
	m.broadcastMu.RUnlock()
	if h != nil {
		h(documentID, sessionDID, payload, m.nodeID)
	}
	return m.publish(ctx, cache.EventBroadcastMsg, documentID, sessionDID, uuid.Nil, payload)
}

func (m *Manager) publish(ctx context.Context, kind cache.EventKind, documentID, sessionDID string, clientID uuid.UUID, payload json.RawMessage) error {
	return m.cache.Publish(ctx, cache.BusEvent{
		Kind:       kind,
		NodeID:     m.nodeID,
		DocumentID: documentID,
		SessionDID: sessionDID,
		ClientID:   clientID,
		Payload:    payload,
	})
}
