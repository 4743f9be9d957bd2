// Package hub is C6: the node-local connection registry. It replaces the
// teacher's ad hoc upgradeHandler closure in internal/server/server.go with
// an explicit type owning the accept -> handshake -> register -> run
// sequence, and implements session.BroadcastHandler as local fan-out,
// mirroring the node/user/room map shape of
// pkg/state/statemanager/inmemory.go generalized onto one composite key.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/collabmesh/relay/internal/model"
	"github.com/collabmesh/relay/internal/session"
	"github.com/collabmesh/relay/pkg/transport"
)

// Dispatcher is the one method internal/dispatch.Dispatcher must satisfy.
// Kept as a narrow interface here so this package never imports
// internal/dispatch (which imports this package for *Conn).
type Dispatcher interface {
	Handle(ctx context.Context, conn *Conn, raw []byte)
}

const handshakeMessage = "relay ready"

// Hub owns every open socket accepted on this node.
type Hub struct {
	logger       *slog.Logger
	sessions     *session.Manager
	transportCfg transport.ConnectionConfig
	serverDID    string
	dispatcher   Dispatcher

	wg sync.WaitGroup

	mu    sync.RWMutex
	conns map[uuid.UUID]*Conn
	// bySession indexes this node's authenticated connections by session
	// key, so local fan-out touches only a session's own members instead
	// of scanning every connection on the node.
	bySession map[string]map[uuid.UUID]*Conn
}

func NewHub(logger *slog.Logger, sessions *session.Manager, transportCfg transport.ConnectionConfig, serverDID string, dispatcher Dispatcher) *Hub {
	h := &Hub{
		logger:       logger.With(slog.String("component", "hub")),
		sessions:     sessions,
		transportCfg: transportCfg,
		serverDID:    serverDID,
		dispatcher:   dispatcher,
		conns:        make(map[uuid.UUID]*Conn),
		bySession:    make(map[string]map[uuid.UUID]*Conn),
	}
	sessions.SetBroadcastHandler(h.localFanOut)
	return h
}

// Accept upgrades r to a WebSocket, registers the connection, sends the
// handshake frame, and blocks until the socket closes (spec.md §4.6). ip
// is the pre-auth client IP the connection limiter keys on.
func (h *Hub) Accept(ctx context.Context, w http.ResponseWriter, r *http.Request, ip string) error {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return err
	}

	t := transport.NewConnection(ctx, &h.wg, wsConn, h.transportCfg, nil, nil, h.logger)
	conn := newConn(t, ip)

	t.SetOnMessageHandler(func(ctx context.Context, _ uuid.UUID, msg []byte) {
		h.dispatcher.Handle(ctx, conn, msg)
	})
	t.SetOnCloseHandler(func(_ uuid.UUID, _ error) {
		h.handleClose(conn)
	})

	h.mu.Lock()
	h.conns[conn.ClientID] = conn
	h.mu.Unlock()

	t.Run()
	t.Send(h.handshakeFrame())

	<-t.Done()
	return nil
}

func (h *Hub) handshakeFrame() []byte {
	frame, _ := json.Marshal(map[string]any{
		"status":                true,
		"statusCode":            200,
		"seqId":                 nil,
		"is_handshake_response": true,
		"data": map[string]string{
			"server_did": h.serverDID,
			"message":    handshakeMessage,
		},
	})
	return frame
}

// TrackSession registers conn under sessionKey for local fan-out. Called by
// the dispatcher's /auth handler once a session's client set has accepted
// this connection.
func (h *Hub) TrackSession(sessionKey string, conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.bySession[sessionKey]
	if !ok {
		members = make(map[uuid.UUID]*Conn)
		h.bySession[sessionKey] = members
	}
	members[conn.ClientID] = conn
}

func (h *Hub) untrackSession(sessionKey string, clientID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.bySession[sessionKey]
	if !ok {
		return
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(h.bySession, sessionKey)
	}
}

// localFanOut is registered with session.Manager as its BroadcastHandler.
// It is invoked both for this node's own originated broadcasts and for
// every BROADCAST_MESSAGE event received from a sibling node.
func (h *Hub) localFanOut(documentID, sessionDID string, payload json.RawMessage, _ string) {
	var env fanOutEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		h.logger.Error("malformed fan-out envelope", slog.Any("error", err))
		return
	}

	key := model.SessionKey(documentID, sessionDID)
	h.mu.RLock()
	members := make([]*Conn, 0, len(h.bySession[key]))
	for id, c := range h.bySession[key] {
		if id == env.ExcludeClientID {
			continue
		}
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		if env.Latest {
			c.Transport.SendLatest(env.Frame)
		} else {
			c.Transport.Send(env.Frame)
		}
	}
}

// handleClose runs the disconnection cleanup of spec.md §4.6: if
// authenticated, broadcast user_left (excluding the closing client so it
// never sees its own farewell) before removing the client from the
// session, before dropping the node-local connection entry. The ordering
// is load-bearing — the exclusion list is computed while membership still
// includes the leaving client.
func (h *Hub) handleClose(conn *Conn) {
	documentID, sessionDID, _, authenticated := conn.Auth()
	if !authenticated {
		h.removeConn(conn.ClientID)
		return
	}

	key, _ := conn.sessionKey()
	ctx := context.Background()

	frame, _ := json.Marshal(map[string]any{
		"type":       "event",
		"event_type": "ROOM_MEMBERSHIP_CHANGE",
		"event": map[string]any{
			"data":   map[string]any{"action": "user_left", "clientId": conn.ClientID},
			"roomId": key,
		},
	})
	env, _ := EncodeBroadcast(conn.ClientID, false, frame)
	if err := h.sessions.BroadcastToAllNodes(ctx, documentID, sessionDID, env); err != nil {
		h.logger.Warn("failed to broadcast user_left on disconnect", slog.Any("error", err))
	}

	if err := h.sessions.RemoveClientFromSession(ctx, documentID, sessionDID, conn.ClientID); err != nil {
		h.logger.Warn("failed to remove client from session on disconnect", slog.Any("error", err))
	}

	h.untrackSession(key, conn.ClientID)
	h.removeConn(conn.ClientID)
}

// CountByIP returns how many connections this node currently holds from
// ip, for the per-IP connection limiter middleware (SPEC_FULL.md §7.1).
func (h *Hub) CountByIP(ip string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.conns {
		if c.IP == ip {
			n++
		}
	}
	return n
}

// CloseOldestByIP closes this node's longest-lived connection from ip, the
// connection limiter's "cycle" mode: make room for a new connection rather
// than rejecting it outright (SPEC_FULL.md §7.1).
func (h *Hub) CloseOldestByIP(ip string) {
	h.mu.RLock()
	var oldest *Conn
	for _, c := range h.conns {
		if c.IP != ip {
			continue
		}
		if oldest == nil || c.ConnectedAt.Before(oldest.ConnectedAt) {
			oldest = c
		}
	}
	h.mu.RUnlock()

	if oldest != nil {
		oldest.Transport.Close(errors.New("connection cycled by new connection"))
	}
}

func (h *Hub) removeConn(clientID uuid.UUID) {
	h.mu.Lock()
	delete(h.conns, clientID)
	h.mu.Unlock()
}

// Shutdown closes every open connection and waits for their goroutines to
// finish, mirroring the teacher's App.Shutdown.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Transport.Close(errors.New("server shutting down"))
	}
	h.wg.Wait()
}
