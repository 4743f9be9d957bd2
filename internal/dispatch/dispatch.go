package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/collabmesh/relay/internal/auth"
	"github.com/collabmesh/relay/internal/hub"
	"github.com/collabmesh/relay/internal/session"
	"github.com/collabmesh/relay/internal/store"
)

// TokenVerifier is the subset of auth.Verifier command handlers depend on,
// kept as an interface (mirroring the teacher's state.Manager interface-
// segregation style) so handlers can be exercised in tests against a fake
// without a real UCAN trust chain, which this module never mints.
type TokenVerifier interface {
	VerifyOwnerToken(ctx context.Context, token, contractAddress, collaboratorAddress string) (string, error)
	VerifyCollaborationToken(ctx context.Context, token, sessionDID string) (bool, error)
}

// DispatchContext is passed to every CommandHandler: the connection the
// frame arrived on plus every singleton a handler might need.
type DispatchContext struct {
	Conn     *hub.Conn
	Auth     TokenVerifier
	Owners   *auth.OwnerResolver
	Store    store.Store
	Sessions *session.Manager
	Hub      *hub.Hub
	Logger   *slog.Logger
}

// CommandHandler resolves one named command. args is the raw "args" object
// from the request envelope; handlers unmarshal it themselves.
type CommandHandler func(ctx context.Context, dc *DispatchContext, args json.RawMessage) (*Reply, error)

// Dispatcher holds the fixed registry of the 8 commands the wire protocol
// defines and the shared dependencies every handler needs to run one.
// Mirrors the teacher's RegisterAction-panics-on-duplicate discipline
// (internal/engine/registry.go), without that package's YAML-driven
// config layer, since this command set is part of the protocol rather
// than deployment configuration.
type Dispatcher struct {
	auth           TokenVerifier
	owners         *auth.OwnerResolver
	store          store.Store
	sessions       *session.Manager
	hub            *hub.Hub
	logger         *slog.Logger
	handlerTimeout time.Duration

	handlers map[string]CommandHandler
}

// New constructs a Dispatcher with all 8 commands registered. hub is nil
// until SetHub runs, since internal/hub.NewHub needs a Dispatcher before a
// *hub.Hub exists to hand back — callers must call SetHub before accepting
// any connection.
func New(logger *slog.Logger, a TokenVerifier, o *auth.OwnerResolver, s store.Store, sess *session.Manager, handlerTimeout time.Duration) *Dispatcher {
	if handlerTimeout <= 0 {
		handlerTimeout = 20 * time.Second
	}
	d := &Dispatcher{
		auth:           a,
		owners:         o,
		store:          s,
		sessions:       sess,
		logger:         logger.With(slog.String("component", "dispatcher")),
		handlerTimeout: handlerTimeout,
		handlers:       make(map[string]CommandHandler),
	}

	d.register("/auth", handleAuth)
	d.register("/documents/update", handleUpdate)
	d.register("/documents/commit", handleCommit)
	d.register("/documents/update/history", handleUpdateHistory)
	d.register("/documents/commit/history", handleCommitHistory)
	d.register("/documents/peers/list", handlePeersList)
	d.register("/documents/awareness", handleAwareness)
	d.register("/documents/terminate", handleTerminate)

	return d
}

func (d *Dispatcher) register(cmd string, h CommandHandler) {
	if _, exists := d.handlers[cmd]; exists {
		panic(fmt.Sprintf("dispatch: command already registered: %s", cmd))
	}
	d.handlers[cmd] = h
}

// SetHub wires the Hub back-reference once it exists, breaking the
// Hub<->Dispatcher construction cycle (hub.NewHub requires a Dispatcher,
// and handlers here need the Hub to track authenticated connections).
func (d *Dispatcher) SetHub(h *hub.Hub) {
	d.hub = h
}

// Handle implements hub.Dispatcher. It parses the request envelope,
// resolves the matching handler, runs it under a per-frame deadline
// derived from ctx, and always sends back a reply carrying the request's
// seqId. A handler that returns an error not already a *Reply is mapped
// to a generic 500 so internals never leak to the client.
func (d *Dispatcher) Handle(ctx context.Context, conn *hub.Conn, raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		d.send(conn, wireError(StatusBadArgs, fmt.Errorf("malformed request frame")), "")
		return
	}

	handler, found := d.handlers[req.Cmd]
	if !found {
		d.send(conn, wireError(StatusNotFound, fmt.Errorf("unknown command %q", req.Cmd)), req.SeqID)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
	defer cancel()

	dc := &DispatchContext{
		Conn:     conn,
		Auth:     d.auth,
		Owners:   d.owners,
		Store:    d.store,
		Sessions: d.sessions,
		Hub:      d.hub,
		Logger:   d.logger,
	}

	reply, err := handler(hctx, dc, req.Args)
	if err != nil {
		d.logger.Error("command handler failed", slog.String("cmd", req.Cmd), slog.Any("error", err))
		reply = wireError(StatusInternal, fmt.Errorf("internal error"))
	}
	if reply == nil {
		reply = ok(nil)
	}

	d.send(conn, reply, req.SeqID)
}

func (d *Dispatcher) send(conn *hub.Conn, reply *Reply, seqID string) {
	if seqID != "" {
		reply.SeqID = &seqID
	}
	frame, err := json.Marshal(reply)
	if err != nil {
		d.logger.Error("failed to marshal reply", slog.Any("error", err))
		return
	}
	conn.Transport.Send(frame)
}
