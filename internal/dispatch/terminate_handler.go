package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/collabmesh/relay/internal/hub"
	"github.com/collabmesh/relay/internal/model"
)

type terminateArgs struct {
	DocumentID      string `json:"documentId"`
	SessionDID      string `json:"sessionDid"`
	OwnerToken      string `json:"ownerToken"`
	ContractAddress string `json:"contractAddress"`
	OwnerAddress    string `json:"ownerAddress"`
}

// handleTerminate implements spec.md §4.7's /documents/terminate: retires
// the session permanently (Invariant 5 — never revived), purging its
// update/commit log before flipping the durable state, so a crash between
// the two leaves nothing referencing a session that no longer exists.
func handleTerminate(ctx context.Context, dc *DispatchContext, raw json.RawMessage) (*Reply, error) {
	var a terminateArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return wireError(StatusBadArgs, err), nil
	}
	if a.DocumentID == "" || a.SessionDID == "" {
		return wireError(StatusBadArgs, fmt.Errorf("documentId and sessionDid are required")), nil
	}

	sess, found, err := dc.Sessions.GetSession(ctx, a.DocumentID, a.SessionDID)
	if err != nil {
		return nil, err
	}
	if !found {
		return wireError(StatusNotFound, fmt.Errorf("session not found")), nil
	}

	ownerDID, err := dc.Auth.VerifyOwnerToken(ctx, a.OwnerToken, a.ContractAddress, a.OwnerAddress)
	if err != nil {
		return wireError(StatusUnauthorized, err), nil
	}
	if ownerDID != sess.OwnerDID {
		return wireError(StatusForbidden, fmt.Errorf("owner token does not match this session's owner")), nil
	}

	key := model.SessionKey(a.DocumentID, a.SessionDID)
	frame, err := buildEvent(EventSessionTerminated, key, map[string]any{})
	if err != nil {
		return nil, err
	}
	env, err := hub.EncodeBroadcast(dc.Conn.ClientID, false, frame)
	if err != nil {
		return nil, err
	}
	if err := dc.Sessions.BroadcastToAllNodes(ctx, a.DocumentID, a.SessionDID, env); err != nil {
		dc.Logger.Warn("failed to broadcast session termination", "error", err)
	}

	if err := dc.Store.DeleteBySession(ctx, a.DocumentID, a.SessionDID); err != nil {
		return nil, err
	}
	if err := dc.Sessions.TerminateSession(ctx, a.DocumentID, a.SessionDID); err != nil {
		return nil, err
	}

	return ok(map[string]any{"terminated": true}), nil
}
