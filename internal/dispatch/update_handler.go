package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/collabmesh/relay/internal/hub"
	"github.com/collabmesh/relay/internal/model"
)

type updateArgs struct {
	DocumentID         string          `json:"documentId"`
	Data               json.RawMessage `json:"data"`
	CollaborationToken string          `json:"collaborationToken"`
}

// handleUpdate implements spec.md §4.7's /documents/update: persist an
// uncommitted update row and fan it out as CONTENT_UPDATE to every other
// client of the session.
func handleUpdate(ctx context.Context, dc *DispatchContext, raw json.RawMessage) (*Reply, error) {
	documentID, sessionDID, _, authenticated := dc.Conn.Auth()
	if !authenticated {
		return wireError(StatusUnauthorized, fmt.Errorf("authentication required")), nil
	}

	var a updateArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return wireError(StatusBadArgs, err), nil
	}
	if a.DocumentID != "" && a.DocumentID != documentID {
		return wireError(StatusBadArgs, fmt.Errorf("documentId does not match the authenticated socket")), nil
	}

	valid, err := dc.Auth.VerifyCollaborationToken(ctx, a.CollaborationToken, sessionDID)
	if err != nil || !valid {
		return wireError(StatusUnauthorized, fmt.Errorf("collaboration token invalid")), nil
	}

	update := &model.DocumentUpdate{
		ID:         uuid.New(),
		DocumentID: documentID,
		SessionDID: sessionDID,
		Data:       []byte(a.Data),
		UpdateType: model.UpdateTypeCRDT,
		Committed:  false,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := dc.Store.CreateUpdate(ctx, update); err != nil {
		return nil, err
	}

	frame, err := buildEvent(EventContentUpdate, model.SessionKey(documentID, sessionDID), map[string]any{
		"id":        update.ID,
		"data":      a.Data,
		"createdAt": update.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	env, err := hub.EncodeBroadcast(dc.Conn.ClientID, false, frame)
	if err != nil {
		return nil, err
	}
	if err := dc.Sessions.BroadcastToAllNodes(ctx, documentID, sessionDID, env); err != nil {
		dc.Logger.Warn("failed to broadcast content update", "error", err)
	}

	return ok(updateToWire(update)), nil
}
