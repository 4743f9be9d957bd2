package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/collabmesh/relay/internal/hub"
	"github.com/collabmesh/relay/internal/model"
)

type awarenessArgs struct {
	DocumentID string          `json:"documentId"`
	Data       json.RawMessage `json:"data"`
}

// handleAwareness implements spec.md §4.7's /documents/awareness: no
// persistence, fanned out on the SendLatest lane (latest=true) since
// awareness messages are idempotent-by-latest (spec.md §5). On a full send
// queue SendLatest drops the new frame; frames already queued are not
// evicted.
func handleAwareness(ctx context.Context, dc *DispatchContext, raw json.RawMessage) (*Reply, error) {
	documentID, sessionDID, _, authenticated := dc.Conn.Auth()
	if !authenticated {
		return wireError(StatusUnauthorized, fmt.Errorf("authentication required")), nil
	}

	var a awarenessArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return wireError(StatusBadArgs, err), nil
	}
	if a.DocumentID != "" && a.DocumentID != documentID {
		return wireError(StatusBadArgs, fmt.Errorf("documentId does not match the authenticated socket")), nil
	}

	frame, err := buildEvent(EventAwarenessUpdate, model.SessionKey(documentID, sessionDID), a.Data)
	if err != nil {
		return nil, err
	}
	env, err := hub.EncodeBroadcast(dc.Conn.ClientID, true, frame)
	if err != nil {
		return nil, err
	}
	if err := dc.Sessions.BroadcastToAllNodes(ctx, documentID, sessionDID, env); err != nil {
		dc.Logger.Warn("failed to broadcast awareness update", "error", err)
	}
	return ok(nil), nil
}
