package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
)

type peersArgs struct {
	DocumentID string `json:"documentId"`
}

// handlePeersList implements spec.md §4.7's /documents/peers/list: the
// cluster-wide client set for the socket's session, sourced from the
// shared cache with a local-set fallback (session.Manager.Peers).
func handlePeersList(ctx context.Context, dc *DispatchContext, raw json.RawMessage) (*Reply, error) {
	documentID, sessionDID, _, authenticated := dc.Conn.Auth()
	if !authenticated {
		return wireError(StatusUnauthorized, fmt.Errorf("authentication required")), nil
	}

	var a peersArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return wireError(StatusBadArgs, err), nil
	}
	if a.DocumentID != "" && a.DocumentID != documentID {
		return wireError(StatusBadArgs, fmt.Errorf("documentId does not match the authenticated socket")), nil
	}

	peers, err := dc.Sessions.Peers(ctx, documentID, sessionDID)
	if err != nil {
		return nil, err
	}
	return ok(map[string]any{"peers": peers}), nil
}
