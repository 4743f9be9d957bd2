package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/collabmesh/relay/internal/model"
)

type commitArgs struct {
	DocumentID      string   `json:"documentId"`
	Updates         []string `json:"updates"`
	CID             string   `json:"cid"`
	OwnerToken      string   `json:"ownerToken"`
	ContractAddress string   `json:"contractAddress"`
	OwnerAddress    string   `json:"ownerAddress"`
}

// handleCommit implements spec.md §4.7's /documents/commit. The owner
// token is re-verified on every call even though the connection already
// carries role=owner, since that role was assigned at /auth time and the
// on-chain ownership it asserts can change.
func handleCommit(ctx context.Context, dc *DispatchContext, raw json.RawMessage) (*Reply, error) {
	documentID, sessionDID, role, authenticated := dc.Conn.Auth()
	if !authenticated {
		return wireError(StatusUnauthorized, fmt.Errorf("authentication required")), nil
	}
	if role != model.RoleOwner {
		return wireError(StatusForbidden, fmt.Errorf("owner role required")), nil
	}

	var a commitArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return wireError(StatusBadArgs, err), nil
	}
	if (a.DocumentID != "" && a.DocumentID != documentID) || a.CID == "" {
		return wireError(StatusBadArgs, fmt.Errorf("documentId must match the socket and cid is required")), nil
	}

	ownerDID, err := dc.Auth.VerifyOwnerToken(ctx, a.OwnerToken, a.ContractAddress, a.OwnerAddress)
	if err != nil {
		return wireError(StatusUnauthorized, err), nil
	}

	sess, found, err := dc.Sessions.GetSession(ctx, documentID, sessionDID)
	if err != nil {
		return nil, err
	}
	if !found || ownerDID != sess.OwnerDID {
		return wireError(StatusForbidden, fmt.Errorf("owner token does not match this session's owner")), nil
	}

	updateIDs := make([]uuid.UUID, 0, len(a.Updates))
	for _, idStr := range a.Updates {
		id, err := uuid.Parse(idStr)
		if err != nil {
			return wireError(StatusBadArgs, fmt.Errorf("invalid update id %q", idStr)), nil
		}
		updateIDs = append(updateIDs, id)
	}

	commit := &model.DocumentCommit{
		ID:         uuid.New(),
		DocumentID: documentID,
		SessionDID: sessionDID,
		CID:        a.CID,
		Updates:    updateIDs,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := dc.Store.CreateCommit(ctx, commit); err != nil {
		return nil, err
	}

	// Commits are owner-private (spec.md §4.7): no broadcast.
	return ok(commitToWire(commit)), nil
}
