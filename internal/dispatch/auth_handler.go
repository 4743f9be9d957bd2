package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/collabmesh/relay/internal/hub"
	"github.com/collabmesh/relay/internal/model"
)

type authArgs struct {
	DocumentID         string `json:"documentId"`
	SessionDID         string `json:"sessionDid"`
	CollaborationToken string `json:"collaborationToken"`
	OwnerToken         string `json:"ownerToken"`
	ContractAddress    string `json:"contractAddress"`
	OwnerAddress       string `json:"ownerAddress"`
}

// handleAuth implements the setup-vs-join branch of spec.md §4.7's /auth.
func handleAuth(ctx context.Context, dc *DispatchContext, raw json.RawMessage) (*Reply, error) {
	var a authArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return wireError(StatusBadArgs, err), nil
	}
	if a.DocumentID == "" || a.SessionDID == "" {
		return wireError(StatusBadArgs, fmt.Errorf("documentId and sessionDid are required")), nil
	}
	// roomInfo is optional and left raw; pulled out tolerantly rather than
	// requiring a typed field in authArgs, since it is opaque to the server.
	roomInfo := json.RawMessage(gjson.GetBytes(raw, "roomInfo").Raw)
	if len(roomInfo) == 0 {
		roomInfo = nil
	}

	existing, found, err := dc.Sessions.GetSession(ctx, a.DocumentID, a.SessionDID)
	if err != nil {
		return nil, err
	}

	var (
		role       model.Role
		ownerDID   string
		sessionNew bool
	)

	if !found {
		if a.OwnerToken == "" {
			return wireError(StatusUnauthorized, fmt.Errorf("owner token required to establish a new session")), nil
		}
		ownerDID, err = dc.Auth.VerifyOwnerToken(ctx, a.OwnerToken, a.ContractAddress, a.OwnerAddress)
		if err != nil {
			return wireError(StatusUnauthorized, err), nil
		}
		if _, err := dc.Sessions.CreateSession(ctx, a.DocumentID, a.SessionDID, ownerDID, roomInfo); err != nil {
			return nil, err
		}
		role = model.RoleOwner
		sessionNew = true
	} else {
		collabOK, err := dc.Auth.VerifyCollaborationToken(ctx, a.CollaborationToken, a.SessionDID)
		if err != nil || !collabOK {
			return wireError(StatusUnauthorized, fmt.Errorf("collaboration token invalid")), nil
		}
		role = model.RoleEditor
		ownerDID = existing.OwnerDID

		if a.OwnerToken != "" {
			verifiedOwnerDID, err := dc.Auth.VerifyOwnerToken(ctx, a.OwnerToken, a.ContractAddress, a.OwnerAddress)
			if err == nil && verifiedOwnerDID == existing.OwnerDID {
				role = model.RoleOwner
				if roomInfo != nil {
					if err := dc.Sessions.UpdateRoomInfo(ctx, a.DocumentID, a.SessionDID, roomInfo); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	if err := dc.Sessions.AddClientToSession(ctx, a.DocumentID, a.SessionDID, dc.Conn.ClientID); err != nil {
		return nil, err
	}
	dc.Conn.SetAuth(a.DocumentID, a.SessionDID, role)

	key := model.SessionKey(a.DocumentID, a.SessionDID)
	if dc.Hub != nil {
		dc.Hub.TrackSession(key, dc.Conn)
	}

	joinedFrame, _ := json.Marshal(map[string]any{
		"type":       "event",
		"event_type": EventRoomMembershipChange,
		"event": map[string]any{
			"data":   map[string]any{"action": "user_joined", "clientId": dc.Conn.ClientID},
			"roomId": key,
		},
	})
	env, encErr := hub.EncodeBroadcast(dc.Conn.ClientID, false, joinedFrame)
	if encErr == nil {
		if err := dc.Sessions.BroadcastToAllNodes(ctx, a.DocumentID, a.SessionDID, env); err != nil {
			dc.Logger.Warn("failed to broadcast user_joined", "error", err)
		}
	}

	sessionType := "existing"
	if sessionNew {
		sessionType = "new"
	}

	sess, _, err := dc.Sessions.GetSession(ctx, a.DocumentID, a.SessionDID)
	if err != nil {
		return nil, err
	}
	var roomInfoOut json.RawMessage
	if sess != nil {
		roomInfoOut = sess.RoomInfo
	}

	return ok(map[string]any{
		"role":        role,
		"sessionType": sessionType,
		"roomInfo":    roomInfoOut,
	}), nil
}
