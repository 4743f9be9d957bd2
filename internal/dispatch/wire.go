package dispatch

import (
	"encoding/json"

	"github.com/collabmesh/relay/internal/model"
)

// Request is the inbound frame envelope spec.md §6 defines.
type Request struct {
	Cmd   string          `json:"cmd"`
	Args  json.RawMessage `json:"args"`
	SeqID string          `json:"seqId"`
}

// Reply is the outbound response envelope, always carrying back the
// request's seqId so the client can correlate it.
type Reply struct {
	Status              bool            `json:"status"`
	StatusCode          int             `json:"statusCode"`
	SeqID               *string         `json:"seqId"`
	IsHandshakeResponse bool            `json:"is_handshake_response"`
	Data                json.RawMessage `json:"data,omitempty"`
	Err                 string          `json:"err,omitempty"`
}

// Event is the unsolicited server-to-client envelope.
type Event struct {
	Type      string    `json:"type"`
	EventType string    `json:"event_type"`
	Event     EventBody `json:"event"`
}

type EventBody struct {
	Data   any    `json:"data"`
	RoomID string `json:"roomId"`
}

const (
	EventContentUpdate        = "CONTENT_UPDATE"
	EventRoomMembershipChange = "ROOM_MEMBERSHIP_CHANGE"
	EventAwarenessUpdate      = "AWARENESS_UPDATE"
	EventSessionTerminated    = "SESSION_TERMINATED"
)

// buildEvent marshals a server->clients frame for roomID, the composite
// (documentId, sessionDid) key clients key their own UI state off of.
func buildEvent(eventType, roomID string, data any) ([]byte, error) {
	return json.Marshal(Event{
		Type:      "event",
		EventType: eventType,
		Event:     EventBody{Data: data, RoomID: roomID},
	})
}

// ok builds a successful reply; Dispatcher.Handle fills in SeqID from the
// originating request before sending.
func ok(data any) *Reply {
	raw, _ := json.Marshal(data)
	return &Reply{Status: true, StatusCode: StatusOK, Data: raw}
}

// wireError maps a Go error (or none) plus a spec.md §7 status code into a
// Reply. It is the one place status codes and Go errors meet.
func wireError(code int, err error) *Reply {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Reply{Status: false, StatusCode: code, Err: msg}
}

const (
	StatusOK           = 200
	StatusBadArgs      = 400
	StatusUnauthorized = 401
	StatusForbidden    = 403
	StatusNotFound     = 404
	StatusInternal     = 500
)

// updateToWire and commitToWire translate the internal model into the
// camelCase shape every reply on the wire uses, since model.DocumentUpdate
// and model.DocumentCommit carry no json tags of their own (they are shared
// with the bson-tagged mongostore DTOs, which do).
func updateToWire(u *model.DocumentUpdate) map[string]any {
	return map[string]any{
		"id":         u.ID,
		"documentId": u.DocumentID,
		"sessionDid": u.SessionDID,
		"data":       json.RawMessage(u.Data),
		"updateType": u.UpdateType,
		"committed":  u.Committed,
		"commitCid":  u.CommitCID,
		"createdAt":  u.CreatedAt,
	}
}

func commitToWire(c *model.DocumentCommit) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"documentId": c.DocumentID,
		"sessionDid": c.SessionDID,
		"cid":        c.CID,
		"updates":    c.Updates,
		"createdAt":  c.CreatedAt,
	}
}
