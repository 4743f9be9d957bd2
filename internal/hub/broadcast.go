package hub

import (
	"encoding/json"

	"github.com/google/uuid"
)

// fanOutEnvelope is the payload internal/dispatch's handlers build and pass
// to session.Manager.BroadcastToAllNodes. session.Manager treats it as
// opaque bytes; only this package's localFanOut interprets it, since it is
// the one piece of state the bus needs beyond the raw wire frame: who to
// skip and which of the two send lanes to use (spec.md §5 backpressure
// policy).
type fanOutEnvelope struct {
	ExcludeClientID uuid.UUID       `json:"excludeClientId,omitempty"`
	Latest          bool            `json:"latest,omitempty"`
	Frame           json.RawMessage `json:"frame"`
}

// EncodeBroadcast builds the payload internal/dispatch passes to
// session.Manager.BroadcastToAllNodes. latest selects SendLatest (drop on
// overflow) over the default blocking Send — set only for AWARENESS_UPDATE.
func EncodeBroadcast(excludeClientID uuid.UUID, latest bool, frame []byte) (json.RawMessage, error) {
	return json.Marshal(fanOutEnvelope{ExcludeClientID: excludeClientID, Latest: latest, Frame: frame})
}
