package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/collabmesh/relay/internal/store"
)

type historyArgs struct {
	DocumentID string `json:"documentId"`
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
	Sort       string `json:"sort"`
}

// handleUpdateHistory implements spec.md §4.7's /documents/update/history,
// delegating pagination to the durable store (C3). filters.committed is
// read tolerantly with gjson since it is the one nested optional field the
// flat historyArgs struct doesn't cover.
func handleUpdateHistory(ctx context.Context, dc *DispatchContext, raw json.RawMessage) (*Reply, error) {
	_, _, _, authenticated := dc.Conn.Auth()
	if !authenticated {
		return wireError(StatusUnauthorized, fmt.Errorf("authentication required")), nil
	}

	var a historyArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return wireError(StatusBadArgs, err), nil
	}
	if a.DocumentID == "" {
		return wireError(StatusBadArgs, fmt.Errorf("documentId is required")), nil
	}

	q := store.Query{Limit: a.Limit, Offset: a.Offset, Sort: a.Sort}
	if committed := gjson.GetBytes(raw, "filters.committed"); committed.Exists() {
		b := committed.Bool()
		q.Committed = &b
	}

	updates, err := dc.Store.GetUpdatesByDocument(ctx, a.DocumentID, q)
	if err != nil {
		return nil, err
	}

	wire := make([]map[string]any, len(updates))
	for i, u := range updates {
		wire[i] = updateToWire(u)
	}
	return ok(map[string]any{"updates": wire}), nil
}

// handleCommitHistory implements spec.md §4.7's /documents/commit/history.
func handleCommitHistory(ctx context.Context, dc *DispatchContext, raw json.RawMessage) (*Reply, error) {
	_, _, _, authenticated := dc.Conn.Auth()
	if !authenticated {
		return wireError(StatusUnauthorized, fmt.Errorf("authentication required")), nil
	}

	var a historyArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return wireError(StatusBadArgs, err), nil
	}
	if a.DocumentID == "" {
		return wireError(StatusBadArgs, fmt.Errorf("documentId is required")), nil
	}

	q := store.Query{Limit: a.Limit, Offset: a.Offset, Sort: a.Sort}
	commits, err := dc.Store.GetCommitsByDocument(ctx, a.DocumentID, q)
	if err != nil {
		return nil, err
	}

	wire := make([]map[string]any, len(commits))
	for i, c := range commits {
		wire[i] = commitToWire(c)
	}
	return ok(map[string]any{"commits": wire}), nil
}
