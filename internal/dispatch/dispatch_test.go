package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/collabmesh/relay/internal/cache"
	"github.com/collabmesh/relay/internal/hub"
	"github.com/collabmesh/relay/internal/model"
	"github.com/collabmesh/relay/internal/session"
	"github.com/collabmesh/relay/internal/store"
	"github.com/collabmesh/relay/internal/store/fake"
	"github.com/collabmesh/relay/pkg/logging"
)

// fakeVerifier stands in for *auth.Verifier, whose two methods are the only
// ones TokenVerifier names — the real implementation's trust boundary is the
// unverifiable go-ucan signature chain, so handler tests drive against a
// fake that returns whatever a scenario needs instead.
type fakeVerifier struct {
	ownerDID  string
	ownerErr  error
	collabOK  bool
	collabErr error
}

func (f *fakeVerifier) VerifyOwnerToken(_ context.Context, _, _, _ string) (string, error) {
	return f.ownerDID, f.ownerErr
}

func (f *fakeVerifier) VerifyCollaborationToken(_ context.Context, _, _ string) (bool, error) {
	return f.collabOK, f.collabErr
}

var _ TokenVerifier = (*fakeVerifier)(nil)

// harness bundles one DispatchContext with the fakes backing it, letting
// each test reach directly into the store for setup/assertions without a
// real Mongo, Redis, or WebSocket connection.
type harness struct {
	dc    *DispatchContext
	store *fake.Store
	auth  *fakeVerifier
}

func newHarness(v *fakeVerifier) *harness {
	logger := logging.Discard()
	st := fake.New()
	sessions := session.NewManager(logger, cache.NewFake(), st)

	conn := &hub.Conn{ClientID: uuid.New()}
	dc := &DispatchContext{
		Conn:     conn,
		Auth:     v,
		Store:    st,
		Sessions: sessions,
		Hub:      nil,
		Logger:   logger,
	}
	return &harness{dc: dc, store: st, auth: v}
}

func rawArgs(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return b
}

func replyData(t *testing.T, r *Reply) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(r.Data, &out); err != nil {
		t.Fatalf("unmarshal reply data: %v", err)
	}
	return out
}

// TestAuthSetupAndJoin covers spec.md §8 scenario 1: an owner establishes a
// new session, then a second socket joins it as an editor.
func TestAuthSetupAndJoin(t *testing.T) {
	v := &fakeVerifier{ownerDID: "did:owner:1", collabOK: true}
	h := newHarness(v)
	ctx := context.Background()

	reply, err := handleAuth(ctx, h.dc, rawArgs(t, authArgs{
		DocumentID: "doc-1",
		SessionDID: "session-1",
		OwnerToken: "owner-token",
	}))
	if err != nil {
		t.Fatalf("handleAuth (setup) failed: %v", err)
	}
	if !reply.Status {
		t.Fatalf("expected setup /auth to succeed, got %+v", reply)
	}
	data := replyData(t, reply)
	if data["sessionType"] != "new" {
		t.Errorf("expected sessionType=new, got %v", data["sessionType"])
	}
	if data["role"] != string(model.RoleOwner) {
		t.Errorf("expected role=owner, got %v", data["role"])
	}

	_, _, role, authenticated := h.dc.Conn.Auth()
	if !authenticated || role != model.RoleOwner {
		t.Fatalf("expected socket bound as owner, got authenticated=%v role=%v", authenticated, role)
	}

	// A second socket joins the now-existing session as an editor, sharing
	// the same session manager and store as the owner's socket above.
	joinerConn := &DispatchContext{
		Conn:     &hub.Conn{ClientID: uuid.New()},
		Auth:     v,
		Store:    h.dc.Store,
		Sessions: h.dc.Sessions,
		Logger:   h.dc.Logger,
	}

	reply, err = handleAuth(ctx, joinerConn, rawArgs(t, authArgs{
		DocumentID:         "doc-1",
		SessionDID:         "session-1",
		CollaborationToken: "collab-token",
	}))
	if err != nil {
		t.Fatalf("handleAuth (join) failed: %v", err)
	}
	if !reply.Status {
		t.Fatalf("expected join /auth to succeed, got %+v", reply)
	}
	data = replyData(t, reply)
	if data["sessionType"] != "existing" {
		t.Errorf("expected sessionType=existing, got %v", data["sessionType"])
	}
	if data["role"] != string(model.RoleEditor) {
		t.Errorf("expected role=editor, got %v", data["role"])
	}
}

// TestAuthReactivatesDeactivatedSession covers spec.md §8 scenario 6: once
// a session's last client leaves it goes inactive, and the owner's next
// /auth must flip the durable row back to active (reusing the stored
// ownerDid) rather than falling into the join branch, which would demand a
// collaboration token and hand the owner an editor role.
func TestAuthReactivatesDeactivatedSession(t *testing.T) {
	v := &fakeVerifier{ownerDID: "did:owner:11", collabOK: true}
	h := newHarness(v)
	ctx := context.Background()

	if _, err := handleAuth(ctx, h.dc, rawArgs(t, authArgs{
		DocumentID: "doc-11",
		SessionDID: "session-11",
		OwnerToken: "owner-token",
	})); err != nil {
		t.Fatalf("handleAuth (setup) failed: %v", err)
	}

	if err := h.dc.Sessions.RemoveClientFromSession(ctx, "doc-11", "session-11", h.dc.Conn.ClientID); err != nil {
		t.Fatalf("RemoveClientFromSession failed: %v", err)
	}
	sess, found, err := h.dc.Sessions.GetSession(ctx, "doc-11", "session-11")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if found {
		t.Fatalf("expected an inactive session to present as absent for /auth, got %+v", sess)
	}

	reply, err := handleAuth(ctx, h.dc, rawArgs(t, authArgs{
		DocumentID: "doc-11",
		SessionDID: "session-11",
		OwnerToken: "owner-token",
	}))
	if err != nil {
		t.Fatalf("handleAuth (reactivation) failed: %v", err)
	}
	if !reply.Status {
		t.Fatalf("expected reactivating /auth to succeed, got %+v", reply)
	}
	data := replyData(t, reply)
	if data["role"] != string(model.RoleOwner) {
		t.Errorf("expected a reactivating owner to come back as owner, got %v", data["role"])
	}

	sess, found, err = h.dc.Sessions.GetSession(ctx, "doc-11", "session-11")
	if err != nil || !found {
		t.Fatalf("expected the session to be active again, found=%v err=%v", found, err)
	}
	if sess.State != model.SessionActive {
		t.Fatalf("expected durable state to be flipped back to active, got %q", sess.State)
	}
	if sess.OwnerDID != "did:owner:11" {
		t.Fatalf("expected the reactivated row to keep its original ownerDid, got %q", sess.OwnerDID)
	}
}

// TestAuthSetupRequiresOwnerToken covers the no-session-yet branch without
// an owner token, which spec.md §4.7 rejects outright.
func TestAuthSetupRequiresOwnerToken(t *testing.T) {
	h := newHarness(&fakeVerifier{})
	reply, err := handleAuth(context.Background(), h.dc, rawArgs(t, authArgs{
		DocumentID: "doc-2",
		SessionDID: "session-2",
	}))
	if err != nil {
		t.Fatalf("handleAuth returned unexpected error: %v", err)
	}
	if reply.Status || reply.StatusCode != StatusUnauthorized {
		t.Fatalf("expected 401 for a new session with no owner token, got %+v", reply)
	}
}

// TestUpdateRequiresAuthenticatedSocket covers /documents/update on a
// socket that never completed /auth.
func TestUpdateRequiresAuthenticatedSocket(t *testing.T) {
	h := newHarness(&fakeVerifier{collabOK: true})
	reply, err := handleUpdate(context.Background(), h.dc, rawArgs(t, updateArgs{
		DocumentID: "doc-3",
		Data:       json.RawMessage(`"x"`),
	}))
	if err != nil {
		t.Fatalf("handleUpdate returned unexpected error: %v", err)
	}
	if reply.Status || reply.StatusCode != StatusUnauthorized {
		t.Fatalf("expected 401 for an unauthenticated socket, got %+v", reply)
	}
}

// TestUpdatePersistsUncommittedRow covers spec.md §8 scenario 1's update
// half: the update is persisted as one uncommitted row. No hub is wired, so
// fan-out is not observed here.
func TestUpdatePersistsUncommittedRow(t *testing.T) {
	v := &fakeVerifier{ownerDID: "did:owner:4", collabOK: true}
	h := newHarness(v)
	ctx := context.Background()

	if _, err := handleAuth(ctx, h.dc, rawArgs(t, authArgs{
		DocumentID: "doc-4",
		SessionDID: "session-4",
		OwnerToken: "owner-token",
	})); err != nil {
		t.Fatalf("handleAuth failed: %v", err)
	}

	reply, err := handleUpdate(ctx, h.dc, rawArgs(t, updateArgs{
		DocumentID: "doc-4",
		Data:       json.RawMessage(`{"op":"insert"}`),
	}))
	if err != nil {
		t.Fatalf("handleUpdate failed: %v", err)
	}
	if !reply.Status {
		t.Fatalf("expected update to succeed, got %+v", reply)
	}

	updates, err := h.store.GetUpdatesByDocument(ctx, "doc-4", storeQueryAll())
	if err != nil {
		t.Fatalf("GetUpdatesByDocument failed: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected exactly one persisted update, got %d", len(updates))
	}
	if updates[0].Committed {
		t.Error("expected a fresh update to be uncommitted")
	}
}

// TestCommitRequiresOwnerRole covers /documents/commit's role gate: an
// editor-role socket is rejected before any token re-verification happens.
func TestCommitRequiresOwnerRole(t *testing.T) {
	v := &fakeVerifier{ownerDID: "did:owner:5", collabOK: true}
	h := newHarness(v)
	ctx := context.Background()

	if _, err := h.dc.Sessions.CreateSession(ctx, "doc-5", "session-5", "did:owner:5", nil); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	h.dc.Conn.SetAuth("doc-5", "session-5", model.RoleEditor)

	reply, err := handleCommit(ctx, h.dc, rawArgs(t, commitArgs{
		DocumentID: "doc-5",
		CID:        "cid-1",
	}))
	if err != nil {
		t.Fatalf("handleCommit returned unexpected error: %v", err)
	}
	if reply.Status || reply.StatusCode != StatusForbidden {
		t.Fatalf("expected 403 for a non-owner commit, got %+v", reply)
	}
}

// TestCommitMarksUpdatesCommitted covers spec.md §8 scenario 2: an owner
// commit transitions the referenced updates to committed, with no broadcast
// side effect.
func TestCommitMarksUpdatesCommitted(t *testing.T) {
	v := &fakeVerifier{ownerDID: "did:owner:6", collabOK: true}
	h := newHarness(v)
	ctx := context.Background()

	if _, err := handleAuth(ctx, h.dc, rawArgs(t, authArgs{
		DocumentID: "doc-6",
		SessionDID: "session-6",
		OwnerToken: "owner-token",
	})); err != nil {
		t.Fatalf("handleAuth failed: %v", err)
	}

	updateReply, err := handleUpdate(ctx, h.dc, rawArgs(t, updateArgs{
		DocumentID: "doc-6",
		Data:       json.RawMessage(`{"op":"insert"}`),
	}))
	if err != nil {
		t.Fatalf("handleUpdate failed: %v", err)
	}
	updateID := replyData(t, updateReply)["id"].(string)

	reply, err := handleCommit(ctx, h.dc, rawArgs(t, commitArgs{
		DocumentID: "doc-6",
		CID:        "cid-6",
		Updates:    []string{updateID},
	}))
	if err != nil {
		t.Fatalf("handleCommit failed: %v", err)
	}
	if !reply.Status {
		t.Fatalf("expected commit to succeed, got %+v", reply)
	}

	committed := true
	updates, err := h.store.GetUpdatesByDocument(ctx, "doc-6", queryWithCommitted(&committed))
	if err != nil {
		t.Fatalf("GetUpdatesByDocument failed: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected exactly one committed update, got %d", len(updates))
	}
}

// TestTerminateRejectsNonOwner covers spec.md §8 scenario 4: termination by
// a non-owner token is rejected and the session is left untouched.
func TestTerminateRejectsNonOwner(t *testing.T) {
	v := &fakeVerifier{ownerDID: "did:owner:7"}
	h := newHarness(v)
	ctx := context.Background()

	if _, err := h.dc.Sessions.CreateSession(ctx, "doc-7", "session-7", "did:owner:other", nil); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	reply, err := handleTerminate(ctx, h.dc, rawArgs(t, terminateArgs{
		DocumentID: "doc-7",
		SessionDID: "session-7",
		OwnerToken: "not-the-owner",
	}))
	if err != nil {
		t.Fatalf("handleTerminate returned unexpected error: %v", err)
	}
	if reply.Status || reply.StatusCode != StatusForbidden {
		t.Fatalf("expected 403 for a non-owner terminate, got %+v", reply)
	}

	sess, found, err := h.dc.Sessions.GetSession(ctx, "doc-7", "session-7")
	if err != nil || !found {
		t.Fatalf("expected the session to remain, found=%v err=%v", found, err)
	}
	if sess.State != model.SessionActive {
		t.Fatalf("expected session to remain active, got %q", sess.State)
	}
}

// TestTerminateDeletesLogAndRetiresSession covers spec.md §8 scenario 4's
// happy path: the owner terminates, the session is retired permanently, and
// its update/commit log is purged.
func TestTerminateDeletesLogAndRetiresSession(t *testing.T) {
	v := &fakeVerifier{ownerDID: "did:owner:8", collabOK: true}
	h := newHarness(v)
	ctx := context.Background()

	if _, err := handleAuth(ctx, h.dc, rawArgs(t, authArgs{
		DocumentID: "doc-8",
		SessionDID: "session-8",
		OwnerToken: "owner-token",
	})); err != nil {
		t.Fatalf("handleAuth failed: %v", err)
	}
	if _, err := handleUpdate(ctx, h.dc, rawArgs(t, updateArgs{
		DocumentID: "doc-8",
		Data:       json.RawMessage(`{"op":"insert"}`),
	})); err != nil {
		t.Fatalf("handleUpdate failed: %v", err)
	}

	reply, err := handleTerminate(ctx, h.dc, rawArgs(t, terminateArgs{
		DocumentID: "doc-8",
		SessionDID: "session-8",
		OwnerToken: "owner-token",
	}))
	if err != nil {
		t.Fatalf("handleTerminate failed: %v", err)
	}
	if !reply.Status {
		t.Fatalf("expected terminate to succeed, got %+v", reply)
	}

	if _, found, _ := h.dc.Sessions.GetSession(ctx, "doc-8", "session-8"); found {
		t.Fatal("expected a terminated session to present as not found")
	}
	updates, err := h.store.GetUpdatesByDocument(ctx, "doc-8", storeQueryAll())
	if err != nil {
		t.Fatalf("GetUpdatesByDocument failed: %v", err)
	}
	if len(updates) != 0 {
		t.Fatalf("expected the update log to be purged, got %d rows", len(updates))
	}

	// Re-auth against a terminated session must never revive it.
	reply, err = handleAuth(ctx, h.dc, rawArgs(t, authArgs{
		DocumentID: "doc-8",
		SessionDID: "session-8",
		OwnerToken: "owner-token",
	}))
	if err == nil {
		t.Fatalf("expected re-auth against a terminated session to fail, got %+v", reply)
	}
	if !errors.Is(err, store.ErrSessionRetired) {
		t.Fatalf("expected re-auth to fail with ErrSessionRetired, got: %v", err)
	}
	if _, found, _ := h.dc.Sessions.GetSession(ctx, "doc-8", "session-8"); found {
		t.Fatal("expected the retired session to stay absent after the rejected re-auth")
	}
}

// TestPeersListReturnsSessionClients covers /documents/peers/list right
// after a single /auth: the shared cache's client set for the session holds
// exactly the authenticated socket.
func TestPeersListReturnsSessionClients(t *testing.T) {
	v := &fakeVerifier{ownerDID: "did:owner:9", collabOK: true}
	h := newHarness(v)
	ctx := context.Background()

	if _, err := handleAuth(ctx, h.dc, rawArgs(t, authArgs{
		DocumentID: "doc-9",
		SessionDID: "session-9",
		OwnerToken: "owner-token",
	})); err != nil {
		t.Fatalf("handleAuth failed: %v", err)
	}

	reply, err := handlePeersList(ctx, h.dc, rawArgs(t, peersArgs{DocumentID: "doc-9"}))
	if err != nil {
		t.Fatalf("handlePeersList failed: %v", err)
	}
	if !reply.Status {
		t.Fatalf("expected peers list to succeed, got %+v", reply)
	}
	peers, ok := replyData(t, reply)["peers"].([]any)
	if !ok || len(peers) != 1 {
		t.Fatalf("expected exactly one peer (the auth'd socket itself), got %v", replyData(t, reply)["peers"])
	}
}

// TestAwarenessRequiresAuthenticatedSocket mirrors the other command
// handlers' pre-auth gate.
func TestAwarenessRequiresAuthenticatedSocket(t *testing.T) {
	h := newHarness(&fakeVerifier{})
	reply, err := handleAwareness(context.Background(), h.dc, rawArgs(t, awarenessArgs{
		DocumentID: "doc-10",
		Data:       json.RawMessage(`{"cursor":1}`),
	}))
	if err != nil {
		t.Fatalf("handleAwareness returned unexpected error: %v", err)
	}
	if reply.Status || reply.StatusCode != StatusUnauthorized {
		t.Fatalf("expected 401 for an unauthenticated socket, got %+v", reply)
	}
}

func storeQueryAll() store.Query {
	return store.Query{Limit: 100}
}

func queryWithCommitted(b *bool) store.Query {
	return store.Query{Limit: 100, Committed: b}
}
