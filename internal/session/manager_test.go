package session_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/collabmesh/relay/internal/cache"
	"github.com/collabmesh/relay/internal/session"
	"github.com/collabmesh/relay/internal/store/fake"
	"github.com/collabmesh/relay/pkg/logging"
)

func newTestManager(c cache.Cache) (*session.Manager, *fake.Store) {
	st := fake.New()
	return session.NewManager(logging.Discard(), c, st), st
}

func TestCreateAndGetSession(t *testing.T) {
	m, _ := newTestManager(cache.NewFake())
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "doc-1", "session-1", "did:owner:1", json.RawMessage(`{"name":"room"}`))
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.State != "active" {
		t.Fatalf("expected active state, got %q", sess.State)
	}

	got, found, err := m.GetSession(ctx, "doc-1", "session-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !found {
		t.Fatal("expected to find just-created session")
	}
	if got.OwnerDID != "did:owner:1" {
		t.Errorf("expected ownerDid did:owner:1, got %q", got.OwnerDID)
	}
}

func TestGetSessionFallsThroughToStore(t *testing.T) {
	c := cache.NewFake()
	m, st := newTestManager(c)
	ctx := context.Background()

	if err := st.UpsertActive(ctx, "doc-2", "session-2", "did:owner:2", nil); err != nil {
		t.Fatalf("seed store failed: %v", err)
	}

	got, found, err := m.GetSession(ctx, "doc-2", "session-2")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !found {
		t.Fatal("expected GetSession to fall through to the durable store")
	}
	if got.OwnerDID != "did:owner:2" {
		t.Errorf("expected ownerDid did:owner:2, got %q", got.OwnerDID)
	}

	cached, found, err := c.GetSession(ctx, "doc-2", "session-2")
	if err != nil || !found {
		t.Fatalf("expected store hit to warm the cache: found=%v err=%v", found, err)
	}
	if cached.OwnerDID != "did:owner:2" {
		t.Errorf("expected cache warm to carry ownerDid, got %q", cached.OwnerDID)
	}
}

func TestTerminateSessionIsNeverRevived(t *testing.T) {
	m, st := newTestManager(cache.NewFake())
	ctx := context.Background()

	if _, err := m.CreateSession(ctx, "doc-3", "session-3", "did:owner:3", nil); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := m.TerminateSession(ctx, "doc-3", "session-3"); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}

	_, found, err := m.GetSession(ctx, "doc-3", "session-3")
	if err != nil {
		t.Fatalf("GetSession after terminate failed: %v", err)
	}
	if found {
		t.Fatal("expected a terminated session to present as not found")
	}

	if err := st.UpsertActive(ctx, "doc-3", "session-3", "did:owner:3", nil); err == nil {
		t.Fatal("expected UpsertActive on a terminated row to fail")
	}
}

func TestClientJoinAndLeave(t *testing.T) {
	m, _ := newTestManager(cache.NewFake())
	ctx := context.Background()
	clientID := uuid.New()

	if _, err := m.CreateSession(ctx, "doc-4", "session-4", "did:owner:4", nil); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := m.AddClientToSession(ctx, "doc-4", "session-4", clientID); err != nil {
		t.Fatalf("AddClientToSession failed: %v", err)
	}

	sess, _, _ := m.GetSession(ctx, "doc-4", "session-4")
	if _, ok := sess.Clients[clientID]; !ok {
		t.Fatal("expected client to be recorded on the session")
	}

	if err := m.RemoveClientFromSession(ctx, "doc-4", "session-4", clientID); err != nil {
		t.Fatalf("RemoveClientFromSession failed: %v", err)
	}
	if _, ok := sess.Clients[clientID]; ok {
		t.Fatal("expected client to be removed from the session")
	}
}

// TestCrossNodeFanOut shares one cache.Fake between two Manager instances,
// exercising the bus subscriber loop applying a sibling's published event
// to a node that never called CreateSession itself (spec.md §4.4 scenario
// 3: multi-node convergence via the shared bus).
func TestCrossNodeFanOut(t *testing.T) {
	shared := cache.NewFake()
	nodeA, _ := newTestManager(shared)
	nodeB, _ := newTestManager(shared)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); nodeA.Run(ctx) }()
	go func() { defer wg.Done(); nodeB.Run(ctx) }()

	received := make(chan struct{}, 1)
	nodeB.SetBroadcastHandler(func(documentID, sessionDID string, payload json.RawMessage, originNodeID string) {
		if documentID == "doc-5" && sessionDID == "session-5" {
			received <- struct{}{}
		}
	})

	time.Sleep(10 * time.Millisecond) // let both subscriber loops register

	if _, err := nodeA.CreateSession(ctx, "doc-5", "session-5", "did:owner:5", nil); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := nodeA.BroadcastToAllNodes(ctx, "doc-5", "session-5", json.RawMessage(`"hello"`)); err != nil {
		t.Fatalf("BroadcastToAllNodes failed: %v", err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for node B to receive the broadcast via the shared bus")
	}

	cancel()
	wg.Wait()
}
