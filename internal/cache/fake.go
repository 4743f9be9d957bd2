package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collabmesh/relay/internal/model"
)

// Fake is an in-process stand-in for Cache shared across multiple Manager
// instances in a test, simulating the Redis-backed cluster cache for
// cross-node fan-out tests without a real Redis (SPEC_FULL.md §11).
type Fake struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	subs     []chan BusEvent
}

func NewFake() *Fake {
	return &Fake{sessions: make(map[string]*model.Session)}
}

func (f *Fake) GetSession(_ context.Context, documentID, sessionDID string) (*model.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[model.SessionKey(documentID, sessionDID)]
	if !ok {
		return nil, false, nil
	}
	clone := *s
	clone.Clients = make(map[uuid.UUID]struct{}, len(s.Clients))
	for id := range s.Clients {
		clone.Clients[id] = struct{}{}
	}
	return &clone, true, nil
}

func (f *Fake) PutSession(_ context.Context, s *model.Session, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *s
	clone.Clients = make(map[uuid.UUID]struct{}, len(s.Clients))
	for id := range s.Clients {
		clone.Clients[id] = struct{}{}
	}
	f.sessions[s.Key()] = &clone
	return nil
}

func (f *Fake) DeleteSession(_ context.Context, documentID, sessionDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, model.SessionKey(documentID, sessionDID))
	return nil
}

func (f *Fake) AddClient(_ context.Context, documentID, sessionDID string, clientID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[model.SessionKey(documentID, sessionDID)]
	if !ok {
		return nil
	}
	if s.Clients == nil {
		s.Clients = make(map[uuid.UUID]struct{})
	}
	s.Clients[clientID] = struct{}{}
	return nil
}

func (f *Fake) RemoveClient(_ context.Context, documentID, sessionDID string, clientID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[model.SessionKey(documentID, sessionDID)]
	if !ok {
		return nil
	}
	delete(s.Clients, clientID)
	return nil
}

func (f *Fake) Clients(_ context.Context, documentID, sessionDID string) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[model.SessionKey(documentID, sessionDID)]
	if !ok {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(s.Clients))
	for id := range s.Clients {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *Fake) Publish(_ context.Context, evt BusEvent) error {
	f.mu.Lock()
	subs := make([]chan BusEvent, len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()

	for _, ch := range subs {
		ch <- evt
	}
	return nil
}

func (f *Fake) Subscribe(ctx context.Context) (<-chan BusEvent, error) {
	ch := make(chan BusEvent, 64)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, s := range f.subs {
			if s == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

var _ Cache = (*Fake)(nil)
