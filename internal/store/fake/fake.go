// Package fake is an in-memory stand-in for internal/store's Store and
// SessionStore interfaces, used by tests that exercise P1-P4 and the
// session lifecycle without a real MongoDB (SPEC_FULL.md §11).
package fake

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/collabmesh/relay/internal/model"
	"github.com/collabmesh/relay/internal/store"
)

type Store struct {
	mu       sync.Mutex
	updates  map[uuid.UUID]*model.DocumentUpdate
	commits  []*model.DocumentCommit
	sessions map[string]*model.Session
	clock    int64
}

func New() *Store {
	return &Store{
		updates:  make(map[uuid.UUID]*model.DocumentUpdate),
		sessions: make(map[string]*model.Session),
	}
}

func (s *Store) tick() int64 {
	s.clock++
	return s.clock
}

func (s *Store) CreateUpdate(_ context.Context, u *model.DocumentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt == 0 {
		u.CreatedAt = s.tick()
	}
	clone := *u
	s.updates[u.ID] = &clone
	return nil
}

func (s *Store) CreateCommit(_ context.Context, c *model.DocumentCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt == 0 {
		c.CreatedAt = s.tick()
	}
	clone := *c
	s.commits = append(s.commits, &clone)

	cid := c.CID
	for _, id := range c.Updates {
		if u, ok := s.updates[id]; ok {
			u.Committed = true
			u.CommitCID = &cid
		}
	}
	return nil
}

func (s *Store) GetUpdatesByDocument(_ context.Context, documentID string, q store.Query) ([]*model.DocumentUpdate, error) {
	q = store.NormalizeUpdateQuery(q)
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*model.DocumentUpdate
	for _, u := range s.updates {
		if u.DocumentID != documentID {
			continue
		}
		if q.Committed != nil && u.Committed != *q.Committed {
			continue
		}
		clone := *u
		matched = append(matched, &clone)
	}
	sortUpdates(matched, q.Sort)
	return paginateUpdates(matched, q), nil
}

func (s *Store) GetCommitsByDocument(_ context.Context, documentID string, q store.Query) ([]*model.DocumentCommit, error) {
	q = store.NormalizeCommitQuery(q)
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*model.DocumentCommit
	for _, c := range s.commits {
		if c.DocumentID != documentID {
			continue
		}
		clone := *c
		matched = append(matched, &clone)
	}
	sortCommits(matched, q.Sort)
	return paginateCommits(matched, q), nil
}

func (s *Store) DeleteBySession(_ context.Context, documentID, sessionDID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, u := range s.updates {
		if u.DocumentID == documentID && u.SessionDID == sessionDID {
			delete(s.updates, id)
		}
	}
	kept := s.commits[:0:0]
	for _, c := range s.commits {
		if c.DocumentID == documentID && c.SessionDID == sessionDID {
			continue
		}
		kept = append(kept, c)
	}
	s.commits = kept
	return nil
}

func (s *Store) UpsertActive(_ context.Context, documentID, sessionDID, ownerDID string, roomInfo json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := model.SessionKey(documentID, sessionDID)
	existing, ok := s.sessions[key]
	if ok && existing.State == model.SessionTerminated {
		return store.ErrSessionRetired
	}
	if !ok {
		s.sessions[key] = &model.Session{
			DocumentID: documentID,
			SessionDID: sessionDID,
			OwnerDID:   ownerDID,
			RoomInfo:   roomInfo,
			State:      model.SessionActive,
		}
		return nil
	}
	existing.State = model.SessionActive
	if roomInfo != nil {
		existing.RoomInfo = roomInfo
	}
	return nil
}

// Get returns found=false for any non-active row, not just a terminated
// one — an inactive (deactivated) session must present as absent too, so
// the dispatcher's /auth handler takes the setup path and reactivates it
// through CreateSession/UpsertActive rather than treating it as joinable.
func (s *Store) Get(_ context.Context, documentID, sessionDID string) (*model.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[model.SessionKey(documentID, sessionDID)]
	if !ok || sess.State != model.SessionActive {
		return nil, false, nil
	}
	clone := *sess
	return &clone, true, nil
}

func (s *Store) SetState(_ context.Context, documentID, sessionDID string, state model.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[model.SessionKey(documentID, sessionDID)]
	if !ok {
		return nil
	}
	sess.State = state
	if state == model.SessionTerminated {
		sess.RoomInfo = nil
	}
	return nil
}

func (s *Store) SetRoomInfo(_ context.Context, documentID, sessionDID string, roomInfo json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[model.SessionKey(documentID, sessionDID)]
	if !ok {
		return nil
	}
	sess.RoomInfo = roomInfo
	return nil
}

func sortUpdates(u []*model.DocumentUpdate, order string) {
	sort.SliceStable(u, func(i, j int) bool {
		if u[i].CreatedAt != u[j].CreatedAt {
			if order == "asc" {
				return u[i].CreatedAt < u[j].CreatedAt
			}
			return u[i].CreatedAt > u[j].CreatedAt
		}
		if order == "asc" {
			return u[i].ID.String() < u[j].ID.String()
		}
		return u[i].ID.String() > u[j].ID.String()
	})
}

func sortCommits(c []*model.DocumentCommit, order string) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].CreatedAt != c[j].CreatedAt {
			if order == "asc" {
				return c[i].CreatedAt < c[j].CreatedAt
			}
			return c[i].CreatedAt > c[j].CreatedAt
		}
		if order == "asc" {
			return c[i].ID.String() < c[j].ID.String()
		}
		return c[i].ID.String() > c[j].ID.String()
	})
}

func paginateUpdates(all []*model.DocumentUpdate, q store.Query) []*model.DocumentUpdate {
	if q.Offset >= len(all) {
		return nil
	}
	end := q.Offset + q.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[q.Offset:end]
}

func paginateCommits(all []*model.DocumentCommit, q store.Query) []*model.DocumentCommit {
	if q.Offset >= len(all) {
		return nil
	}
	end := q.Offset + q.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[q.Offset:end]
}

var _ store.Store = (*Store)(nil)
var _ store.SessionStore = (*Store)(nil)
