package mongostore

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/collabmesh/relay/internal/model"
	"github.com/collabmesh/relay/internal/store"
)

type sessionDoc struct {
	DocumentID string          `bson:"documentId"`
	SessionDID string          `bson:"sessionDid"`
	OwnerDID   string          `bson:"ownerDid"`
	RoomInfo   json.RawMessage `bson:"roomInfo,omitempty"`
	State      string          `bson:"state"`
	CreatedAt  int64           `bson:"createdAt"`
}

func fromSessionDoc(d sessionDoc) *model.Session {
	return &model.Session{
		DocumentID: d.DocumentID,
		SessionDID: d.SessionDID,
		OwnerDID:   d.OwnerDID,
		RoomInfo:   d.RoomInfo,
		State:      model.SessionState(d.State),
		Clients:    make(map[uuid.UUID]struct{}),
	}
}

// UpsertActive creates or reactivates the durable session record. A row
// already in the terminated sink state is rejected outright — Invariant 5
// (spec.md §3): a terminated session is never revived. A row in the
// inactive state is flipped back to active, reusing its existing
// ownerDid, per spec.md §9's resolution of the reactivation open question.
func (s *Store) UpsertActive(ctx context.Context, documentID, sessionDID, ownerDID string, roomInfo json.RawMessage) error {
	coll := s.sessions()
	filter := bson.D{{Key: "documentId", Value: documentID}, {Key: "sessionDid", Value: sessionDID}}

	var existing sessionDoc
	err := coll.FindOne(ctx, filter).Decode(&existing)
	switch {
	case err == mongo.ErrNoDocuments:
		_, insertErr := coll.InsertOne(ctx, sessionDoc{
			DocumentID: documentID,
			SessionDID: sessionDID,
			OwnerDID:   ownerDID,
			RoomInfo:   roomInfo,
			State:      string(model.SessionActive),
			CreatedAt:  nowMillis(),
		})
		return insertErr
	case err != nil:
		return err
	case existing.State == string(model.SessionTerminated):
		return store.ErrSessionRetired
	}

	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "state", Value: string(model.SessionActive)},
	}}}
	if roomInfo != nil {
		update[0].Value = append(update[0].Value.(bson.D), bson.E{Key: "roomInfo", Value: roomInfo})
	}
	_, err = coll.UpdateOne(ctx, filter, update)
	return err
}

// Get returns found=false for any non-active row, not just a missing or
// terminated one. A retired (documentId, sessionDid) pair must present as
// absent so the dispatcher's /auth handler takes the setup path rather
// than treating it as a joinable session (spec.md §9); an inactive row
// must present as absent too, so that same setup path reactivates it
// through CreateSession/UpsertActive, which flips the durable state back
// to active and reuses the stored ownerDid (spec.md §4.5, §9).
func (s *Store) Get(ctx context.Context, documentID, sessionDID string) (*model.Session, bool, error) {
	var d sessionDoc
	err := s.sessions().FindOne(ctx, bson.D{
		{Key: "documentId", Value: documentID},
		{Key: "sessionDid", Value: sessionDID},
	}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if d.State != string(model.SessionActive) {
		return nil, false, nil
	}
	return fromSessionDoc(d), true, nil
}

func (s *Store) SetState(ctx context.Context, documentID, sessionDID string, state model.SessionState) error {
	filter := bson.D{{Key: "documentId", Value: documentID}, {Key: "sessionDid", Value: sessionDID}}
	set := bson.D{{Key: "state", Value: string(state)}}
	if state == model.SessionTerminated {
		set = append(set, bson.E{Key: "roomInfo", Value: nil})
	}
	_, err := s.sessions().UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: set}})
	return err
}

func (s *Store) SetRoomInfo(ctx context.Context, documentID, sessionDID string, roomInfo json.RawMessage) error {
	filter := bson.D{{Key: "documentId", Value: documentID}, {Key: "sessionDid", Value: sessionDID}}
	_, err := s.sessions().UpdateOne(ctx, filter, bson.D{
		{Key: "$set", Value: bson.D{{Key: "roomInfo", Value: roomInfo}}},
	})
	return err
}
