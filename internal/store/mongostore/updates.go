package mongostore

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/collabmesh/relay/internal/model"
	"github.com/collabmesh/relay/internal/store"
)

type updateDoc struct {
	ID         string  `bson:"_id"`
	DocumentID string  `bson:"documentId"`
	SessionDID string  `bson:"sessionDid"`
	Data       []byte  `bson:"data"`
	UpdateType string  `bson:"updateType"`
	Committed  bool    `bson:"committed"`
	CommitCID  *string `bson:"commitCid"`
	CreatedAt  int64   `bson:"createdAt"`
}

func toUpdateDoc(u *model.DocumentUpdate) updateDoc {
	return updateDoc{
		ID:         u.ID.String(),
		DocumentID: u.DocumentID,
		SessionDID: u.SessionDID,
		Data:       u.Data,
		UpdateType: u.UpdateType,
		Committed:  u.Committed,
		CommitCID:  u.CommitCID,
		CreatedAt:  u.CreatedAt,
	}
}

func fromUpdateDoc(d updateDoc) (*model.DocumentUpdate, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	return &model.DocumentUpdate{
		ID:         id,
		DocumentID: d.DocumentID,
		SessionDID: d.SessionDID,
		Data:       d.Data,
		UpdateType: d.UpdateType,
		Committed:  d.Committed,
		CommitCID:  d.CommitCID,
		CreatedAt:  d.CreatedAt,
	}, nil
}

// CreateUpdate appends a new, never-committed update row.
func (s *Store) CreateUpdate(ctx context.Context, u *model.DocumentUpdate) error {
	if u.Committed || u.CommitCID != nil {
		return errors.New("mongostore: new update must be uncommitted")
	}
	if u.CreatedAt == 0 {
		u.CreatedAt = nowMillis()
	}
	_, err := s.updates().InsertOne(ctx, toUpdateDoc(u))
	return err
}

func (s *Store) GetUpdatesByDocument(ctx context.Context, documentID string, q store.Query) ([]*model.DocumentUpdate, error) {
	q = store.NormalizeUpdateQuery(q)

	filter := bson.D{{Key: "documentId", Value: documentID}}
	if q.Committed != nil {
		filter = append(filter, bson.E{Key: "committed", Value: *q.Committed})
	}

	order := -1
	if q.Sort == "asc" {
		order = 1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: order}, {Key: "_id", Value: order}}).
		SetLimit(int64(q.Limit)).
		SetSkip(int64(q.Offset))

	cur, err := s.updates().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*model.DocumentUpdate
	for cur.Next(ctx) {
		var d updateDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		u, err := fromUpdateDoc(d)
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out, cur.Err()
}

// DeleteBySession removes every update/commit row for (documentID,
// sessionDID), invoked only by the /documents/terminate handler on
// terminate (invariant P3 / invariant 4 in spec.md §3/§8).
func (s *Store) DeleteBySession(ctx context.Context, documentID, sessionDID string) error {
	filter := bson.D{{Key: "documentId", Value: documentID}, {Key: "sessionDid", Value: sessionDID}}
	if _, err := s.updates().DeleteMany(ctx, filter); err != nil {
		return err
	}
	_, err := s.commits().DeleteMany(ctx, filter)
	return err
}
