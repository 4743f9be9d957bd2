// Package mongostore implements internal/store's Store and SessionStore
// interfaces against go.mongodb.org/mongo-driver, following the
// bson-tagged struct conventions used throughout the retrieved pack's
// Mongo-backed models (rubicon-ClaraVerse's NexusSession/EngramEntry,
// stratahub's GroupMembership).
package mongostore

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/collabmesh/relay/internal/store"
)

const (
	collSessions        = "sessions"
	collDocumentUpdates = "document_updates"
	collDocumentCommits = "document_commits"
)

// Store implements store.Store and store.SessionStore against one Mongo
// database, sharing a single *mongo.Database handle across both concerns
// the way the durable tier of C3 and C5 share it in spec.md.
type Store struct {
	db     *mongo.Database
	logger *slog.Logger
}

func New(db *mongo.Database, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With(slog.String("component", "mongostore"))}
}

func (s *Store) updates() *mongo.Collection  { return s.db.Collection(collDocumentUpdates) }
func (s *Store) commits() *mongo.Collection  { return s.db.Collection(collDocumentCommits) }
func (s *Store) sessions() *mongo.Collection { return s.db.Collection(collSessions) }

// EnsureIndexes creates the indexes spec.md §6 specifies. Idempotent: safe
// to call on every process start.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.sessions().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "documentId", Value: 1}, {Key: "sessionDid", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "documentId", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "sessionDid", Value: 1}},
		},
	}); err != nil {
		return err
	}

	if _, err := s.updates().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "documentId", Value: 1}}},
		{Keys: bson.D{{Key: "committed", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
		{Keys: bson.D{
			{Key: "documentId", Value: 1},
			{Key: "committed", Value: 1},
			{Key: "createdAt", Value: 1},
			{Key: "sessionDid", Value: 1},
		}},
		{
			Keys:    bson.D{{Key: "committed", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(bson.D{{Key: "committed", Value: false}}),
		},
	}); err != nil {
		return err
	}

	if _, err := s.commits().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "documentId", Value: 1}}},
		{Keys: bson.D{{Key: "documentId", Value: 1}, {Key: "createdAt", Value: 1}}},
	}); err != nil {
		return err
	}

	return nil
}

var _ store.Store = (*Store)(nil)
var _ store.SessionStore = (*Store)(nil)

// nowMillis is the single clock read used when persisting createdAt
// timestamps, kept as a seam so tests can stub it if ever needed.
var nowMillis = func() int64 { return time.Now().UnixMilli() }
