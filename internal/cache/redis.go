package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/collabmesh/relay/internal/model"
)

// cachedSession is the wire shape stored under Key(documentID, sessionDID).
// The client set lives under the sibling ClientsKey instead, since it is
// mutated far more often than the rest of the record.
type cachedSession struct {
	DocumentID string             `json:"documentId"`
	SessionDID string             `json:"sessionDid"`
	OwnerDID   string             `json:"ownerDid"`
	RoomInfo   json.RawMessage    `json:"roomInfo,omitempty"`
	State      model.SessionState `json:"state"`
}

// RedisCache implements Cache over two dedicated client handles: one for
// request/response (Get/Set/SAdd/...) and one reserved for the pub/sub
// subscription, so a slow subscriber never blocks an ordinary cache
// command from completing (spec.md §5's two-handles rule).
type RedisCache struct {
	rw     *redis.Client
	sub    *redis.Client
	logger *slog.Logger
}

func NewRedisCache(url string, logger *slog.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisCache{
		rw:     redis.NewClient(opts),
		sub:    redis.NewClient(opts),
		logger: logger.With(slog.String("component", "cache_redis")),
	}, nil
}

func (c *RedisCache) Close() error {
	_ = c.sub.Close()
	return c.rw.Close()
}

func (c *RedisCache) GetSession(ctx context.Context, documentID, sessionDID string) (*model.Session, bool, error) {
	raw, err := c.rw.Get(ctx, Key(documentID, sessionDID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var cs cachedSession
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, false, err
	}
	clients, err := c.Clients(ctx, documentID, sessionDID)
	if err != nil {
		return nil, false, err
	}
	s := &model.Session{
		DocumentID: cs.DocumentID,
		SessionDID: cs.SessionDID,
		OwnerDID:   cs.OwnerDID,
		RoomInfo:   cs.RoomInfo,
		State:      cs.State,
		Clients:    make(map[uuid.UUID]struct{}, len(clients)),
	}
	for _, id := range clients {
		s.Clients[id] = struct{}{}
	}
	return s, true, nil
}

func (c *RedisCache) PutSession(ctx context.Context, s *model.Session, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cs := cachedSession{
		DocumentID: s.DocumentID,
		SessionDID: s.SessionDID,
		OwnerDID:   s.OwnerDID,
		RoomInfo:   s.RoomInfo,
		State:      s.State,
	}
	raw, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	return c.rw.Set(ctx, Key(s.DocumentID, s.SessionDID), raw, ttl).Err()
}

func (c *RedisCache) DeleteSession(ctx context.Context, documentID, sessionDID string) error {
	return c.rw.Del(ctx, Key(documentID, sessionDID), ClientsKey(documentID, sessionDID)).Err()
}

func (c *RedisCache) AddClient(ctx context.Context, documentID, sessionDID string, clientID uuid.UUID) error {
	key := ClientsKey(documentID, sessionDID)
	if err := c.rw.SAdd(ctx, key, clientID.String()).Err(); err != nil {
		return err
	}
	return c.rw.Expire(ctx, key, DefaultTTL).Err()
}

func (c *RedisCache) RemoveClient(ctx context.Context, documentID, sessionDID string, clientID uuid.UUID) error {
	key := ClientsKey(documentID, sessionDID)
	if err := c.rw.SRem(ctx, key, clientID.String()).Err(); err != nil {
		return err
	}
	return c.rw.Expire(ctx, key, DefaultTTL).Err()
}

func (c *RedisCache) Clients(ctx context.Context, documentID, sessionDID string) ([]uuid.UUID, error) {
	members, err := c.rw.SMembers(ctx, ClientsKey(documentID, sessionDID)).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *RedisCache) Publish(ctx context.Context, evt BusEvent) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return c.rw.Publish(ctx, Channel, raw).Err()
}

// Subscribe reconnects with backoff on a dropped connection; during a gap
// local fan-out on each node still works (spec.md §5/§7 graceful
// degradation), since Manager invokes the broadcast handler locally before
// ever touching the bus.
func (c *RedisCache) Subscribe(ctx context.Context) (<-chan BusEvent, error) {
	out := make(chan BusEvent, 64)

	go func() {
		defer close(out)
		backoff := time.Second
		for {
			if ctx.Err() != nil {
				return
			}
			pubsub := c.sub.Subscribe(ctx, Channel)
			ch := pubsub.Channel()
			backoff = time.Second

		consume:
			for {
				select {
				case <-ctx.Done():
					_ = pubsub.Close()
					return
				case msg, ok := <-ch:
					if !ok {
						break consume
					}
					var evt BusEvent
					if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
						c.logger.Warn("discarding malformed bus event", slog.Any("error", err))
						continue
					}
					select {
					case out <- evt:
					case <-ctx.Done():
						_ = pubsub.Close()
						return
					}
				}
			}
			_ = pubsub.Close()
			c.logger.Warn("bus subscription dropped, reconnecting", slog.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()

	return out, nil
}
