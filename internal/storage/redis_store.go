package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/watch"
)

const mergeAttempts = 5

// RedisStore keeps rides as JSON strings with status and host index sets,
// thread messages in sorted sets, and fans change events out over Pub/Sub so
// every process sharing the Redis sees every write.
type RedisStore struct {
	client *redis.Client
	prefix string
	pubsub *redis.PubSub
	hub    *watch.Hub
	logger *slog.Logger
	now    func() time.Time
}

type RedisOptions struct {
	Addr     string
	Password string
	Prefix   string
}

// NewRedisStore connects, then blocks until the change-feed subscription is
// confirmed so no event published after it returns is missed.
func NewRedisStore(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*RedisStore, error) {
	c := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisStore(ctx, c, opts.Prefix, logger)
}

func newRedisStore(ctx context.Context, c *redis.Client, prefix string, logger *slog.Logger) (*RedisStore, error) {
	r := &RedisStore{
		client: c,
		prefix: prefix,
		hub:    watch.NewHub(),
		logger: logging.OrDefault(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
	r.pubsub = c.Subscribe(ctx, r.changesChannel())
	if _, err := r.pubsub.Receive(ctx); err != nil {
		_ = r.pubsub.Close()
		_ = c.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	go r.forwardChanges()
	return r, nil
}

func (r *RedisStore) forwardChanges() {
	for msg := range r.pubsub.Channel() {
		var ev watch.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			r.logger.Warn("redis_change_decode_failed", "error", err)
			continue
		}
		r.hub.Publish(ev)
	}
}

func (r *RedisStore) Listen(fn func(watch.Event)) func() { return r.hub.Listen(fn) }

func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisStore) Close() error {
	return errors.Join(r.pubsub.Close(), r.client.Close())
}

func (r *RedisStore) rideKey(id string) string { return r.prefix + "ride:" + id }
func (r *RedisStore) statusKey(s models.RideStatus) string { return r.prefix + "rides:status:" + string(s) }
func (r *RedisStore) hostKey(hostID string) string { return r.prefix + "rides:host:" + hostID }
func (r *RedisStore) messageKey(id string) string { return r.prefix + "msg:" + id }
func (r *RedisStore) threadKey(threadID string) string { return r.prefix + "thread:" + threadID }
func (r *RedisStore) typingKey(threadID string) string { return r.prefix + "typing:" + threadID }
func (r *RedisStore) ratingsKey(hostID string) string { return r.prefix + "ratings:" + hostID }
func (r *RedisStore) changesChannel() string { return r.prefix + "changes" }

func (r *RedisStore) notify(ctx context.Context, collection, key string) {
	b, _ := json.Marshal(watch.Event{Collection: collection, Key: key})
	if err := r.client.Publish(ctx, r.changesChannel(), b).Err(); err != nil {
		r.logger.Warn("redis_change_publish_failed", "collection", collection, "key", key, "error", err)
	}
}

func (r *RedisStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return r.readRide(ctx, r.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) readRide(ctx context.Context, g getter, id string) (*models.Ride, error) {
	b, err := g.Get(ctx, r.rideKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ride models.Ride
	if err := json.Unmarshal(b, &ride); err != nil {
		return nil, fmt.Errorf("decode ride %s: %w", id, err)
	}
	return &ride, nil
}

func (r *RedisStore) ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error) {
	return r.ridesInSet(ctx, r.statusKey(status))
}

func (r *RedisStore) ListRidesByHost(ctx context.Context, hostID string) ([]*models.Ride, error) {
	return r.ridesInSet(ctx, r.hostKey(hostID))
}

func (r *RedisStore) ridesInSet(ctx context.Context, set string) ([]*models.Ride, error) {
	ids, err := r.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*models.Ride, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.rideKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// index entry outlived its document
			continue
		}
		var ride models.Ride
		if err := json.Unmarshal([]byte(s), &ride); err != nil {
			return nil, fmt.Errorf("decode ride %s: %w", ids[i], err)
		}
		out = append(out, &ride)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *RedisStore) MergeRide(ctx context.Context, id string, apply func(r *models.Ride)) (*models.Ride, error) {
	key := r.rideKey(id)
	var merged *models.Ride
	for i := 0; i < mergeAttempts; i++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			now := r.now()
			cur, err := r.readRide(ctx, tx, id)
			if errors.Is(err, ErrNotFound) {
				cur = nil
			} else if err != nil {
				return err
			}
			next := cur.Clone()
			if next == nil {
				next = &models.Ride{ID: id, CreatedAt: now}
			}
			version := next.Version
			apply(next)
			next.ID = id
			next.Version = version + 1
			next.UpdatedAt = now
			if err := r.writeRide(ctx, tx, cur, next); err != nil {
				return err
			}
			merged = next
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		r.notify(ctx, CollectionRides, id)
		return merged, nil
	}
	return nil, fmt.Errorf("merge ride %s: %w", id, redis.TxFailedErr)
}

func (r *RedisStore) UpdateRide(ctx context.Context, ride *models.Ride) error {
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := r.readRide(ctx, tx, ride.ID)
		if err != nil {
			return err
		}
		if cur.Version != ride.Version {
			return ErrVersionConflict
		}
		next := ride.Clone()
		next.Version++
		next.UpdatedAt = r.now()
		if err := r.writeRide(ctx, tx, cur, next); err != nil {
			return err
		}
		ride.Version = next.Version
		ride.UpdatedAt = next.UpdatedAt
		return nil
	}, r.rideKey(ride.ID))
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}
	r.notify(ctx, CollectionRides, ride.ID)
	return nil
}

// writeRide stores next and moves its index entries away from cur's.
func (r *RedisStore) writeRide(ctx context.Context, tx *redis.Tx, cur, next *models.Ride) error {
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.rideKey(next.ID), b, 0)
		if cur != nil && cur.Status != next.Status && cur.Status != "" {
			pipe.SRem(ctx, r.statusKey(cur.Status), next.ID)
		}
		if next.Status != "" {
			pipe.SAdd(ctx, r.statusKey(next.Status), next.ID)
		}
		if cur != nil && cur.HostID != next.HostID && cur.HostID != "" {
			pipe.SRem(ctx, r.hostKey(cur.HostID), next.ID)
		}
		if next.HostID != "" {
			pipe.SAdd(ctx, r.hostKey(next.HostID), next.ID)
		}
		return nil
	})
	return err
}

func (r *RedisStore) AddMessage(ctx context.Context, m *models.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.messageKey(m.ID), b, 0)
		pipe.ZAdd(ctx, r.threadKey(m.ThreadID), redis.Z{Score: float64(m.CreatedAt.UnixMilli()), Member: m.ID})
		return nil
	})
	if err != nil {
		return err
	}
	r.notify(ctx, CollectionMessages, m.ThreadID)
	return nil
}

func (r *RedisStore) ListThread(ctx context.Context, threadID string) ([]models.Message, error) {
	ids, err := r.client.ZRange(ctx, r.threadKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.messageKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var m models.Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	sortMessages(out)
	return out, nil
}

func (r *RedisStore) SetMessageStatus(ctx context.Context, id string, status models.MessageStatus) error {
	b, err := r.client.Get(ctx, r.messageKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var m models.Message
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("decode message %s: %w", id, err)
	}
	m.Status = status
	if b, err = json.Marshal(m); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.messageKey(id), b, 0).Err(); err != nil {
		return err
	}
	r.notify(ctx, CollectionMessages, m.ThreadID)
	return nil
}

func (r *RedisStore) SetTyping(ctx context.Context, t models.Typing) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.typingKey(t.ThreadID), t.UserID, b).Err(); err != nil {
		return err
	}
	r.notify(ctx, CollectionTyping, t.ThreadID)
	return nil
}

func (r *RedisStore) ListTyping(ctx context.Context, threadID string) ([]models.Typing, error) {
	m, err := r.client.HGetAll(ctx, r.typingKey(threadID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Typing, 0, len(m))
	for _, v := range m {
		var t models.Typing
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("decode typing: %w", err)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *RedisStore) AddRating(ctx context.Context, rt *models.Rating) error {
	b, err := json.Marshal(rt)
	if err != nil {
		return err
	}
	if err := r.client.RPush(ctx, r.ratingsKey(rt.HostID), b).Err(); err != nil {
		return err
	}
	r.notify(ctx, CollectionRatings, rt.HostID)
	return nil
}

func (r *RedisStore) ListHostRatings(ctx context.Context, hostID string) ([]models.Rating, error) {
	vals, err := r.client.LRange(ctx, r.ratingsKey(hostID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Rating, 0, len(vals))
	for _, v := range vals {
		var rt models.Rating
		if err := json.Unmarshal([]byte(v), &rt); err != nil {
			return nil, fmt.Errorf("decode rating: %w", err)
		}
		out = append(out, rt)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
