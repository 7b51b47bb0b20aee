package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

const (
	// defaultRoomTTL bounds how long an idle room's signals are kept.
	defaultRoomTTL = 24 * time.Hour
	// defaultRetention prunes records older than this on every insert.
	defaultRetention = 10 * time.Minute
)

// RedisStore keeps each room's records in a sorted set scored by createdAt
// and announces changes on a per-room pub/sub channel. Watchers re-run
// their query whenever the channel fires.
type RedisStore struct {
	client    redis.UniversalClient
	roomTTL   time.Duration
	retention time.Duration
	now       func() time.Time
	log       logging.LeveledLogger
}

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	Client redis.UniversalClient

	// RoomTTL is refreshed on every insert. Zero means 24h.
	RoomTTL time.Duration

	// Retention drops records older than this. Zero means 10m.
	Retention time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewRedisStore creates a store on top of an existing Redis client.
func NewRedisStore(cfg RedisStoreConfig) *RedisStore {
	s := &RedisStore{
		client:    cfg.Client,
		roomTTL:   cfg.RoomTTL,
		retention: cfg.Retention,
		now:       time.Now,
	}
	if s.roomTTL == 0 {
		s.roomTTL = defaultRoomTTL
	}
	if s.retention == 0 {
		s.retention = defaultRetention
	}
	if cfg.LoggerFactory != nil {
		s.log = cfg.LoggerFactory.NewLogger("store")
	}
	return s
}

func signalsKey(roomID string) string { return "signals:" + roomID }
func changesChannel(roomID string) string { return "signals:" + roomID + ":changed" }

// Insert stores rec, prunes expired records and notifies watchers.
func (s *RedisStore) Insert(ctx context.Context, rec Record) (Record, error) {
	now := s.now()
	rec.ID = uuid.NewString()
	rec.CreatedAt = now.UnixMilli()

	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal record: %w", err)
	}

	key := signalsKey(rec.RoomID)
	cutoff := strconv.FormatInt(now.Add(-s.retention).UnixMilli(), 10)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(rec.CreatedAt), Member: data})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
		pipe.Expire(ctx, key, s.roomTTL)
		pipe.Publish(ctx, changesChannel(rec.RoomID), rec.ID)
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("insert record: %w", err)
	}

	if s.log != nil {
		s.log.Debugf("stored %s %s -> %s in %s", rec.Payload.Type, rec.FromUserID, stringOrBroadcast(rec.ToUserID), rec.RoomID)
	}
	return rec, nil
}

// Watch subscribes to the room's change channel and re-evaluates q on
// every notification.
func (s *RedisStore) Watch(ctx context.Context, q Query) (<-chan Result, error) {
	sub := s.client.Subscribe(ctx, changesChannel(q.RoomID))

	// Wait for the subscription to be confirmed so no change published
	// after this point is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", q.RoomID, err)
	}

	out := make(chan Result, 1)
	go func() {
		defer close(out)
		defer sub.Close()

		changes := sub.Channel()
		for {
			records, err := s.query(ctx, q)
			if ctx.Err() != nil {
				return
			}
			if !deliver(ctx, out, Result{Records: records, Err: err}) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) query(ctx context.Context, q Query) ([]Record, error) {
	raw, err := s.client.ZRangeByScore(ctx, signalsKey(q.RoomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(q.Since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.RoomID, err)
	}

	records := make([]Record, 0, len(raw))
	for _, member := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(member), &rec); err != nil {
			if s.log != nil {
				s.log.Warnf("skipping undecodable record in %s: %v", q.RoomID, err)
			}
			continue
		}
		records = append(records, rec)
	}
	return filterRecords(records, q), nil
}

func stringOrBroadcast(to *string) string {
	if to == nil {
		return "*"
	}
	return *to
}
