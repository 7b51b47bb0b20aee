package presence

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/redis/go-redis/v9"

	"tablecam/native/internal/domain"
)

// Compile-time interface check.
var _ domain.PresenceFeed = (*Feed)(nil)

const (
	defaultTTL       = 30 * time.Second
	defaultHeartbeat = 10 * time.Second
	roomKeyTTL       = 24 * time.Hour
)

// Feed tracks who is in a room with a Redis set of peer IDs plus one
// heartbeat key per peer. A member whose heartbeat key expired is treated
// as gone and pruned from the set.
type Feed struct {
	client    redis.UniversalClient
	ttl       time.Duration
	heartbeat time.Duration
	log       logging.LeveledLogger

	mu    sync.Mutex
	beats map[string]context.CancelFunc
}

// Config configures a Feed.
type Config struct {
	Client redis.UniversalClient

	// TTL of a peer's heartbeat key. Zero means 30s.
	TTL time.Duration

	// HeartbeatInterval refreshes the key and re-reads the room. Zero
	// means 10s.
	HeartbeatInterval time.Duration

	LoggerFactory logging.LoggerFactory
}

// New creates a presence feed.
func New(cfg Config) *Feed {
	f := &Feed{
		client:    cfg.Client,
		ttl:       cfg.TTL,
		heartbeat: cfg.HeartbeatInterval,
		beats:     make(map[string]context.CancelFunc),
	}
	if f.ttl == 0 {
		f.ttl = defaultTTL
	}
	if f.heartbeat == 0 {
		f.heartbeat = defaultHeartbeat
	}
	if cfg.LoggerFactory != nil {
		f.log = cfg.LoggerFactory.NewLogger("presence")
	}
	return f
}

func peersKey(roomID string) string { return "room:" + roomID + ":peers" }
func aliveKey(roomID, peerID string) string { return "room:" + roomID + ":alive:" + peerID }
func changesChannel(roomID string) string { return "room:" + roomID + ":presence" }

func beatKey(roomID, peerID string) string { return roomID + "/" + peerID }

// Join adds peerID to the room and keeps its heartbeat alive until Leave
// or until ctx is done.
func (f *Feed) Join(ctx context.Context, roomID, peerID string) error {
	if err := f.touch(ctx, roomID, peerID, true); err != nil {
		return err
	}

	beatCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	if prev, ok := f.beats[beatKey(roomID, peerID)]; ok {
		prev()
	}
	f.beats[beatKey(roomID, peerID)] = cancel
	f.mu.Unlock()

	go f.beat(beatCtx, roomID, peerID)

	if f.log != nil {
		f.log.Infof("joined room %s as %s", roomID, peerID)
	}
	return nil
}

// Leave stops the heartbeat and removes peerID from the room.
func (f *Feed) Leave(ctx context.Context, roomID, peerID string) error {
	f.mu.Lock()
	if cancel, ok := f.beats[beatKey(roomID, peerID)]; ok {
		cancel()
		delete(f.beats, beatKey(roomID, peerID))
	}
	f.mu.Unlock()

	_, err := f.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, peersKey(roomID), peerID)
		pipe.Del(ctx, aliveKey(roomID, peerID))
		pipe.Publish(ctx, changesChannel(roomID), peerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("leave %s: %w", roomID, err)
	}

	if f.log != nil {
		f.log.Infof("left room %s", roomID)
	}
	return nil
}

// Watch emits the sorted remote peers of roomID, excluding peerID, on
// start and after every change. Expired members are noticed on the next
// heartbeat interval. The channel is closed when ctx is done.
func (f *Feed) Watch(ctx context.Context, roomID, peerID string) (<-chan []string, error) {
	sub := f.client.Subscribe(ctx, changesChannel(roomID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe presence %s: %w", roomID, err)
	}

	out := make(chan []string, 1)
	go func() {
		defer close(out)
		defer sub.Close()

		changes := sub.Channel()
		ticker := time.NewTicker(f.heartbeat)
		defer ticker.Stop()

		var last []string
		first := true
		for {
			peers, err := f.members(ctx, roomID)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if f.log != nil {
					f.log.Warnf("%v", err)
				}
			} else {
				peers = slices.DeleteFunc(peers, func(p string) bool { return p == peerID })
				if first || !slices.Equal(peers, last) {
					first = false
					last = peers
					select {
					case out <- slices.Clone(peers):
					case <-ctx.Done():
						return
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// Members returns every live peer of roomID in sorted order.
func (f *Feed) Members(ctx context.Context, roomID string) ([]string, error) {
	return f.members(ctx, roomID)
}

func (f *Feed) members(ctx context.Context, roomID string) ([]string, error) {
	ids, err := f.client.SMembers(ctx, peersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence %s: %w", roomID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := f.client.Pipeline()
	alive := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		alive[i] = pipe.Exists(ctx, aliveKey(roomID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read presence %s: %w", roomID, err)
	}

	var live, stale []string
	for i, id := range ids {
		if alive[i].Val() > 0 {
			live = append(live, id)
		} else {
			stale = append(stale, id)
		}
	}

	if len(stale) > 0 {
		if f.log != nil {
			f.log.Debugf("pruning %d expired peers from %s", len(stale), roomID)
		}
		members := make([]any, len(stale))
		for i, id := range stale {
			members[i] = id
		}
		if err := f.client.SRem(ctx, peersKey(roomID), members...).Err(); err != nil && f.log != nil {
			f.log.Warnf("prune presence %s: %v", roomID, err)
		}
	}

	slices.Sort(live)
	return live, nil
}

// touch refreshes the heartbeat key. announce also publishes a change.
func (f *Feed) touch(ctx context.Context, roomID, peerID string, announce bool) error {
	_, err := f.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, peersKey(roomID), peerID)
		pipe.Expire(ctx, peersKey(roomID), roomKeyTTL)
		pipe.Set(ctx, aliveKey(roomID, peerID), time.Now().UnixMilli(), f.ttl)
		if announce {
			pipe.Publish(ctx, changesChannel(roomID), peerID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	return nil
}

func (f *Feed) beat(ctx context.Context, roomID, peerID string) {
	ticker := time.NewTicker(f.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.touch(ctx, roomID, peerID, false); err != nil && ctx.Err() == nil && f.log != nil {
				f.log.Warnf("heartbeat: %v", err)
			}
		}
	}
}
