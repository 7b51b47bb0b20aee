package signal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablecam/native/internal/domain"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	addr := os.Getenv("TABLECAM_TEST_REDIS")
	if addr == "" {
		t.Skip("TABLECAM_TEST_REDIS not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	return NewRedisStore(RedisStoreConfig{Client: client})
}

func TestRedisStore_SubscriptionSeesLaterInserts(t *testing.T) {
	store := newTestRedisStore(t)
	tr := NewTransport(TransportConfig{Store: store})
	room := "test-" + uuid.NewString()

	first := offer("a", "b")
	first.RoomID = room
	require.NoError(t, tr.Send(context.Background(), first))

	h := &recordingHandler{}
	sub, err := tr.Subscribe(context.Background(), room, "b", h)
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-sub.Initialized():
	case <-time.After(3 * time.Second):
		t.Fatal("subscription never initialized")
	}

	c := candidate("a", "", "candidate:1 1 udp 1 10.0.0.1 5000 typ host")
	c.RoomID = room
	require.NoError(t, tr.Send(context.Background(), c))

	own := offer("b", "a")
	own.RoomID = room
	require.NoError(t, tr.Send(context.Background(), own))

	require.Eventually(t, func() bool {
		signals, _, _ := h.snapshot()
		return len(signals) == 2
	}, 3*time.Second, 20*time.Millisecond)

	signals, errs, _ := h.snapshot()
	assert.Empty(t, errs)
	assert.Equal(t, domain.SignalOffer, signals[0].Type)
	assert.Equal(t, domain.SignalICECandidate, signals[1].Type)
	assert.True(t, signals[1].Broadcast())
}
