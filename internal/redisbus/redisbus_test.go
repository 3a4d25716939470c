package redisbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shaiso/Edgewalker/internal/domain"
	"github.com/shaiso/Edgewalker/internal/redisbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, opts ...redisbus.Option) (*miniredis.Miniredis, *redisbus.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, redisbus.New(client, opts...)
}

func TestBus_Dedup(t *testing.T) {
	mr, bus := setup(t, redisbus.WithPrefix("test:"), redisbus.WithDedupTTL(time.Minute))
	ctx := context.Background()
	key := "run-1/A/completed/1"

	seen, err := bus.Seen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, bus.Mark(ctx, key))
	assert.True(t, mr.Exists("test:callback:"+key))

	seen, err = bus.Seen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)

	// Ключ живёт dedupTTL.
	mr.FastForward(2 * time.Minute)
	seen, err = bus.Seen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen, "key should expire")
}

func TestBus_PublishSubscribe(t *testing.T) {
	_, bus := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runID := uuid.New()
	events, err := bus.Subscribe(ctx, runID)
	require.NoError(t, err)

	all, err := bus.Subscribe(ctx, uuid.Nil)
	require.NoError(t, err)

	other := domain.Event{Type: domain.EventRunStatus, RunID: uuid.New(), Status: domain.StatusRunning}
	require.NoError(t, bus.Publish(ctx, other))

	event := domain.Event{
		Type:    domain.EventNodeStatus,
		RunID:   runID,
		NodeKey: "enrich_2",
		NodeID:  "enrich",
		Status:  domain.StatusCompleted,
	}
	require.NoError(t, bus.Publish(ctx, event))

	select {
	case got := <-events:
		assert.Equal(t, runID, got.RunID, "run channel receives only its run")
		assert.Equal(t, "enrich_2", got.NodeKey)
		assert.Equal(t, domain.StatusCompleted, got.Status)
	case <-ctx.Done():
		t.Fatal("timeout waiting for run event")
	}

	for _, want := range []uuid.UUID{other.RunID, runID} {
		select {
		case got := <-all:
			assert.Equal(t, want, got.RunID)
		case <-ctx.Done():
			t.Fatal("timeout waiting for global event")
		}
	}
}

func TestBus_SubscribeClosesOnCancel(t *testing.T) {
	_, bus := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := bus.Subscribe(ctx, uuid.New())
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
