package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func receiveWithin(t *testing.T, ch <-chan struct{}, within time.Duration) bool {
	t.Helper()
	select {
	case <-ch:
		return true
	case <-time.After(within):
		return false
	}
}

func TestResultNotifierSignalsLocalSubscribers(t *testing.T) {
	notifier := NewResultNotifier(nil, "", nil, zerolog.Nop())
	id := uuid.New()

	first, cancelFirst := notifier.Subscribe(id)
	defer cancelFirst()
	other, cancelOther := notifier.Subscribe(uuid.New())
	defer cancelOther()

	notifier.Notify(context.Background(), id)
	require.True(t, receiveWithin(t, first, time.Second))
	require.False(t, receiveWithin(t, other, 50*time.Millisecond))
}

func TestResultNotifierUnsubscribeClosesChannel(t *testing.T) {
	notifier := NewResultNotifier(nil, "", nil, zerolog.Nop())
	ch, cancel := notifier.Subscribe(uuid.New())
	cancel()
	cancel()

	_, open := <-ch
	require.False(t, open)
}

func TestResultNotifierFansOutThroughRedis(t *testing.T) {
	server := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newClient := func() *redis.Client {
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return client
	}

	publisher := NewResultNotifier(newClient(), "grader", nil, zerolog.Nop())
	receiver := NewResultNotifier(newClient(), "grader", nil, zerolog.Nop())
	publisher.Start(ctx)
	receiver.Start(ctx)

	id := uuid.New()
	remote, unsubscribe := receiver.Subscribe(id)
	defer unsubscribe()

	publisher.Notify(ctx, id)
	require.True(t, receiveWithin(t, remote, 2*time.Second))
}
