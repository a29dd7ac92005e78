package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	xerrors "OpenAgent-Hub/internal/errors"
)

func newRedisChannel(t *testing.T) (*RedisChannel, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), ContextTimeoutEnabled: true})
	ch := NewRedisChannelWithClient(client, RedisConfig{Prefix: "test", BlockWait: time.Second})
	t.Cleanup(func() { _ = ch.Close() })
	return ch, srv
}

func TestRedisChannelRoundTrip(t *testing.T) {
	ch, _ := newRedisChannel(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() {
		served <- ch.Serve(ctx, "sec-1", func(ctx context.Context, msg Message) (json.RawMessage, error) {
			if msg.Action == "fail" {
				return nil, xerrors.New(xerrors.CodeSafetyBlocked, "blocked")
			}
			return json.RawMessage(`{"ok":true}`), nil
		})
	}()

	msg := request("sec-1")
	msg.Timeout = 3 * time.Second
	resp, err := ch.Send(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, TypeResponse, resp.Type)
	require.Equal(t, msg.ID, resp.CorrelationID)
	require.JSONEq(t, `{"ok":true}`, string(resp.Payload))

	failing := request("sec-1")
	failing.Action = "fail"
	failing.Timeout = 3 * time.Second
	_, err = ch.Send(context.Background(), failing)
	require.True(t, xerrors.IsCode(err, xerrors.CodeSafetyBlocked), "got %v", err)

	cancel()
	select {
	case <-served:
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not stop")
	}
}

func TestRedisChannelTimesOutWithoutServer(t *testing.T) {
	ch, _ := newRedisChannel(t)
	msg := request("nobody")
	msg.Timeout = time.Second

	_, err := ch.Send(context.Background(), msg)
	require.True(t, xerrors.IsCode(err, xerrors.CodeStepTimeout), "got %v", err)
}

func TestRedisChannelSubSecondTimeoutIsNotRoundedUp(t *testing.T) {
	ch, _ := newRedisChannel(t)
	msg := request("nobody")
	msg.Timeout = 150 * time.Millisecond

	start := time.Now()
	_, err := ch.Send(context.Background(), msg)
	require.True(t, xerrors.IsCode(err, xerrors.CodeStepTimeout), "got %v", err)
	require.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestRedisChannelEventIsFireAndForget(t *testing.T) {
	ch, srv := newRedisChannel(t)
	evt := NewMessage("orchestrator", "audit-1", TypeEvent, json.RawMessage(`{}`))
	resp, err := ch.Send(context.Background(), evt)
	require.NoError(t, err)
	require.Nil(t, resp)

	items, err := srv.List("test:inbox:audit-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
}
