package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBusSendAndSubscribeRoundTrip(t *testing.T) {
	bus := NewBus(testLogger(), 0)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, "topic-a")
	require.NoError(t, err)

	require.NoError(t, bus.Send("topic-a", "get_data", GetData{ModelDID: "did:iotics:iotModel"}))

	select {
	case msg := <-sub:
		got, err := Decode[GetData](msg)
		require.NoError(t, err)
		require.Equal(t, "did:iotics:iotModel", got.ModelDID)
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestBusSendAfterDelaysDelivery(t *testing.T) {
	bus := NewBus(testLogger(), 0)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, "topic-b")
	require.NoError(t, err)

	start := time.Now()
	bus.SendAfter(100*time.Millisecond, "topic-b", "cleanup", Cleanup{CleanupInterval: time.Minute})

	select {
	case msg := <-sub:
		require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delayed message")
	}
}

func TestRunActorDispatchesByKindAndRecoversPanics(t *testing.T) {
	bus := NewBus(testLogger(), 0)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, "topic-c")
	require.NoError(t, err)

	handled := make(chan string, 2)

	table := map[string]dispatchFunc{
		"boom": Bind(testLogger(), func(p *GetData) error {
			panic("boom")
		}),
		"ok": Bind(testLogger(), func(p *GetData) error {
			handled <- p.ModelDID
			return nil
		}),
	}

	go runActor(testLogger(), sub, table)

	require.NoError(t, bus.Send("topic-c", "unknown-kind", GetData{ModelDID: "ignored"}))
	require.NoError(t, bus.Send("topic-c", "boom", GetData{ModelDID: "panics"}))
	require.NoError(t, bus.Send("topic-c", "ok", GetData{ModelDID: "survived"}))

	select {
	case model := <-handled:
		require.Equal(t, "survived", model)
	case <-time.After(time.Second):
		t.Fatal("actor loop did not survive the panicking handler")
	}
}
