package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewSignalBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx, "verdicts")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "verdicts", []byte("a")))
	require.NoError(t, bus.Publish(ctx, "other", []byte("b")))

	select {
	case got := <-ch:
		assert.Equal(t, "a", string(got))
	case <-time.After(time.Second):
		t.Fatal("no message")
	}

	cancel()
	for range ch {
	}
}

func TestStream(t *testing.T) {
	ctx := context.Background()
	bus := NewSignalBus()

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, bus.StreamAppend(ctx, "s", []byte(p)))
	}

	all, err := bus.StreamRecent(ctx, "s", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "1-0", all[0].ID)
	assert.Equal(t, "one", string(all[0].Payload))

	empty, err := bus.StreamRecent(ctx, "missing", 5)
	require.NoError(t, err)
	assert.Empty(t, empty)

	recent, err := bus.StreamRecent(ctx, "s", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "two", string(recent[0].Payload))
	assert.Equal(t, "three", string(recent[1].Payload))
}

func TestStreamIsCapped(t *testing.T) {
	ctx := context.Background()
	bus := NewSignalBus()
	for i := 0; i < streamMaxLen+5; i++ {
		require.NoError(t, bus.StreamAppend(ctx, "s", []byte{byte(i)}))
	}
	all, err := bus.StreamRecent(ctx, "s", 0)
	require.NoError(t, err)
	assert.Len(t, all, streamMaxLen)
	assert.Equal(t, "6-0", all[0].ID)
}
