// Package memory provides in-process stand-ins for the Redis backends, used
// when a single checker runs without Redis.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

// streamMaxLen bounds each in-memory stream.
const streamMaxLen = 1000

// SignalBus implements domain.SignalBus inside one process. Publish never
// blocks: a subscriber whose buffer is full misses the message.
type SignalBus struct {
	mu      sync.Mutex
	subs    map[string]map[chan []byte]struct{}
	streams map[string][]domain.StreamMessage
	seq     uint64
}

// NewSignalBus creates an empty SignalBus.
func NewSignalBus() *SignalBus {
	return &SignalBus{
		subs:    make(map[string]map[chan []byte]struct{}),
		streams: make(map[string][]domain.StreamMessage),
	}
}

// Publish delivers a copy of payload to current subscribers of channel.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of payloads published to channel until ctx is
// done, after which the channel is closed.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// StreamAppend appends payload to stream, dropping the oldest entries beyond
// streamMaxLen. IDs increase monotonically across streams.
func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10) + "-0",
		Payload: append([]byte(nil), payload...),
	})
	if len(msgs) > streamMaxLen {
		msgs = msgs[len(msgs)-streamMaxLen:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRecent returns the newest count entries of stream, oldest first. A
// count of zero or less returns the whole stream.
func (b *SignalBus) StreamRecent(_ context.Context, stream string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.streams[stream]
	if count > 0 && len(msgs) > count {
		msgs = msgs[len(msgs)-count:]
	}
	return append([]domain.StreamMessage(nil), msgs...), nil
}

// Compile-time interface check.
var _ domain.SignalBus = (*SignalBus)(nil)
