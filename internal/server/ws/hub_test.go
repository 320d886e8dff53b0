package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alanyoungcy/circuitbreaker/internal/cache/memory"
	"github.com/alanyoungcy/circuitbreaker/internal/codec"
	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

var (
	solverA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	solverB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func publish(t *testing.T, bus domain.SignalBus, v domain.Verdict) {
	t.Helper()
	data, err := codec.MarshalVerdict(v)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), domain.VerdictChannel, data))
}

// readyBus reports when the hub has subscribed.
type readyBus struct {
	*memory.SignalBus
	ready chan struct{}
}

func (b *readyBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch, err := b.SignalBus.Subscribe(ctx, channel)
	close(b.ready)
	return ch, err
}

func startHub(t *testing.T) (*readyBus, *httptest.Server, func()) {
	t.Helper()
	return startHubWith(t, memory.NewSignalBus(), Config{Mode: "Serve"})
}

func startHubWith(t *testing.T, inner *memory.SignalBus, cfg Config) (*readyBus, *httptest.Server, func()) {
	t.Helper()
	bus := &readyBus{SignalBus: inner, ready: make(chan struct{})}
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- hub.Run(ctx) }()
	<-bus.ready

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	return bus, srv, func() {
		cancel()
		assert.ErrorIs(t, <-runDone, context.Canceled)
		srv.Close()
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	return conn
}

func TestHubSendsStatusOnConnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, srv, stop := startHub(t)
	defer stop()

	conn := dial(t, srv)
	defer conn.Close()

	f := readFrame(t, conn)
	assert.Equal(t, "status", f.Type)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	assert.Equal(t, "serve", payload["mode"])
	assert.Equal(t, domain.VerdictChannel, payload["channel"])
}

func TestHubReplaysBacklogOnConnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	inner := memory.NewSignalBus()
	for _, id := range []string{"1", "2", "3"} {
		data, err := codec.MarshalVerdict(domain.Verdict{ID: id, Solver: solverA, Status: domain.VerdictPassed})
		require.NoError(t, err)
		require.NoError(t, inner.StreamAppend(context.Background(), domain.VerdictStream, data))
	}
	require.NoError(t, inner.StreamAppend(context.Background(), domain.VerdictStream, []byte("garbage")))

	bus, srv, stop := startHubWith(t, inner, Config{Mode: "serve", Backlog: 3})
	defer stop()

	conn := dial(t, srv)
	defer conn.Close()
	require.Equal(t, "status", readFrame(t, conn).Type)

	var ids []string
	for range 2 {
		f := readFrame(t, conn)
		require.Equal(t, "backlog", f.Type)
		v, err := codec.UnmarshalVerdict(f.Payload)
		require.NoError(t, err)
		ids = append(ids, v.ID)
	}
	assert.Equal(t, []string{"2", "3"}, ids)

	publish(t, bus, domain.Verdict{ID: "4", Solver: solverB, Status: domain.VerdictInvalid})
	f := readFrame(t, conn)
	require.Equal(t, "verdict", f.Type)
	v, err := codec.UnmarshalVerdict(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, "4", v.ID)
}

func TestHubWithoutBacklogSendsOnlyLiveVerdicts(t *testing.T) {
	defer goleak.VerifyNone(t)
	inner := memory.NewSignalBus()
	data, err := codec.MarshalVerdict(domain.Verdict{ID: "old", Status: domain.VerdictPassed})
	require.NoError(t, err)
	require.NoError(t, inner.StreamAppend(context.Background(), domain.VerdictStream, data))

	bus, srv, stop := startHubWith(t, inner, Config{Mode: "serve"})
	defer stop()

	conn := dial(t, srv)
	defer conn.Close()
	require.Equal(t, "status", readFrame(t, conn).Type)

	publish(t, bus, domain.Verdict{ID: "new", Status: domain.VerdictPassed})
	f := readFrame(t, conn)
	require.Equal(t, "verdict", f.Type)
	v, err := codec.UnmarshalVerdict(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, "new", v.ID)
}

func TestHubFiltersVerdicts(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus, srv, stop := startHub(t)
	defer stop()

	conn := dial(t, srv)
	defer conn.Close()
	require.Equal(t, "status", readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(subscribeMsg{
		Action:   "subscribe",
		Solvers:  []string{solverA.Hex()},
		Statuses: []string{"INVALID"},
	}))
	require.Equal(t, "subscribed", readFrame(t, conn).Type)

	publish(t, bus, domain.Verdict{ID: "1", Solver: solverB, Status: domain.VerdictInvalid})
	publish(t, bus, domain.Verdict{ID: "2", Solver: solverA, Status: domain.VerdictPassed})
	publish(t, bus, domain.Verdict{ID: "3", Solver: solverA, Status: domain.VerdictInvalid, Reason: "score"})

	f := readFrame(t, conn)
	require.Equal(t, "verdict", f.Type)
	v, err := codec.UnmarshalVerdict(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, "3", v.ID)
	assert.Equal(t, solverA, v.Solver)
}

func TestHubRejectsBadSubscription(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, srv, stop := startHub(t)
	defer stop()

	conn := dial(t, srv)
	defer conn.Close()
	require.Equal(t, "status", readFrame(t, conn).Type)

	for _, msg := range []string{`not json`, `{"action":"dance"}`, `{"action":"subscribe","solvers":["0x12"]}`} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		assert.Equal(t, "error", readFrame(t, conn).Type, msg)
	}
}

func TestFilterMatch(t *testing.T) {
	v := domain.Verdict{Solver: solverA, Status: domain.VerdictInvalid}

	assert.True(t, filter{}.match(v))
	assert.True(t, filter{solvers: map[common.Address]bool{solverA: true}}.match(v))
	assert.False(t, filter{solvers: map[common.Address]bool{solverB: true}}.match(v))
	assert.False(t, filter{statuses: map[domain.VerdictStatus]bool{domain.VerdictPassed: true}}.match(v))
}
