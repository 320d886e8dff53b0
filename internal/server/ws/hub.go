package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/circuitbreaker/internal/codec"
	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// envelope is the frame format sent to clients.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// subscribeMsg narrows the verdicts a client receives. Empty lists match
// everything.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "reset"
	Solvers  []string `json:"solvers"`
	Statuses []string `json:"statuses"`
}

// filter is a client's current subscription.
type filter struct {
	solvers  map[common.Address]bool
	statuses map[domain.VerdictStatus]bool
}

func (f filter) match(v domain.Verdict) bool {
	if len(f.solvers) > 0 && !f.solvers[v.Solver] {
		return false
	}
	if len(f.statuses) > 0 && !f.statuses[v.Status] {
		return false
	}
	return true
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	filter filter
}

// Config describes the process reported in the status frame sent on connect.
// Backlog is the number of recent verdicts replayed from the verdict stream
// to a new client; zero disables the replay.
type Config struct {
	Mode      string
	StartedAt time.Time
	Backlog   int
}

// Hub fans verdicts published on the signal bus out to WebSocket clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan domain.Verdict
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	mu         sync.RWMutex
	closed     bool
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
	backlog    int
}

// NewHub creates a Hub reading verdicts from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan domain.Verdict, 256),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws")),
		mode:       mode,
		startedAt:  startedAt,
		backlog:    min(max(cfg.Backlog, 0), sendBufferSize-1),
	}
}

// Run subscribes to the verdict channel and serves clients until ctx is
// cancelled. All client connections are closed on return.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	msgCh, err := h.bus.Subscribe(ctx, domain.VerdictChannel)
	if err != nil {
		return err
	}
	h.logger.Info("ws: subscribed", slog.String("channel", domain.VerdictChannel))
	go h.forward(ctx, msgCh)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", h.clientCount()))

		case v := <-h.broadcast:
			frame, err := verdictFrame(v)
			if err != nil {
				h.logger.Error("ws: encode verdict", slog.String("error", err.Error()))
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(v) {
					continue
				}
				select {
				case c.send <- frame:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// forward decodes bus payloads and hands them to the run loop.
func (h *Hub) forward(ctx context.Context, msgCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				return
			}
			v, err := codec.UnmarshalVerdict(data)
			if err != nil {
				h.logger.Warn("ws: skipping malformed verdict", slog.String("error", err.Error()))
				continue
			}
			select {
			case h.broadcast <- v:
			case <-ctx.Done():
				return
			}
		}
	}
}

func verdictFrame(v domain.Verdict) ([]byte, error) {
	raw, err := codec.MarshalVerdict(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: "verdict", Payload: json.RawMessage(raw)})
}

// HandleWS upgrades the request and registers the client. Connections
// arriving after Run returned are closed immediately.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	c.sendStatus()
	c.sendBacklog(r.Context())

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client connected", slog.Int("total_clients", total))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) wants(v domain.Verdict) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.match(v)
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err != nil {
			c.enqueue(envelope{Type: "error", Payload: "malformed message"})
			continue
		}
		c.handleSubscription(sub)
	}
}

// handleSubscription replaces the client's filter and acknowledges it.
func (c *client) handleSubscription(msg subscribeMsg) {
	var f filter
	switch msg.Action {
	case "subscribe":
		f.solvers = make(map[common.Address]bool, len(msg.Solvers))
		for _, s := range msg.Solvers {
			if !common.IsHexAddress(s) {
				c.enqueue(envelope{Type: "error", Payload: "invalid solver address " + s})
				return
			}
			f.solvers[common.HexToAddress(s)] = true
		}
		f.statuses = make(map[domain.VerdictStatus]bool, len(msg.Statuses))
		for _, s := range msg.Statuses {
			f.statuses[domain.VerdictStatus(strings.ToLower(s))] = true
		}
	case "reset":
	default:
		c.enqueue(envelope{Type: "error", Payload: "unknown action " + msg.Action})
		return
	}

	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()

	c.enqueue(envelope{Type: "subscribed", Payload: map[string]any{
		"solvers":  len(f.solvers),
		"statuses": len(f.statuses),
	}})
}

// sendStatus lets clients mark the connection healthy before any verdict
// arrives. It runs before the client is registered.
func (c *client) sendStatus() {
	uptime := max(int64(time.Since(c.hub.startedAt).Seconds()), 0)
	msg, err := json.Marshal(envelope{Type: "status", Payload: map[string]any{
		"mode":           c.hub.mode,
		"uptime_seconds": uptime,
		"channel":        domain.VerdictChannel,
	}})
	if err != nil {
		return
	}
	c.send <- msg
}

// sendBacklog replays the newest verdicts of the verdict stream, oldest
// first, as "backlog" frames. Like sendStatus it runs before registration and
// never sends more than the buffer holds.
func (c *client) sendBacklog(ctx context.Context) {
	if c.hub.backlog == 0 {
		return
	}
	msgs, err := c.hub.bus.StreamRecent(ctx, domain.VerdictStream, c.hub.backlog)
	if err != nil {
		c.hub.logger.WarnContext(ctx, "ws: read verdict backlog", slog.String("error", err.Error()))
		return
	}
	for _, m := range msgs {
		if _, err := codec.UnmarshalVerdict(m.Payload); err != nil {
			continue
		}
		frame, err := json.Marshal(envelope{Type: "backlog", Payload: json.RawMessage(m.Payload)})
		if err != nil {
			continue
		}
		c.send <- frame
	}
}

// enqueue sends a frame unless the client is gone or its buffer is full.
func (c *client) enqueue(e envelope) {
	msg, err := json.Marshal(e)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
