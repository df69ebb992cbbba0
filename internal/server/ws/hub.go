package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	defaultReplayLimit = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// envelope is the frame every message is wrapped in.
type envelope struct {
	Type     string          `json:"type"`
	StreamID string          `json:"stream_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// receiptHeader is the part of a receipt the hub routes on.
type receiptHeader struct {
	Operation  string         `json:"operation"`
	PositionID uint64         `json:"position_id"`
	From       common.Address `json:"from"`
}

// filter narrows the receipts a client receives. An empty set matches
// everything.
type filter struct {
	positions  map[uint64]bool
	owners     map[common.Address]bool
	operations map[string]bool
}

func newFilter() filter {
	return filter{
		positions:  make(map[uint64]bool),
		owners:     make(map[common.Address]bool),
		operations: make(map[string]bool),
	}
}

func (f filter) matches(h receiptHeader) bool {
	if len(f.positions) > 0 && !f.positions[h.PositionID] {
		return false
	}
	if len(f.owners) > 0 && !f.owners[h.From] {
		return false
	}
	if len(f.operations) > 0 && !f.operations[h.Operation] {
		return false
	}
	return true
}

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  filter
}

// subscribeMsg narrows or widens a client's filter:
//
//	{"action":"subscribe","positions":[3],"operations":["close"]}
//	{"action":"reset"}
type subscribeMsg struct {
	Action     string   `json:"action"` // subscribe, unsubscribe or reset
	Positions  []uint64 `json:"positions"`
	Owners     []string `json:"owners"`
	Operations []string `json:"operations"`
}

// Config describes where receipts come from and what the status frame
// reports.
type Config struct {
	Mode        string
	StartedAt   time.Time
	Channel     string // pub/sub pattern for live receipts
	Stream      string // stream replayed with ?since=
	ReplayLimit int
	Block       func() uint64
}

// Hub fans settlement receipts from the event bus out to WebSocket
// clients. A client connecting with ?since=<stream id> first receives the
// stream backlog after that id ("0" for everything retained).
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.EventBus
	mu         sync.RWMutex
	logger     *slog.Logger
	cfg        Config
}

// NewHub creates a hub reading from bus.
func NewHub(bus domain.EventBus, logger *slog.Logger, cfg Config) *Hub {
	cfg.Mode = strings.TrimSpace(strings.ToLower(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = "unknown"
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = defaultReplayLimit
	}
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		cfg:        cfg,
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled or the
// receipt subscription cannot be established.
func (h *Hub) Run(ctx context.Context) error {
	msgCh, err := h.bus.Subscribe(ctx, h.cfg.Channel)
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "subscribed to receipts", slog.String("channel", h.cfg.Channel))
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", h.clientCount()))

		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("receipt subscription closed")
				msgCh = nil
				continue
			}
			h.fanOut(data)
		}
	}
}

func (h *Hub) fanOut(data []byte) {
	var hdr receiptHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		h.logger.Warn("dropping undecodable receipt", slog.String("error", err.Error()))
		return
	}
	frame, err := json.Marshal(envelope{Type: "receipt", Payload: data})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(hdr) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("dropping message for slow client")
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws?since=<stream id>
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	since := r.URL.Query().Get("since")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		sub:  newFilter(),
	}

	// The backlog is queued before registering so it precedes live frames.
	c.sendStatus()
	if since != "" {
		c.replay(r.Context(), since)
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// replay queues up to ReplayLimit stream entries after since. A receipt
// settled between the read and registration is not delivered live.
func (c *client) replay(ctx context.Context, since string) {
	msgs, err := c.hub.bus.StreamRead(ctx, c.hub.cfg.Stream, since, c.hub.cfg.ReplayLimit)
	if err != nil {
		c.hub.logger.Warn("stream replay failed",
			slog.String("since", since),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, m := range msgs {
		frame, err := json.Marshal(envelope{Type: "receipt", StreamID: m.ID, Payload: m.Payload})
		if err != nil {
			continue
		}
		select {
		case c.send <- frame:
		default:
			c.hub.logger.Warn("replay truncated for slow client", slog.String("stream_id", m.ID))
			return
		}
	}
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
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Action == "reset" {
		c.sub = newFilter()
		return
	}
	add := msg.Action == "subscribe"
	if !add && msg.Action != "unsubscribe" {
		return
	}
	for _, id := range msg.Positions {
		setOrDelete(c.sub.positions, id, add)
	}
	for _, o := range msg.Owners {
		if common.IsHexAddress(o) {
			setOrDelete(c.sub.owners, common.HexToAddress(o), add)
		}
	}
	for _, op := range msg.Operations {
		setOrDelete(c.sub.operations, strings.ToLower(op), add)
	}
}

func setOrDelete[K comparable](m map[K]bool, k K, set bool) {
	if set {
		m[k] = true
	} else {
		delete(m, k)
	}
}

func (c *client) wants(h receiptHeader) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub.matches(h)
}

// sendStatus pushes a status frame so clients can mark the connection
// healthy before the first receipt arrives.
func (c *client) sendStatus() {
	cfg := c.hub.cfg
	uptime := int64(time.Since(cfg.StartedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	status := map[string]any{
		"mode":           cfg.Mode,
		"uptime_seconds": uptime,
	}
	if cfg.Block != nil {
		status["block"] = cfg.Block()
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return
	}
	msg, err := json.Marshal(envelope{Type: "status", Payload: payload})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// writePump sends queued frames as text messages and pings periodically.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
