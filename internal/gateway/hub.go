// Package gateway fans confirmed and live MACD results out to websocket clients.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"macd-systemv1/internal/logger"
	"macd-systemv1/internal/model"
)

// Envelope types sent to clients.
const (
	TypeMACD       = "macd"       // confirmed result, sequenced per symbol
	TypeLive       = "live"       // preview result, never cached or sequenced
	TypeSubscribed = "subscribed" // acknowledgement of the current symbol set
	TypePong       = "pong"
	TypeError      = "error"
)

// Envelope is one websocket message.
type Envelope struct {
	Type     string            `json:"type"`
	Symbol   string            `json:"symbol,omitempty"`
	Seq      int64             `json:"seq,omitempty"` // per-symbol, for gap detection
	Initial  bool              `json:"initial,omitempty"`
	Data     *model.MACDResult `json:"data,omitempty"`
	Symbols  []string          `json:"symbols,omitempty"`
	Ping     int64             `json:"ping,omitempty"`
	ServerTS int64             `json:"server_ts,omitempty"`
	Error    string            `json:"error,omitempty"`
}

var _ model.ResultWriter = (*Hub)(nil)

type latestEntry struct {
	Seq    int64
	Result model.MACDResult
}

// Hub tracks websocket clients and the last confirmed result per symbol.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	latest  map[string]latestEntry
	replay  map[string]*ReplayBuffer

	replaySize int
	upgrader   websocket.Upgrader
	log        *slog.Logger

	OnClients func(n int) // client count changed
	OnDrop    func()      // a message was dropped for a slow client
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		latest:     make(map[string]latestEntry),
		replay:     make(map[string]*ReplayBuffer),
		replaySize: 500,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logger.Component(log, "gateway"),
	}
}

// PublishBatch publishes every result in order.
func (h *Hub) PublishBatch(results []model.MACDResult) {
	for i := range results {
		h.Publish(results[i])
	}
}

// WriteResultBatch publishes results to clients. It never fails.
func (h *Hub) WriteResultBatch(_ context.Context, results []model.MACDResult) error {
	h.PublishBatch(results)
	return nil
}

// Publish sends a result to every client subscribed to its symbol. Confirmed
// results are sequenced, cached as the symbol's latest and kept for replay.
// Results that are not ready are ignored.
func (h *Hub) Publish(r model.MACDResult) {
	if !r.Ready {
		return
	}

	env := Envelope{Type: TypeLive, Symbol: r.Symbol, Data: &r}

	h.mu.Lock()
	if !r.Live {
		seq := h.latest[r.Symbol].Seq + 1
		h.latest[r.Symbol] = latestEntry{Seq: seq, Result: r}
		env.Type = TypeMACD
		env.Seq = seq
	}
	data := encode(env)
	if !r.Live {
		rb, ok := h.replay[r.Symbol]
		if !ok {
			rb = NewReplayBuffer(h.replaySize)
			h.replay[r.Symbol] = rb
		}
		rb.Push(env.Seq, data)
	}

	for c := range h.clients {
		if c.wants(r.Symbol) {
			h.trySend(c, data)
		}
	}
	h.mu.Unlock()
}

// trySend queues data for c without blocking. Caller holds h.mu.
func (h *Hub) trySend(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		if h.OnDrop != nil {
			h.OnDrop()
		}
	}
}

// Latest returns the last confirmed result for symbol.
func (h *Hub) Latest(symbol string) (model.MACDResult, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.latest[symbol]
	return e.Result, ok
}

// Missed returns buffered envelopes for symbol with seq in [from, to].
func (h *Hub) Missed(symbol string, from, to int64) [][]byte {
	h.mu.RLock()
	rb, ok := h.replay[symbol]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return rb.Range(from, to)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and registers a client subscribed to the
// comma-separated "symbols" query parameter (empty means every symbol).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn, ParseSymbols(r.URL.Query().Get("symbols")))

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.sendSubscribed(c)
	h.mu.Unlock()

	h.log.Info("client connected", "clients", n, "symbols", c.symbolList())
	if h.OnClients != nil {
		h.OnClients(n)
	}

	go c.writePump()
	go c.readPump()
}

// sendSubscribed acknowledges c's symbol set and sends the latest value of
// each subscribed symbol. Caller holds h.mu.
func (h *Hub) sendSubscribed(c *Client) {
	syms := c.symbolList()
	h.trySend(c, encode(Envelope{Type: TypeSubscribed, Symbols: syms}))

	if len(syms) == 0 {
		syms = make([]string, 0, len(h.latest))
		for s := range h.latest {
			syms = append(syms, s)
		}
		sort.Strings(syms)
	}
	for _, s := range syms {
		e, ok := h.latest[s]
		if !ok {
			continue
		}
		res := e.Result
		h.trySend(c, encode(Envelope{Type: TypeMACD, Symbol: s, Seq: e.Seq, Initial: true, Data: &res}))
	}
}

// resubscribe replaces c's symbol set and re-sends the acknowledgement.
func (h *Hub) resubscribe(c *Client, symbols []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	c.setSymbols(symbols)
	h.sendSubscribed(c)
}

// remove unregisters c and closes its send channel. Safe to call twice.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("client disconnected", "clients", n)
	if h.OnClients != nil {
		h.OnClients(n)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.remove(c)
	}
}

// ServeMissed handles GET /missed?symbol=X&from=N&to=M and returns the
// buffered envelopes as a JSON array.
func (h *Hub) ServeMissed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	from, errFrom := strconv.ParseInt(q.Get("from"), 10, 64)
	to, errTo := strconv.ParseInt(q.Get("to"), 10, 64)
	if symbol == "" || errFrom != nil || errTo != nil || from > to {
		http.Error(w, "symbol, from and to are required (from <= to)", http.StatusBadRequest)
		return
	}

	missed := h.Missed(symbol, from, to)
	out := make([]json.RawMessage, len(missed))
	for i, m := range missed {
		out[i] = m
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// ParseSymbols splits a comma-separated symbol list, dropping blanks and duplicates.
func ParseSymbols(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}

func encode(env Envelope) []byte {
	b, _ := json.Marshal(env)
	return b
}

func pong(ping int64) []byte {
	return encode(Envelope{Type: TypePong, Ping: ping, ServerTS: time.Now().UnixMilli()})
}
