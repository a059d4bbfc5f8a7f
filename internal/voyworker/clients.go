package voyworker

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const ClientTypeWindow = "window"

const (
	clientWriteWait  = 10 * time.Second
	clientPongWait   = 60 * time.Second
	clientPingPeriod = 50 * time.Second
	clientReadLimit  = 64 * 1024
)

type Client interface {
	ID() string
	URL() string
	Type() string
	PostMessage(ctx context.Context, msg any) error
	Focus(ctx context.Context) error
}

type ClientQuery struct {
	Type                string
	IncludeUncontrolled bool
}

// Clients is the worker's view of open application windows.
type Clients interface {
	// MatchAll lists clients, most recently focused first.
	MatchAll(ctx context.Context, q ClientQuery) ([]Client, error)
	OpenWindow(ctx context.Context, url string) error
	// Claim makes the worker the controller of every attached client.
	Claim(ctx context.Context) error
}

// PendingOpen is a window-open request waiting for the app launcher.
type PendingOpen struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

type wsClient struct {
	id          string
	url         string
	conn        *websocket.Conn
	connectedAt time.Time

	writeMu    sync.Mutex
	controlled atomic.Bool
	focusedAt  atomic.Int64
}

func (c *wsClient) ID() string   { return c.id }
func (c *wsClient) URL() string  { return c.url }
func (c *wsClient) Type() string { return ClientTypeWindow }

func (c *wsClient) write(ctx context.Context, v any) error {
	deadline := time.Now().Add(clientWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	// gorilla/websocket allows one concurrent writer
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(v)
}

func (c *wsClient) PostMessage(ctx context.Context, msg any) error {
	return c.write(ctx, msg)
}

func (c *wsClient) Focus(ctx context.Context) error {
	c.focusedAt.Store(time.Now().UnixNano())
	return c.write(ctx, map[string]string{"type": "FOCUS"})
}

func (c *wsClient) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(clientWriteWait))
}

// MessageHandler receives messages posted by a client to the worker.
type MessageHandler func(ctx context.Context, from Client, data json.RawMessage)

// ClientHub tracks windows attached over WebSocket.
type ClientHub struct {
	log     *zap.Logger
	metrics *Metrics

	upgrader  websocket.Upgrader
	onMessage MessageHandler

	mu      sync.RWMutex
	clients map[string]*wsClient

	// takeMu makes each pending open go to exactly one taker
	takeMu  sync.Mutex
	pending *cache.Cache
}

func NewClientHub(pendingTTL time.Duration, log *zap.Logger, metrics *Metrics) *ClientHub {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &ClientHub{
		log:     log,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients: map[string]*wsClient{},
		pending: cache.New(pendingTTL, 2*pendingTTL),
	}
}

func (h *ClientHub) OnMessage(fn MessageHandler) { h.onMessage = fn }

// ServeHTTP attaches a window. The page passes its own location as ?url=.
func (h *ClientHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		pageURL = r.Header.Get("Referer")
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("client upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{
		id:          uuid.NewString(),
		url:         pageURL,
		conn:        conn,
		connectedAt: time.Now(),
	}
	h.add(c)
	defer h.remove(c)

	_ = c.write(r.Context(), map[string]string{"type": "HELLO", "clientId": c.id})
	h.readLoop(context.WithoutCancel(r.Context()), c)
}

func (h *ClientHub) readLoop(ctx context.Context, c *wsClient) {
	c.conn.SetReadLimit(clientReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(clientPingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("client read failed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		if h.onMessage != nil && json.Valid(msg) {
			h.onMessage(ctx, c, json.RawMessage(msg))
		}
	}
}

func (h *ClientHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.metrics.ConnectedClients.Inc()
	h.log.Debug("client attached", zap.String("client", c.id), zap.String("url", c.url))
}

func (h *ClientHub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if ok {
		h.metrics.ConnectedClients.Dec()
	}
	_ = c.conn.Close()
}

func (h *ClientHub) snapshot() []*wsClient {
	h.mu.RLock()
	out := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		fi, fj := out[i].focusedAt.Load(), out[j].focusedAt.Load()
		if fi != fj {
			return fi > fj
		}
		return out[i].connectedAt.After(out[j].connectedAt)
	})
	return out
}

func (h *ClientHub) MatchAll(ctx context.Context, q ClientQuery) ([]Client, error) {
	var out []Client
	for _, c := range h.snapshot() {
		if q.Type != "" && q.Type != c.Type() {
			continue
		}
		if !q.IncludeUncontrolled && !c.controlled.Load() {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (h *ClientHub) Claim(ctx context.Context) error {
	for _, c := range h.snapshot() {
		c.controlled.Store(true)
		if err := c.write(ctx, map[string]string{"type": "CONTROLLER_CHANGE"}); err != nil {
			h.log.Debug("controller change not delivered", zap.String("client", c.id), zap.Error(err))
		}
	}
	return nil
}

// OpenWindow records the request for the app launcher, which collects it
// from TakePendingOpens. Unclaimed requests expire after the hub's TTL.
func (h *ClientHub) OpenWindow(ctx context.Context, url string) error {
	p := PendingOpen{ID: uuid.NewString(), URL: url, CreatedAt: time.Now()}
	h.pending.Set(p.ID, p, cache.DefaultExpiration)
	h.log.Info("window open requested", zap.String("url", url))
	return nil
}

// TakePendingOpens returns and forgets all unexpired open requests, oldest first.
func (h *ClientHub) TakePendingOpens() []PendingOpen {
	h.takeMu.Lock()
	defer h.takeMu.Unlock()
	var out []PendingOpen
	for id, item := range h.pending.Items() {
		p, ok := item.Object.(PendingOpen)
		h.pending.Delete(id)
		if ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (h *ClientHub) Broadcast(ctx context.Context, msg any) int {
	n := 0
	for _, c := range h.snapshot() {
		if err := c.write(ctx, msg); err != nil {
			h.log.Debug("broadcast failed", zap.String("client", c.id), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// Close detaches every client.
func (h *ClientHub) Close() {
	for _, c := range h.snapshot() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "worker shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}
}
