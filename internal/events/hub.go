package events

import (
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/snarg/fleet-engine/internal/metrics"
)

// ClientMessage is what subscribers send: subscribe/unsubscribe/ping.
// Device addresses are validated against a strict IPv4 pattern.
type ClientMessage struct {
	Type      string  `json:"type" validate:"required,oneof=subscribe unsubscribe ping"`
	DataType  string  `json:"dataType" validate:"omitempty,max=32"`
	Device    string  `json:"device" validate:"omitempty,ipv4"`
	Channel   *int    `json:"channel,omitempty" validate:"omitempty,min=0,max=999"`
	Publisher *string `json:"publisherId,omitempty" validate:"omitempty,max=64"`
}

// ServerMessage is what the bus pushes. Cached is always false: the
// transport carries live truth only, never a cache layer.
type ServerMessage struct {
	Type            string          `json:"type"`
	SubscriptionKey string          `json:"subscriptionKey,omitempty"`
	DataType        string          `json:"dataType,omitempty"`
	Device          string          `json:"device,omitempty"`
	Channel         *int            `json:"channel,omitempty"`
	Publisher       *string         `json:"publisherId,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	Timestamp       string          `json:"timestamp,omitempty"`
	Cached          bool            `json:"cached"`
	Error           string          `json:"error,omitempty"`
}

// Limits bounds bus resource usage per connection and per remote address.
type Limits struct {
	MaxConnsPerIP    int // default 25
	MaxSubscriptions int // default 50
	QueueSize        int // default 100, overflow drops oldest
}

func (l Limits) withDefaults() Limits {
	if l.MaxConnsPerIP <= 0 {
		l.MaxConnsPerIP = 25
	}
	if l.MaxSubscriptions <= 0 {
		l.MaxSubscriptions = 50
	}
	if l.QueueSize <= 0 {
		l.QueueSize = 100
	}
	return l
}

// Hub owns the subscriber registry and fans accepted events out to
// interested connections. There is no deduplication here; only the Store
// filters, and only at the producer edge.
type Hub struct {
	mu            sync.Mutex
	clients       map[*Client]struct{}
	subscriptions map[string]map[*Client]struct{}
	perIP         map[string]int

	limits   Limits
	store    *Store
	auth     *Authenticator
	validate *validator.Validate
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewHub(store *Store, auth *Authenticator, limits Limits, log zerolog.Logger) *Hub {
	return &Hub{
		clients:       make(map[*Client]struct{}),
		subscriptions: make(map[string]map[*Client]struct{}),
		perIP:         make(map[string]int),
		limits:        limits.withDefaults(),
		store:         store,
		auth:          auth,
		validate:      validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser dashboards connect cross-origin through the reverse proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.With().Str("component", "event-hub").Logger(),
	}
}

// ServeWS authenticates and upgrades one client connection. The bearer
// token rides in the URL query because browser WebSocket clients cannot
// set headers.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, err := h.auth.Authenticate(r.URL.Query().Get("token"))
	if err != nil {
		status := http.StatusUnauthorized
		if err == ErrForbidden {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}

	ip := remoteIP(r)
	h.mu.Lock()
	if h.perIP[ip] >= h.limits.MaxConnsPerIP {
		h.mu.Unlock()
		http.Error(w, "connection limit reached", http.StatusTooManyRequests)
		return
	}
	h.perIP[ip]++
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.mu.Lock()
		h.decIPLocked(ip)
		h.mu.Unlock()
		h.log.Warn().Err(err).Str("remote", ip).Msg("websocket upgrade failed")
		return
	}

	c := newClient(h, conn, ip, claims.Subject)

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSConnections.Set(float64(n))

	h.log.Info().Str("remote", ip).Str("subject", claims.Subject).Int("connections", n).Msg("client connected")
	c.start()
}

func (h *Hub) decIPLocked(ip string) {
	if h.perIP[ip] <= 1 {
		delete(h.perIP, ip)
	} else {
		h.perIP[ip]--
	}
}

// unregister removes a client and all of its subscriptions.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.decIPLocked(c.remoteIP)
	for key := range c.subs {
		h.dropSubscriptionLocked(key, c)
	}
	n := len(h.clients)
	subs := h.subscriptionCountLocked()
	h.mu.Unlock()

	metrics.WSConnections.Set(float64(n))
	metrics.WSSubscriptions.Set(float64(subs))
	c.shutdown()
	h.log.Info().Str("remote", c.remoteIP).Int("connections", n).Msg("client disconnected")
}

func (h *Hub) dropSubscriptionLocked(key string, c *Client) {
	set, ok := h.subscriptions[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.subscriptions, key)
	}
}

func (h *Hub) subscriptionCountLocked() int {
	total := 0
	for _, set := range h.subscriptions {
		total += len(set)
	}
	return total
}

// subscribe registers the client for one key and replays retained events
// so a reconnecting client catches up immediately.
func (h *Hub) subscribe(c *Client, key string) error {
	h.mu.Lock()
	if len(c.subs) >= h.limits.MaxSubscriptions {
		h.mu.Unlock()
		return ErrTooManySubscriptions
	}
	if _, ok := c.subs[key]; ok {
		h.mu.Unlock()
		return nil // idempotent
	}
	c.subs[key] = struct{}{}
	set, ok := h.subscriptions[key]
	if !ok {
		set = make(map[*Client]struct{})
		h.subscriptions[key] = set
	}
	set[c] = struct{}{}
	subs := h.subscriptionCountLocked()
	h.mu.Unlock()
	metrics.WSSubscriptions.Set(float64(subs))

	for _, e := range h.store.CatchUp(key) {
		c.enqueue(dataUpdate(e))
	}
	return nil
}

func (h *Hub) unsubscribe(c *Client, key string) {
	h.mu.Lock()
	delete(c.subs, key)
	h.dropSubscriptionLocked(key, c)
	subs := h.subscriptionCountLocked()
	h.mu.Unlock()
	metrics.WSSubscriptions.Set(float64(subs))
}

// Broadcast pushes one accepted event to every subscriber of its key.
// Clients are walked in id order so delivery is deterministic; a slow
// client only loses its own oldest queued events.
func (h *Hub) Broadcast(e Event) {
	key := e.Key()
	msg := dataUpdate(e)

	h.mu.Lock()
	set := h.subscriptions[key]
	targets := make([]*Client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, c := range targets {
		c.enqueue(msg)
	}
}

func dataUpdate(e Event) ServerMessage {
	return ServerMessage{
		Type:            "data_update",
		SubscriptionKey: e.Key(),
		DataType:        e.Type,
		Device:          e.Device,
		Channel:         e.Channel,
		Publisher:       e.Publisher,
		Data:            e.Data,
		Timestamp:       e.Timestamp.UTC().Format(time.RFC3339Nano),
		Cached:          false,
	}
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// SubscriptionCount returns the number of active subscriptions.
func (h *Hub) SubscriptionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscriptionCountLocked()
}

// Shutdown closes every client connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
