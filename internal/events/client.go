package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/snarg/fleet-engine/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024

	// Inbound message budget; clients that keep exceeding it are cut off.
	inboundRate   = 20 // messages per second
	inboundBurst  = 40
	maxViolations = 5
)

var ErrTooManySubscriptions = errors.New("subscription limit reached")

// clientIDCounter gives each connection a monotonic id so broadcast walks
// clients in a deterministic order.
var clientIDCounter atomic.Uint64

// Client is one authenticated bus connection: a read pump handling
// subscribe/unsubscribe/ping and a write pump draining the send queue.
type Client struct {
	id       uint64
	hub      *Hub
	conn     *websocket.Conn
	remoteIP string
	subject  string

	// subs is guarded by hub.mu.
	subs map[string]struct{}

	// send is never closed: Broadcast snapshots subscribers outside the
	// hub lock, so an enqueue can race the client's teardown. done is the
	// teardown signal instead; enqueue and the write pump both watch it.
	send       chan ServerMessage
	done       chan struct{}
	closeOnce  sync.Once
	limiter    *rate.Limiter
	violations int
}

func newClient(h *Hub, conn *websocket.Conn, remoteIP, subject string) *Client {
	return &Client{
		id:       clientIDCounter.Add(1),
		hub:      h,
		conn:     conn,
		remoteIP: remoteIP,
		subject:  subject,
		subs:     make(map[string]struct{}),
		send:     make(chan ServerMessage, h.limits.QueueSize),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(inboundRate, inboundBurst),
	}
}

// shutdown marks the client dead. Safe to call more than once and from
// any goroutine.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) start() {
	go c.writePump()
	go c.readPump()
}

// enqueue delivers a message to the client's queue. On overflow the oldest
// queued message is dropped so a slow subscriber never blocks the producer
// and never stalls other clients. Messages for a client already torn down
// are discarded.
func (c *Client) enqueue(msg ServerMessage) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
		metrics.EventsDeliveredTotal.Inc()
		return
	default:
	}

	select {
	case <-c.send:
		metrics.EventsDroppedTotal.Inc()
	default:
	}
	select {
	case c.send <- msg:
		metrics.EventsDeliveredTotal.Inc()
	default:
		metrics.EventsDroppedTotal.Inc()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Str("remote", c.remoteIP).Msg("unexpected websocket close")
			}
			return
		}

		if !c.limiter.Allow() {
			c.violations++
			if c.violations > maxViolations {
				c.hub.log.Warn().Str("remote", c.remoteIP).Msg("client flooding, disconnecting")
				return
			}
			c.sendError("rate limit exceeded")
			continue
		}

		if err := c.hub.validate.Struct(&msg); err != nil {
			c.violations++
			if c.violations > maxViolations {
				c.hub.log.Warn().Str("remote", c.remoteIP).Msg("repeated invalid messages, disconnecting")
				return
			}
			c.sendError("invalid message: " + err.Error())
			continue
		}

		switch msg.Type {
		case "ping":
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			c.enqueue(ServerMessage{Type: "pong", Cached: false})
		case "subscribe":
			c.handleSubscribe(msg)
		case "unsubscribe":
			c.handleUnsubscribe(msg)
		}
	}
}

func (c *Client) handleSubscribe(msg ClientMessage) {
	if !ValidType(msg.DataType) || msg.Device == "" {
		c.sendError("subscribe requires a valid dataType and device")
		return
	}
	key := Key(msg.DataType, msg.Device, msg.Channel, msg.Publisher)
	if err := c.hub.subscribe(c, key); err != nil {
		c.sendError(err.Error())
		return
	}
	c.enqueue(ServerMessage{Type: "subscribed", SubscriptionKey: key, Cached: false})
}

func (c *Client) handleUnsubscribe(msg ClientMessage) {
	if !ValidType(msg.DataType) || msg.Device == "" {
		c.sendError("unsubscribe requires a valid dataType and device")
		return
	}
	key := Key(msg.DataType, msg.Device, msg.Channel, msg.Publisher)
	c.hub.unsubscribe(c, key)
	c.enqueue(ServerMessage{Type: "unsubscribed", SubscriptionKey: key, Cached: false})
}

func (c *Client) sendError(detail string) {
	c.enqueue(ServerMessage{Type: "error", Error: detail, Cached: false})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
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
