// Package events fans change events out to connected viewers.
//
// Every connection has its own bounded outbox and writer goroutine, so a
// slow or broken connection only ever loses its own messages.
package events

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/mediasync/internal/logging"
	"github.com/fruitsalade/mediasync/internal/metrics"
)

const (
	TypeChange    = "change"
	TypeConnected = "connected"
	TypePing      = "ping"
	TypePong      = "pong"

	DefaultApp = "default"
)

// ChangeEvent is a file or folder change inside a namespace. Path is
// relative to the namespace root and slash separated.
type ChangeEvent struct {
	Type       string    `json:"type"`
	Namespace  string    `json:"namespace"`
	App        string    `json:"app"`
	Path       string    `json:"path"`
	Kind       string    `json:"kind"`
	MediaKind  string    `json:"mediaKind,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// controlMessage is exchanged for heartbeats and greetings.
type controlMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	App       string `json:"app,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Transport is the write side of a client connection.
type Transport interface {
	Write(data []byte) error
	Ping() error
	Close() error
}

// Connection is one subscribed client.
type Connection struct {
	ID          string
	App         string
	ConnectedAt time.Time

	transport     Transport
	outbox        chan []byte
	done          chan struct{}
	closeOnce     sync.Once
	lastHeartbeat atomic.Int64
	sent          atomic.Int64
	received      atomic.Int64
	dropped       atomic.Int64
}

// LastHeartbeat returns when the client last pinged.
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

func (c *Connection) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbox <- data:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// ConnectionInfo is a snapshot of a connection.
type ConnectionInfo struct {
	ID            string    `json:"id"`
	App           string    `json:"app"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Sent          int64     `json:"sent"`
	Received      int64     `json:"received"`
	Dropped       int64     `json:"dropped"`
}

// Options configures a Hub.
type Options struct {
	// OutboxSize bounds the messages queued per connection. Default 64.
	OutboxSize int
	// PingInterval is how often transport-level pings are sent. Zero
	// disables them. Missing pongs never close a connection.
	PingInterval time.Duration
	// WriteTimeout bounds a single websocket write. Default 10s.
	WriteTimeout time.Duration
}

// Hub tracks connections per application context and publishes to them.
type Hub struct {
	opts Options
	log  *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Connection            // id -> connection
	apps  map[string]map[string]*Connection // app -> id -> connection

	wg sync.WaitGroup
}

// NewHub creates an empty hub.
func NewHub(opts Options) *Hub {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Hub{
		opts:  opts,
		log:   logging.Named("events"),
		conns: make(map[string]*Connection),
		apps:  make(map[string]map[string]*Connection),
	}
}

// Subscribe registers a transport under an application context and starts
// its writer. The client is greeted with a connected message.
func (h *Hub) Subscribe(t Transport, app string) *Connection {
	if app == "" {
		app = DefaultApp
	}
	now := time.Now()
	c := &Connection{
		ID:          uuid.New().String(),
		App:         app,
		ConnectedAt: now,
		transport:   t,
		outbox:      make(chan []byte, h.opts.OutboxSize),
		done:        make(chan struct{}),
	}
	c.lastHeartbeat.Store(now.UnixNano())

	h.mu.Lock()
	h.conns[c.ID] = c
	if h.apps[app] == nil {
		h.apps[app] = make(map[string]*Connection)
	}
	h.apps[app][c.ID] = c
	count := len(h.conns)
	h.mu.Unlock()
	metrics.SetWSConnectionsActive(int64(count))

	if hello, err := json.Marshal(controlMessage{Type: TypeConnected, ID: c.ID, App: app, Timestamp: now.Unix()}); err == nil {
		c.enqueue(hello)
	}

	h.wg.Add(1)
	go h.writeLoop(c)

	h.log.Debug("client subscribed", zap.String("id", c.ID), zap.String("app", app))
	return c
}

// Unsubscribe removes a connection and closes its transport. Unknown ids
// are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
		if m := h.apps[c.App]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(h.apps, c.App)
			}
		}
	}
	count := len(h.conns)
	h.mu.Unlock()
	if !ok {
		return
	}
	metrics.SetWSConnectionsActive(int64(count))

	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.transport.Close(); err != nil {
			h.log.Debug("close transport", zap.String("id", id), zap.Error(err))
		}
	})
	h.log.Debug("client unsubscribed", zap.String("id", id), zap.String("app", c.App))
}

// Publish queues an event for every connection of app and returns how many
// accepted it. It never blocks.
func (h *Hub) Publish(app string, event ChangeEvent) int {
	if app == "" {
		app = DefaultApp
	}
	if event.Type == "" {
		event.Type = TypeChange
	}
	if event.App == "" {
		event.App = app
	}
	if event.ObservedAt.IsZero() {
		event.ObservedAt = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("marshal event", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.apps[app]))
	for _, c := range h.apps[app] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(data) {
			delivered++
			continue
		}
		metrics.RecordWSSendFailure("outbox_full")
		h.log.Warn("dropping event for slow client", zap.String("id", c.ID), zap.String("path", event.Path))
	}
	metrics.RecordWSEvent(event.Kind)
	return delivered
}

// Count returns the number of connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Connections returns snapshots of the connections of app, or of all
// connections when app is empty.
func (h *Hub) Connections(app string) []ConnectionInfo {
	h.mu.RLock()
	var list []*Connection
	if app == "" {
		for _, c := range h.conns {
			list = append(list, c)
		}
	} else {
		for _, c := range h.apps[app] {
			list = append(list, c)
		}
	}
	h.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(list))
	for _, c := range list {
		infos = append(infos, ConnectionInfo{
			ID:            c.ID,
			App:           c.App,
			ConnectedAt:   c.ConnectedAt,
			LastHeartbeat: c.LastHeartbeat(),
			Sent:          c.sent.Load(),
			Received:      c.received.Load(),
			Dropped:       c.dropped.Load(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}

// Close unsubscribes every connection and waits for the writers to exit.
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Unsubscribe(id)
	}
	h.wg.Wait()
}

// handleClientMessage processes a message read from a client. Only
// heartbeats are understood; anything else is ignored.
func (h *Hub) handleClientMessage(c *Connection, data []byte) {
	c.received.Add(1)

	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Type != TypePing {
		return
	}

	now := time.Now()
	c.lastHeartbeat.Store(now.UnixNano())
	if pong, err := json.Marshal(controlMessage{Type: TypePong, Timestamp: now.Unix()}); err == nil {
		c.enqueue(pong)
	}
}

func (h *Hub) writeLoop(c *Connection) {
	defer h.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordWSSendFailure("panic")
			h.log.Error("client writer panicked", zap.String("id", c.ID), zap.Any("panic", r))
		}
		h.Unsubscribe(c.ID)
	}()

	var pings <-chan time.Time
	if h.opts.PingInterval > 0 {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbox:
			if err := c.transport.Write(data); err != nil {
				metrics.RecordWSSendFailure("write")
				h.log.Warn("send failed, dropping client", zap.String("id", c.ID), zap.Error(err))
				return
			}
			c.sent.Add(1)
		case <-pings:
			if err := c.transport.Ping(); err != nil {
				metrics.RecordWSSendFailure("ping")
				h.log.Debug("ping failed, dropping client", zap.String("id", c.ID), zap.Error(err))
				return
			}
		}
	}
}
