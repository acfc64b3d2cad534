package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dbehnke/collar-nexus/pkg/logger"
)

const (
	clientQueueSize = 256
	writeTimeout    = 10 * time.Second
	maxInboundSize  = 1024
)

// Event is one message pushed to websocket clients. Data holds one of the
// payload types in events.go.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Marshal converts an event to JSON bytes
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// frame is an event encoded once and routed to every matching client.
type frame struct {
	kind string
	// collarID is set for collar events so per-collar filters apply.
	collarID  int16
	hasCollar bool
	// key names the snapshot slot the frame replaces; empty frames are
	// not replayed to new clients.
	key  string
	data []byte
}

// ClientFilter narrows the events a client receives. A nil set matches
// everything.
type ClientFilter struct {
	Types   map[string]bool
	Collars map[int16]bool
}

// ParseClientFilter reads ?types=collar,position and ?collar=7,9 from a
// websocket URL.
func ParseClientFilter(q url.Values) (ClientFilter, error) {
	var f ClientFilter
	for _, t := range splitList(q["types"]) {
		if !knownEventType(t) {
			return ClientFilter{}, fmt.Errorf("unknown event type %q", t)
		}
		if f.Types == nil {
			f.Types = make(map[string]bool)
		}
		f.Types[t] = true
	}
	for _, s := range splitList(q["collar"]) {
		id, err := strconv.ParseInt(s, 10, 16)
		if err != nil {
			return ClientFilter{}, fmt.Errorf("invalid collar id %q", s)
		}
		if f.Collars == nil {
			f.Collars = make(map[int16]bool)
		}
		f.Collars[int16(id)] = true
	}
	return f, nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (f ClientFilter) allows(fr frame) bool {
	if f.Types != nil && !f.Types[fr.kind] {
		return false
	}
	if fr.hasCollar && f.Collars != nil && !f.Collars[fr.collarID] {
		return false
	}
	return true
}

// Client is one websocket connection.
type Client struct {
	ID     string
	filter ClientFilter
	conn   *websocket.Conn
	send   chan []byte
}

// WebSocketHub fans device events out to websocket clients. It keeps the
// latest connection, session, position, entities and per-collar events and
// replays them to each client as it connects.
type WebSocketHub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	snapshot map[string]frame

	frames     chan frame
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	doneOnce   sync.Once
	logger     *logger.Logger
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub(log *logger.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*Client]struct{}),
		snapshot:   make(map[string]frame),
		frames:     make(chan frame, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.OrDefault(log).WithComponent("websocket"),
	}
}

// Run routes frames to clients until ctx is cancelled.
func (h *WebSocketHub) Run(ctx context.Context) {
	defer h.doneOnce.Do(func() { close(h.done) })

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			replay := h.snapshotFrames()
			h.mu.Unlock()
			for _, fr := range replay {
				h.deliver(c, fr)
			}
			h.logger.Debug("WebSocket client registered",
				logger.String("client_id", c.ID), logger.Int("replayed", len(replay)))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug("WebSocket client unregistered", logger.String("client_id", c.ID))

		case fr := <-h.frames:
			h.mu.Lock()
			if fr.key != "" {
				h.snapshot[fr.key] = fr
			}
			h.mu.Unlock()

			h.mu.RLock()
			for c := range h.clients {
				h.deliver(c, fr)
			}
			h.mu.RUnlock()

		case <-ctx.Done():
			h.logger.Info("WebSocket hub shutting down")
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// snapshotFrames returns the replay set in a stable order: connection and
// session state first, then the handheld, then collars by ID. Callers hold
// h.mu.
func (h *WebSocketHub) snapshotFrames() []frame {
	out := make([]frame, 0, len(h.snapshot))
	for _, fr := range h.snapshot {
		out = append(out, fr)
	}
	rank := map[string]int{EventConnection: 0, EventSession: 1, EventPosition: 2, EventEntities: 3, EventCollar: 4}
	sort.Slice(out, func(i, j int) bool {
		if rank[out[i].kind] != rank[out[j].kind] {
			return rank[out[i].kind] < rank[out[j].kind]
		}
		return out[i].collarID < out[j].collarID
	})
	return out
}

func (h *WebSocketHub) deliver(c *Client, fr frame) {
	if !c.filter.allows(fr) {
		return
	}
	select {
	case c.send <- fr.data:
	default:
		h.logger.Warn("Client queue full, event dropped",
			logger.String("client_id", c.ID), logger.String("event_type", fr.kind))
	}
}

// Broadcast sends an event to every client without keeping it for replay.
func (h *WebSocketHub) Broadcast(event Event) {
	h.enqueue(event, frame{kind: event.Type})
}

func (h *WebSocketHub) enqueue(event Event, fr frame) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := event.Marshal()
	if err != nil {
		h.logger.Error("Failed to marshal event", logger.String("event_type", event.Type), logger.Error(err))
		return
	}
	fr.data = data
	select {
	case h.frames <- fr:
	default:
		h.logger.Warn("Hub queue full, event dropped", logger.String("event_type", event.Type))
	}
}

// Handler upgrades /ws requests. Query parameters set the client's filter;
// see ParseClientFilter.
func (h *WebSocketHub) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter, err := ParseClientFilter(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug("WebSocket upgrade failed", logger.Error(err))
			return
		}
		c := &Client{
			ID:     uuid.NewString(),
			filter: filter,
			conn:   conn,
			send:   make(chan []byte, clientQueueSize),
		}
		h.logger.Debug("WebSocket client connected",
			logger.String("client_id", c.ID), logger.String("remote", r.RemoteAddr))

		select {
		case h.register <- c:
		case <-h.done:
			_ = conn.Close()
			return
		}

		go h.readPump(c)
		go writePump(c)
	})
}

// readPump discards inbound messages; its only job is noticing the close.
func (h *WebSocketHub) readPump(c *Client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxInboundSize)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(c *Client) {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *WebSocketHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
