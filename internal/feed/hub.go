// Package feed streams session transitions to operators over WebSocket.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"lead-qualifier/internal/calls"
	"lead-qualifier/internal/orchestrator"
	"lead-qualifier/pkg/logger"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

// Update is one step as seen by a feed subscriber.
type Update struct {
	SessionID     string             `json:"session_id"`
	Event         string             `json:"event"`
	Applied       bool               `json:"applied"`
	Discarded     string             `json:"discarded,omitempty"`
	From          calls.State        `json:"from"`
	To            calls.State        `json:"to"`
	Attempt       int                `json:"attempt"`
	Verdict       *calls.Verdict     `json:"verdict,omitempty"`
	Appointment   *calls.Appointment `json:"appointment,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	At            time.Time          `json:"at"`
}

type Options struct {
	// MaxClients caps concurrent subscribers; 0 means 100.
	MaxClients int
	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string
	// IncludeDiscarded also streams events that did not change a session.
	IncludeDiscarded bool
}

// Hub fans updates out to subscribers. Client bookkeeping is owned by the run loop.
type Hub struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan Update
	done       chan struct{}
	closeOnce  sync.Once

	active    atomic.Int32
	semaphore chan struct{}
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
}

func NewHub(log *slog.Logger, opts Options) *Hub {
	if opts.MaxClients <= 0 {
		opts.MaxClients = 100
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		opts:       opts,
		log:        log,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Update, 256),
		done:       make(chan struct{}),
		semaphore:  make(chan struct{}, opts.MaxClients),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	clients := make(map[*client]struct{})
	for {
		select {
		case c := <-h.register:
			clients[c] = struct{}{}
			h.active.Add(1)

		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
				h.active.Add(-1)
			}

		case u := <-h.broadcast:
			msg, err := json.Marshal(u)
			if err != nil {
				h.log.Error("feed marshal failed", "err", err)
				continue
			}
			for c := range clients {
				if c.sessionID != "" && c.sessionID != u.SessionID {
					continue
				}
				select {
				case c.send <- msg:
				default:
					// Slow subscriber; drop it rather than stall the hub.
					delete(clients, c)
					close(c.send)
					h.active.Add(-1)
				}
			}

		case <-h.done:
			for c := range clients {
				close(c.send)
			}
			h.active.Store(0)
			return
		}
	}
}

// ObserveStep publishes the step without blocking the dispatcher.
func (h *Hub) ObserveStep(ctx context.Context, ev orchestrator.Event, step orchestrator.Step) {
	if !step.Applied && !h.opts.IncludeDiscarded {
		return
	}
	s := step.Session
	u := Update{
		SessionID:     s.SessionID,
		Event:         string(ev.Type),
		Applied:       step.Applied,
		Discarded:     step.Discarded,
		From:          step.From,
		To:            s.State,
		Attempt:       s.AttemptCount,
		Verdict:       s.Verdict,
		Appointment:   s.Appointment,
		FailureReason: s.FailureReason,
		At:            s.UpdatedAt,
	}
	if u.SessionID == "" {
		u.SessionID = ev.SessionID
	}
	select {
	case h.broadcast <- u:
	case <-h.done:
	default:
		logger.From(ctx).Warn("feed backlog full, update dropped", "session_id", u.SessionID)
	}
}

// Clients is the number of connected subscribers.
func (h *Hub) Clients() int { return int(h.active.Load()) }

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ServeWS upgrades the request. ?session_id= limits the stream to one session.
func (h *Hub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.FromGin(c).Warn("feed connection rejected: max clients reached", "max_clients", h.opts.MaxClients)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feed at capacity"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.FromGin(c).Warn("feed upgrade failed", "err", err)
		return
	}

	cl := &client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		sessionID: c.Query("session_id"),
	}
	select {
	case h.register <- cl:
	case <-h.done:
		<-h.semaphore
		_ = conn.Close()
		return
	}
	go cl.writePump()
	go cl.readPump()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.opts.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// readPump only drains control frames; subscribers do not send anything.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
		<-c.hub.semaphore
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("feed connection closed", "err", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
