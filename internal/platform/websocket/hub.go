// Package websocket pushes events to connected callers. Every connection is
// bound to the principal that opened it and only receives events addressed
// to that principal.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/auth"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Event is one message on the feed.
type Event struct {
	Type      string          `json:"type"`
	Seq       uint64          `json:"seq,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is a single feed connection.
type Client struct {
	ID        string
	Principal string
	Send      chan []byte
	conn      Conn
}

func NewClient(principal string, conn Conn) *Client {
	return &Client{
		ID:        uuid.NewString(),
		Principal: principal,
		Send:      make(chan []byte, sendBuffer),
		conn:      conn,
	}
}

// Hub tracks connected clients by principal.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[c] = struct{}{}
	if h.clients[c.Principal] == nil {
		h.clients[c.Principal] = make(map[*Client]struct{})
	}
	h.clients[c.Principal][c] = struct{}{}
}

// Unregister removes c and closes its Send channel. Unregistering twice is
// harmless.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[c]; !ok {
		return
	}
	if set, ok := h.clients[c.Principal]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.Principal)
		}
	}
	delete(h.all, c)
	close(c.Send)
}

// Send queues ev for every connection of the given principals and returns
// how many connections it reached. Duplicate principals receive the event
// once. Slow clients whose buffer is full miss the event.
func (h *Hub) Send(principals []string, ev Event) int {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("type", ev.Type).Msg("failed to encode feed event")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool, len(principals))
	sent := 0
	for _, p := range principals {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		for c := range h.clients[p] {
			select {
			case c.Send <- data:
				sent++
			default:
				h.logger.Warn().Str("client_id", c.ID).Str("type", ev.Type).Msg("feed client buffer full, dropping event")
			}
		}
	}
	return sent
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// PrincipalCount returns the number of open connections for principal.
func (h *Hub) PrincipalCount(principal string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[principal])
}

// Handler upgrades authenticated requests to feed connections.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts browser origins from allowedOrigins; "*" allows any.
// Requests without an Origin header are always accepted.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
	}
}

func (wh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/feed", wh.HandleConnect)
}

func (wh *Handler) HandleConnect(c echo.Context) error {
	principal := auth.PrincipalFromContext(c.Request().Context())
	if principal == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing caller identity")
	}
	ws, err := wh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		return nil
	}

	client := NewClient(principal, ws)
	wh.hub.Register(client)
	wh.hub.logger.Debug().Str("client_id", client.ID).Msg("feed client connected")

	go wh.writePump(client, ws)
	go wh.readPump(client, ws)
	return nil
}

// readPump discards inbound messages. It exists to notice disconnects and
// to extend the read deadline on pongs.
func (wh *Handler) readPump(c *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wh.hub.Unregister(c)
		ws.Close()
	}()

	ws.SetReadLimit(512)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (wh *Handler) writePump(c *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
