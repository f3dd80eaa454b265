// Package hub is the real-time push layer. It authenticates WebSocket
// connections, tracks plan subscriptions, heartbeats live connections and
// fans state-change events out to subscribers. All three index structures
// (connection map, per-user sets, per-plan subscriber sets) are owned by a
// single mutex so concurrent connect/disconnect/broadcast cannot lose
// updates.
package hub

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/planloop/planloop/internal/observability"
	"github.com/planloop/planloop/internal/plans"
	"github.com/planloop/planloop/internal/protocol"
	"github.com/planloop/planloop/internal/session"
)

// Close codes surfaced to clients.
const (
	CloseMissingToken     = 4001
	CloseInvalidToken     = 4002
	CloseHeartbeatTimeout = 4003
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultConnectionTimeout = 60 * time.Second
	writeWait                = 10 * time.Second
	maxMessageSize           = 1 << 20
	sendBuffer               = 64
)

// Authenticator resolves a bearer token to a session.
type Authenticator interface {
	Authenticate(token string) (*session.Session, error)
}

// Authorizer answers subscription authorization queries.
type Authorizer interface {
	Authorize(ctx context.Context, planID string, actor plans.Actor, required plans.Permission) error
}

type Config struct {
	Auth              Authenticator
	Authorizer        Authorizer
	Metrics           *observability.Metrics
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	AllowAnyOrigin    bool
}

type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*connection
	byUser map[string]map[string]*connection
	byPlan map[string]map[string]*connection
	closed bool
}

type connection struct {
	id    string
	actor plans.Actor

	ws *websocket.Conn

	// All data frames flow through sendCh to a single writer goroutine,
	// so enqueuing never blocks on socket I/O.
	sendCh chan protocol.Event
	done   chan struct{}

	// Guarded by Hub.mu.
	lastPingAt time.Time
	subscribed map[string]bool

	closeOnce sync.Once
}

func New(cfg Config) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = defaultConnectionTimeout
	}
	return &Hub{
		cfg:    cfg,
		conns:  make(map[string]*connection),
		byUser: make(map[string]map[string]*connection),
		byPlan: make(map[string]map[string]*connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// HandleWS upgrades and serves one client connection until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		closeWith(ws, CloseMissingToken, "missing token")
		return
	}
	sess, err := h.cfg.Auth.Authenticate(token)
	if err != nil {
		closeWith(ws, CloseInvalidToken, "invalid or expired token")
		return
	}

	conn := &connection{
		id:         uuid.NewString(),
		actor:      sess.Actor(),
		ws:         ws,
		sendCh:     make(chan protocol.Event, sendBuffer),
		done:       make(chan struct{}),
		lastPingAt: time.Now().UTC(),
		subscribed: make(map[string]bool),
	}
	if !h.register(conn) {
		closeWith(ws, websocket.CloseGoingAway, "server shutting down")
		return
	}
	go conn.writeLoop()
	log.Printf("hub: connection %s opened (user=%s)", conn.id, conn.actor.UserID)

	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		h.touch(conn)
		return nil
	})

	h.readLoop(r.Context(), conn)

	h.deregister(conn)
	conn.close(websocket.CloseNormalClosure, "")
	log.Printf("hub: connection %s closed", conn.id)
}

func (h *Hub) readLoop(ctx context.Context, conn *connection) {
	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			conn.send(protocol.Event{
				Type:    protocol.TypeError,
				Payload: protocol.ErrorPayload{Code: "invalid_message", Detail: err.Error()},
			})
			continue
		}

		switch msg := parsed.(type) {
		case protocol.Ping:
			h.touch(conn)
			if err := conn.send(protocol.Event{Type: protocol.TypePong}); err != nil {
				return
			}
			h.countMessage("inbound", string(protocol.TypePing))
		case protocol.Subscribe:
			h.countMessage("inbound", string(msg.Type))
			if msg.Type == protocol.TypeUnsubscribe {
				h.unsubscribe(conn, msg.Payload.PlanID)
				continue
			}
			if err := h.cfg.Authorizer.Authorize(ctx, msg.Payload.PlanID, conn.actor, plans.PermissionRead); err != nil {
				// Denial answers the message; the socket stays open.
				conn.send(protocol.Event{
					Type:    protocol.TypeError,
					Payload: protocol.ErrorPayload{Code: subscribeDenialCode(err), Detail: err.Error()},
				})
				continue
			}
			h.subscribe(conn, msg.Payload.PlanID)
		}
	}
}

func subscribeDenialCode(err error) string {
	switch {
	case errors.Is(err, plans.ErrNotFound):
		return "not_found"
	case errors.Is(err, plans.ErrForbidden):
		return "forbidden"
	default:
		return "subscribe_failed"
	}
}

func (h *Hub) register(conn *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn.id] = conn
	userID := conn.actor.UserID
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[string]*connection)
	}
	h.byUser[userID][conn.id] = conn
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.ActiveConnections.Set(float64(len(h.conns)))
	}
	return true
}

// deregister removes the connection from all three indexes before anything
// else can observe it. Safe to call more than once.
func (h *Hub) deregister(conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn.id]; !ok {
		return
	}
	delete(h.conns, conn.id)
	userID := conn.actor.UserID
	if set := h.byUser[userID]; set != nil {
		delete(set, conn.id)
		if len(set) == 0 {
			delete(h.byUser, userID)
		}
	}
	for planID := range conn.subscribed {
		if set := h.byPlan[planID]; set != nil {
			delete(set, conn.id)
			if len(set) == 0 {
				delete(h.byPlan, planID)
			}
		}
	}
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.ActiveConnections.Set(float64(len(h.conns)))
	}
}

func (h *Hub) subscribe(conn *connection, planID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn.id]; !ok {
		return
	}
	conn.subscribed[planID] = true
	if h.byPlan[planID] == nil {
		h.byPlan[planID] = make(map[string]*connection)
	}
	h.byPlan[planID][conn.id] = conn
}

func (h *Hub) unsubscribe(conn *connection, planID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(conn.subscribed, planID)
	if set := h.byPlan[planID]; set != nil {
		delete(set, conn.id)
		if len(set) == 0 {
			delete(h.byPlan, planID)
		}
	}
}

func (h *Hub) touch(conn *connection) {
	h.mu.Lock()
	conn.lastPingAt = time.Now().UTC()
	h.mu.Unlock()
}

// Run drives the heartbeat until ctx is done, then closes every connection
// with a going-away code.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

// heartbeat pings every live connection and reaps any that has been silent
// longer than the connection timeout, bounding cleanup latency to one
// heartbeat interval past the threshold.
func (h *Hub) heartbeat() {
	now := time.Now().UTC()

	h.mu.Lock()
	live := make([]*connection, 0, len(h.conns))
	stale := make([]*connection, 0)
	for _, conn := range h.conns {
		if now.Sub(conn.lastPingAt) > h.cfg.ConnectionTimeout {
			stale = append(stale, conn)
			continue
		}
		live = append(live, conn)
	}
	h.mu.Unlock()

	for _, conn := range stale {
		log.Printf("hub: connection %s heartbeat timeout, closing", conn.id)
		h.deregister(conn)
		conn.close(CloseHeartbeatTimeout, "heartbeat timeout")
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.HeartbeatTimeouts.Inc()
		}
	}
	for _, conn := range live {
		if err := conn.ping(); err != nil {
			log.Printf("hub: ping to %s failed: %v", conn.id, err)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		h.deregister(conn)
		conn.close(websocket.CloseGoingAway, "server shutting down")
	}
}

var errSlowConsumer = errors.New("send buffer full")

// send enqueues the event for the writer goroutine and returns without
// touching the socket. errSlowConsumer means the client is not draining
// its buffer and should be dropped.
func (conn *connection) send(evt protocol.Event) error {
	select {
	case conn.sendCh <- evt:
		return nil
	case <-conn.done:
		return errors.New("connection closed")
	default:
		return errSlowConsumer
	}
}

// writeLoop is the sole writer of data frames. A write failure closes the
// socket so the read loop unblocks too.
func (conn *connection) writeLoop() {
	for {
		select {
		case evt := <-conn.sendCh:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteJSON(evt); err != nil {
				_ = conn.ws.Close()
				return
			}
		case <-conn.done:
			return
		}
	}
}

// Control frames may be written concurrently with the writer goroutine.
func (conn *connection) ping() error {
	return conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close is idempotent; double-close and close-during-broadcast are safe.
func (conn *connection) close(code int, reason string) {
	conn.closeOnce.Do(func() {
		close(conn.done)
		closeWith(conn.ws, code, reason)
	})
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = ws.Close()
}

func (h *Hub) countMessage(direction, msgType string) {
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.WSMessages.WithLabelValues(direction, msgType).Inc()
	}
}
