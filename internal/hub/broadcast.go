package hub

import (
	"errors"
	"log"

	"github.com/gorilla/websocket"

	"github.com/planloop/planloop/internal/protocol"
)

// Broadcasts iterate a snapshot of the plan's subscriber set taken under the
// hub mutex and enqueue onto each connection's send buffer, so the caller
// never blocks on socket I/O. A send failure on one socket is logged and
// does not abort delivery to the rest; a connection whose buffer is full is
// dropped. The triggering mutation has already committed, so all of this is
// best-effort.

func (h *Hub) BroadcastTaskCreated(planID string, payload any) {
	h.broadcastPlan(planID, protocol.TypeTaskCreated, payload)
}

func (h *Hub) BroadcastTaskUpdated(planID string, payload any) {
	h.broadcastPlan(planID, protocol.TypeTaskUpdated, payload)
}

func (h *Hub) BroadcastTaskDeleted(planID string, payload any) {
	h.broadcastPlan(planID, protocol.TypeTaskDeleted, payload)
}

func (h *Hub) BroadcastPlanUpdated(planID string, payload any) {
	h.broadcastPlan(planID, protocol.TypePlanUpdated, payload)
}

func (h *Hub) BroadcastAgentOutput(planID string, payload any) {
	h.broadcastPlan(planID, protocol.TypeAgentOutput, payload)
}

// SendToUser delivers a cross-plan notification to every connection the
// user currently holds, agent sessions included.
func (h *Hub) SendToUser(userID string, evt protocol.Event) {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.byUser[userID]))
	for _, conn := range h.byUser[userID] {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.send(evt); err != nil {
			log.Printf("hub: send to user %s on %s failed: %v", userID, conn.id, err)
			h.countMessage("outbound_failed", string(evt.Type))
			h.dropIfStuck(conn, err)
			continue
		}
		h.countMessage("outbound", string(evt.Type))
	}
}

func (h *Hub) broadcastPlan(planID string, msgType protocol.MessageType, payload any) {
	evt := protocol.Event{Type: msgType, Payload: payload}

	h.mu.Lock()
	conns := make([]*connection, 0, len(h.byPlan[planID]))
	for _, conn := range h.byPlan[planID] {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.send(evt); err != nil {
			log.Printf("hub: broadcast %s to %s failed: %v", msgType, conn.id, err)
			h.countMessage("outbound_failed", string(msgType))
			h.dropIfStuck(conn, err)
			continue
		}
		h.countMessage("outbound", string(msgType))
	}
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.Broadcasts.WithLabelValues(string(msgType)).Inc()
	}
}

func (h *Hub) dropIfStuck(conn *connection, err error) {
	if !errors.Is(err, errSlowConsumer) {
		return
	}
	log.Printf("hub: connection %s is not draining, dropping", conn.id)
	h.deregister(conn)
	conn.close(websocket.CloseGoingAway, "send buffer overflow")
}
