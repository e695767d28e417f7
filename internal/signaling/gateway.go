package signaling

import (
	"log/slog"
	"sync"

	"github.com/chatmesh/callsignal/internal/metrics"
)

// Sender is a live connection that can enqueue outbound events. The server's
// websocket client implements it; tests use in-memory fakes.
type Sender interface {
	// Send enqueues an event for delivery. Delivery is best-effort; a false
	// return means the message was dropped (queue full or connection gone).
	Send(event string, data any) bool

	// ConnID identifies the underlying transport connection.
	ConnID() string
}

// Gateway binds transport connections to stable participant identities, so
// the rest of the system can address a participant without holding their
// connection ("personal channel").
type Gateway struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu           sync.RWMutex
	participants map[string]Sender
}

func NewGateway(logger *slog.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		log:          logger,
		metrics:      m,
		participants: make(map[string]Sender),
	}
}

// Register binds a connection to the participant's personal channel.
// Re-registration replaces the prior binding (last-writer-wins), which is how
// reconnect-after-drop works without an explicit unregister.
func (g *Gateway) Register(participantID string, s Sender) {
	g.mu.Lock()
	prev, had := g.participants[participantID]
	g.participants[participantID] = s
	g.mu.Unlock()

	if had && prev.ConnID() != s.ConnID() {
		g.log.Debug("personal channel rebound",
			"participant_id", participantID,
			"old_conn_id", prev.ConnID(),
			"conn_id", s.ConnID(),
		)
	}
}

// Unregister removes the binding only if it still points at the given
// connection. It reports whether the binding was removed; false means a newer
// connection already replaced it (reconnect race) and the caller must not
// treat the participant as departed.
func (g *Gateway) Unregister(participantID, connID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur, ok := g.participants[participantID]
	if !ok || cur.ConnID() != connID {
		return false
	}
	delete(g.participants, participantID)
	return true
}

// Resolve returns the participant's live connection, if any.
func (g *Gateway) Resolve(participantID string) (Sender, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.participants[participantID]
	return s, ok
}

// SendTo delivers an event to the participant's current connection. An
// offline participant is a normal condition, not an error: the message is
// dropped silently and counted.
func (g *Gateway) SendTo(participantID, event string, data any) bool {
	s, ok := g.Resolve(participantID)
	if !ok {
		g.metrics.DroppedTotal.WithLabelValues(metrics.DropReasonOfflineTarget).Inc()
		g.log.Debug("drop: participant offline", "participant_id", participantID, "event", event)
		return false
	}
	return s.Send(event, data)
}
