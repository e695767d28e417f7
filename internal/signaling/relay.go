package signaling

import (
	"encoding/json"
	"log/slog"

	"github.com/chatmesh/callsignal/internal/metrics"
)

// SignalKind names the three negotiation message kinds the relay forwards.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Event returns the wire event a kind travels under.
func (k SignalKind) Event() string {
	switch k {
	case SignalOffer:
		return EventCallOffer
	case SignalAnswer:
		return EventCallAnswer
	case SignalCandidate:
		return EventCallICE
	default:
		return string(k)
	}
}

// Relay routes negotiation messages between exactly one pair of participants.
// It never inspects the payload: validity is the endpoints' concern. A target
// absent from the room is an expected race with leave/disconnect and the
// message is dropped without error.
type Relay struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *Registry
}

func NewRelay(logger *slog.Logger, m *metrics.Metrics, registry *Registry) *Relay {
	return &Relay{log: logger, metrics: m, registry: registry}
}

// Forward delivers {kind, fromUserId, body} to the addressed participant's
// live connection, verbatim.
func (r *Relay) Forward(roomID, fromID, toID string, kind SignalKind, body json.RawMessage) {
	target, ok := r.registry.Resolve(roomID, toID)
	if !ok {
		r.metrics.DroppedTotal.WithLabelValues(metrics.DropReasonAbsentMember).Inc()
		r.log.Debug("drop: signal target absent",
			"room_id", roomID,
			"from", fromID,
			"to", toID,
			"kind", string(kind),
		)
		return
	}

	out := ForwardedSignalPayload{FromUserID: fromID}
	switch kind {
	case SignalOffer:
		out.Offer = body
	case SignalAnswer:
		out.Answer = body
	case SignalCandidate:
		out.Candidate = body
	}
	target.Send(kind.Event(), out)
}
