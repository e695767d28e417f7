package signaling

import (
	"log/slog"

	"github.com/chatmesh/callsignal/internal/metrics"
)

// Reconciler repairs shared state when a transport connection closes without
// a graceful leave (tab close, network drop). It is the single path that
// prevents membership leaks from abrupt disconnects.
type Reconciler struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	gateway  *Gateway
	registry *Registry
	invites  *Coordinator
}

func NewReconciler(logger *slog.Logger, m *metrics.Metrics, gateway *Gateway, registry *Registry, invites *Coordinator) *Reconciler {
	return &Reconciler{
		log:      logger,
		metrics:  m,
		gateway:  gateway,
		registry: registry,
		invites:  invites,
	}
}

// ConnectionClosed sweeps every room and invite touched by the closed
// connection. participantID may be empty when the connection never completed
// setup; room membership is still swept by connection identity.
func (r *Reconciler) ConnectionClosed(connID, participantID string) {
	departed := false
	if participantID != "" {
		// Only treat the participant as gone if this connection is still their
		// current binding; a reconnect may have replaced it already.
		departed = r.gateway.Unregister(participantID, connID)
	}

	departures := r.registry.RemoveConnection(connID)
	for _, dep := range departures {
		r.log.Info("member removed by disconnect",
			"room_id", dep.RoomID,
			"participant_id", dep.ParticipantID,
			"remaining", len(dep.Remaining),
		)
		for _, m := range dep.Remaining {
			m.Sender.Send(EventCallUserLeft, UserLeftPayload{UserID: dep.ParticipantID})
		}
	}

	if departed {
		r.invites.SweepParticipant(participantID)
	}
}
