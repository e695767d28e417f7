package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/chatmesh/callsignal/internal/metrics"
)

type recipientState int

const (
	recipientRinging recipientState = iota
	recipientAccepted
	recipientRejected
)

type invite struct {
	roomID      string
	initiatorID string
	isGroup     bool
	recipients  map[string]recipientState
	expiry      *time.Timer
}

func (inv *invite) pending() int {
	n := 0
	for _, st := range inv.recipients {
		if st == recipientRinging {
			n++
		}
	}
	return n
}

// Coordinator drives the ring/accept/reject/cancel lifecycle of outgoing call
// attempts, before any participant joins a room. Invites are transient: they
// exist between initiate and a terminal event and are lost on restart.
//
// Response state is per recipient. A group invite has no global terminal
// transition on partial responses: one rejection leaves the others ringing.
type Coordinator struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	gateway *Gateway

	// ringTimeout, when positive, expires a ringing invite server-side. Zero
	// keeps the observed behavior of ringing forever.
	ringTimeout time.Duration

	mu      sync.Mutex
	invites map[string]*invite
}

func NewCoordinator(logger *slog.Logger, m *metrics.Metrics, gateway *Gateway, ringTimeout time.Duration) *Coordinator {
	return &Coordinator{
		log:         logger,
		metrics:     m,
		gateway:     gateway,
		ringTimeout: ringTimeout,
		invites:     make(map[string]*invite),
	}
}

// Initiate starts ringing the recipients. The fan-out is best-effort:
// unreachable recipients are skipped, not failed. Re-initiating for the same
// room replaces the previous invite.
func (c *Coordinator) Initiate(roomID, initiatorID string, fromUser json.RawMessage, recipientIDs []string, isGroup bool) {
	inv := &invite{
		roomID:      roomID,
		initiatorID: initiatorID,
		isGroup:     isGroup,
		recipients:  make(map[string]recipientState, len(recipientIDs)),
	}
	for _, id := range recipientIDs {
		if id == initiatorID {
			continue
		}
		inv.recipients[id] = recipientRinging
	}
	if len(inv.recipients) == 0 {
		c.log.Warn("call:initiate with no recipients besides initiator", "room_id", roomID, "initiator", initiatorID)
		return
	}

	if c.ringTimeout > 0 {
		inv.expiry = time.AfterFunc(c.ringTimeout, func() { c.expire(roomID, inv) })
	}

	c.mu.Lock()
	if prev, ok := c.invites[roomID]; ok {
		prev.stopExpiry()
	} else {
		c.metrics.InvitesCurrent.Inc()
	}
	c.invites[roomID] = inv
	c.mu.Unlock()

	c.log.Info("call ringing",
		"room_id", roomID,
		"initiator", initiatorID,
		"recipients", len(inv.recipients),
		"group", isGroup,
	)
	for id := range inv.recipients {
		c.gateway.SendTo(id, EventCallIncoming, IncomingCallPayload{
			RoomID:   roomID,
			FromUser: fromUser,
			IsGroup:  isGroup,
		})
	}
}

// Accept records the recipient's answer and notifies the initiator only.
// Joining the room is a separate, explicit step the accepting client takes
// after the initiator is notified.
func (c *Coordinator) Accept(roomID, initiatorID, participantID string) {
	c.respond(roomID, participantID, recipientAccepted)
	c.gateway.SendTo(initiatorID, EventCallAccepted, CallRespondedPayload{RoomID: roomID, UserID: participantID})
}

// Reject records the rejection and notifies the initiator. Rejection by one
// recipient of a group call leaves the invite ringing for the others.
func (c *Coordinator) Reject(roomID, initiatorID, participantID string) {
	c.respond(roomID, participantID, recipientRejected)
	c.gateway.SendTo(initiatorID, EventCallRejected, CallRespondedPayload{RoomID: roomID, UserID: participantID})
}

// Cancel is the initiator's operation: call:canceled fans out to every
// recipient except the initiator, best-effort.
func (c *Coordinator) Cancel(roomID, initiatorID string, recipientIDs []string) {
	c.drop(roomID)

	for _, id := range recipientIDs {
		if id == initiatorID {
			continue
		}
		c.gateway.SendTo(id, EventCallCanceled, CallCanceledPayload{RoomID: roomID, FromUserID: initiatorID})
	}
	c.log.Info("call canceled", "room_id", roomID, "initiator", initiatorID)
}

// SweepParticipant repairs invite state after a participant's connection is
// gone for good. A ringing invite they initiated is canceled toward the
// recipients still ringing; invites where they are a pending recipient stop
// waiting for them. Terminal state is left untouched.
func (c *Coordinator) SweepParticipant(participantID string) {
	type canceled struct {
		roomID  string
		pending []string
	}
	var toCancel []canceled

	c.mu.Lock()
	for roomID, inv := range c.invites {
		if inv.initiatorID == participantID {
			var pending []string
			for id, st := range inv.recipients {
				if st == recipientRinging {
					pending = append(pending, id)
				}
			}
			toCancel = append(toCancel, canceled{roomID: roomID, pending: pending})
			inv.stopExpiry()
			delete(c.invites, roomID)
			c.metrics.InvitesCurrent.Dec()
			continue
		}
		if st, ok := inv.recipients[participantID]; ok && st == recipientRinging {
			delete(inv.recipients, participantID)
			if inv.pending() == 0 {
				inv.stopExpiry()
				delete(c.invites, roomID)
				c.metrics.InvitesCurrent.Dec()
			}
		}
	}
	c.mu.Unlock()

	for _, cn := range toCancel {
		c.log.Info("call canceled by disconnect", "room_id", cn.roomID, "initiator", participantID)
		for _, id := range cn.pending {
			c.gateway.SendTo(id, EventCallCanceled, CallCanceledPayload{RoomID: cn.roomID, FromUserID: participantID})
		}
	}
}

func (c *Coordinator) respond(roomID, participantID string, st recipientState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inv, ok := c.invites[roomID]
	if !ok {
		// Initiator notification still goes out: invite records are advisory
		// and may be gone (restart, expiry race).
		return
	}
	if prev, ok := inv.recipients[participantID]; !ok || prev != recipientRinging {
		return
	}
	inv.recipients[participantID] = st

	terminal := !inv.isGroup || inv.pending() == 0
	if terminal {
		inv.stopExpiry()
		delete(c.invites, roomID)
		c.metrics.InvitesCurrent.Dec()
	}
}

func (c *Coordinator) drop(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inv, ok := c.invites[roomID]; ok {
		inv.stopExpiry()
		delete(c.invites, roomID)
		c.metrics.InvitesCurrent.Dec()
	}
}

func (c *Coordinator) expire(roomID string, inv *invite) {
	c.mu.Lock()
	cur, ok := c.invites[roomID]
	if !ok || cur != inv {
		c.mu.Unlock()
		return
	}
	var pending []string
	for id, st := range cur.recipients {
		if st == recipientRinging {
			pending = append(pending, id)
		}
	}
	initiatorID := cur.initiatorID
	delete(c.invites, roomID)
	c.metrics.InvitesCurrent.Dec()
	c.mu.Unlock()

	c.log.Info("call ringing expired", "room_id", roomID, "initiator", initiatorID)
	for _, id := range pending {
		c.gateway.SendTo(id, EventCallCanceled, CallCanceledPayload{RoomID: roomID, FromUserID: initiatorID})
	}
	c.gateway.SendTo(initiatorID, EventCallRinging, CallCanceledPayload{RoomID: roomID, FromUserID: initiatorID})
}

func (inv *invite) stopExpiry() {
	if inv.expiry != nil {
		inv.expiry.Stop()
	}
}
