package signaling

import (
	"log/slog"
	"sync"

	"github.com/chatmesh/callsignal/internal/metrics"
)

// Member is one room membership entry: a participant resolved to its live
// connection.
type Member struct {
	ParticipantID string
	Name          string
	ConnID        string
	Sender        Sender
}

type room struct {
	id string

	mu      sync.Mutex
	deleted bool
	members map[string]Member
}

// Registry is the authoritative mapping from call-room identifier to the set
// of participants currently joined. It is the single writer of membership:
// rooms are created lazily on first join and deleted as soon as the last
// member leaves, so no orphan state accumulates.
//
// Mutations on the same room are serialized by the room's own mutex; distinct
// rooms proceed concurrently. The registry mutex only guards the room table.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	rooms map[string]*room
}

func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		log:     logger,
		metrics: m,
		rooms:   make(map[string]*room),
	}
}

// Join adds (or rebinds) the participant in the room and returns the roster
// of other current members. Joining twice with a newer connection simply
// overwrites the stored connection, which is how reconnects settle.
//
// Existing members are notified with call:user-joined before the roster is
// returned; the joiner then initiates negotiation toward each listed member
// (the join-ordering policy that avoids offer glare).
func (r *Registry) Join(roomID string, m Member) []string {
	for {
		rm := r.getOrCreate(roomID)

		rm.mu.Lock()
		if rm.deleted {
			// Lost a race with delete-on-empty; the table entry is gone.
			rm.mu.Unlock()
			continue
		}

		_, rejoin := rm.members[m.ParticipantID]
		others := make([]string, 0, len(rm.members))
		notify := make([]Member, 0, len(rm.members))
		for id, existing := range rm.members {
			if id == m.ParticipantID {
				continue
			}
			others = append(others, id)
			notify = append(notify, existing)
		}
		rm.members[m.ParticipantID] = m
		rm.mu.Unlock()

		if !rejoin {
			r.metrics.ParticipantsCurrent.Inc()
		}
		r.log.Info("room join",
			"room_id", roomID,
			"participant_id", m.ParticipantID,
			"rejoin", rejoin,
			"peers", len(others),
		)

		if !rejoin {
			for _, existing := range notify {
				existing.Sender.Send(EventCallUserJoined, UserJoinedPayload{UserID: m.ParticipantID, Name: m.Name})
			}
		}
		return others
	}
}

// Leave removes the participant and returns the remaining members so the
// caller can notify them. The room is deleted when it empties.
func (r *Registry) Leave(roomID, participantID string) (remaining []Member, removed bool) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}

	rm.mu.Lock()
	if _, ok := rm.members[participantID]; !ok {
		rm.mu.Unlock()
		r.mu.Unlock()
		return nil, false
	}
	delete(rm.members, participantID)
	for _, m := range rm.members {
		remaining = append(remaining, m)
	}
	if len(rm.members) == 0 {
		rm.deleted = true
		delete(r.rooms, roomID)
		r.metrics.RoomsCurrent.Dec()
		r.log.Info("room deleted", "room_id", roomID)
	}
	rm.mu.Unlock()
	r.mu.Unlock()

	r.metrics.ParticipantsCurrent.Dec()
	return remaining, true
}

// Resolve returns the live connection of a room member. Absence is not an
// error: it means the peer already left and the message should be dropped.
func (r *Registry) Resolve(roomID, participantID string) (Sender, bool) {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	m, ok := rm.members[participantID]
	if !ok {
		return nil, false
	}
	return m.Sender, true
}

// Departure records one membership entry removed by a connection sweep,
// along with the members remaining in that room at removal time.
type Departure struct {
	RoomID        string
	ParticipantID string
	Remaining     []Member
}

// RemoveConnection removes every membership entry bound to the closed
// connection, across all rooms. Safe to call for connections in zero rooms.
func (r *Registry) RemoveConnection(connID string) []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	var departures []Departure
	for roomID, rm := range r.rooms {
		rm.mu.Lock()
		for id, m := range rm.members {
			if m.ConnID != connID {
				continue
			}
			delete(rm.members, id)
			dep := Departure{RoomID: roomID, ParticipantID: id}
			for _, rest := range rm.members {
				dep.Remaining = append(dep.Remaining, rest)
			}
			departures = append(departures, dep)
			r.metrics.ParticipantsCurrent.Dec()
		}
		if len(rm.members) == 0 {
			rm.deleted = true
			delete(r.rooms, roomID)
			r.metrics.RoomsCurrent.Dec()
			r.log.Info("room deleted", "room_id", roomID)
		}
		rm.mu.Unlock()
	}
	return departures
}

func (r *Registry) getOrCreate(roomID string) *room {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if ok {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[roomID]; ok {
		return rm
	}
	rm = &room{id: roomID, members: make(map[string]Member)}
	r.rooms[roomID] = rm
	r.metrics.RoomsCurrent.Inc()
	r.log.Info("room created", "room_id", roomID)
	return rm
}
