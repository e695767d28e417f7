package signaling

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatmesh/callsignal/internal/config"
	"github.com/chatmesh/callsignal/internal/metrics"
	"github.com/chatmesh/callsignal/internal/ratelimit"
)

// Server terminates websocket connections and routes every signaling event to
// the component that owns it: identity to the gateway, invites to the
// coordinator, membership to the registry, negotiation to the relay, and
// chat-room broadcast to the server's own group table.
type Server struct {
	log     *slog.Logger
	cfg     config.Config
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	gateway    *Gateway
	registry   *Registry
	invites    *Coordinator
	relay      *Relay
	reconciler *Reconciler

	mu      sync.Mutex
	clients map[*client]struct{}
	// groups are the chat broadcast rooms (typing indicators, presence), kept
	// separate from call rooms: membership here is per connection, not per
	// participant, and carries no call semantics.
	groups  map[string]map[*client]struct{}
	inGroup map[*client]map[string]struct{}
}

func NewServer(logger *slog.Logger, cfg config.Config, m *metrics.Metrics) *Server {
	gateway := NewGateway(logger, m)
	registry := NewRegistry(logger, m)
	invites := NewCoordinator(logger, m, gateway, cfg.RingTimeout)

	s := &Server{
		log:     logger,
		cfg:     cfg,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return cfg.OriginAllowed(r.Header.Get("Origin"))
			},
		},
		gateway:    gateway,
		registry:   registry,
		invites:    invites,
		relay:      NewRelay(logger, m, registry),
		reconciler: NewReconciler(logger, m, gateway, registry, invites),
		clients:    make(map[*client]struct{}),
		groups:     make(map[string]map[*client]struct{}),
		inGroup:    make(map[*client]map[string]struct{}),
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error (including origin rejections).
		s.log.Warn("websocket upgrade failed", "err", err, "origin", r.Header.Get("Origin"))
		return
	}

	c := &client{
		srv:     s,
		conn:    conn,
		connID:  uuid.NewString(),
		limiter: ratelimit.NewTokenBucket(ratelimit.RealClock{}, s.cfg.MaxMessagesPerSecond, s.cfg.MaxMessagesPerSecond),
		send:    make(chan outbound, s.cfg.SendQueueLength),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.ConnectionsCurrent.Inc()
	s.log.Info("connection open", "conn_id", c.connID, "remote_addr", conn.RemoteAddr().String())

	go c.writePump()
	c.readPump()
}

// Close tears down every live connection. Used on shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	open := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) connectionClosed(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	for roomID := range s.inGroup[c] {
		s.removeFromGroupLocked(roomID, c)
	}
	delete(s.inGroup, c)
	s.mu.Unlock()

	s.metrics.ConnectionsCurrent.Dec()
	pid := c.getParticipantID()
	s.log.Info("connection closed", "conn_id", c.connID, "participant_id", pid)
	s.reconciler.ConnectionClosed(c.connID, pid)
}

// dispatch routes one parsed envelope. A handler panic is contained to the
// message that caused it: the connection and the process keep running.
func (s *Server) dispatch(c *client, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic", "event", env.Event, "conn_id", c.connID, "panic", r)
		}
	}()

	s.metrics.EventsTotal.WithLabelValues(env.Event).Inc()

	switch env.Event {
	case EventSetup:
		s.handleSetup(c, env.Data)
	case EventJoinRoom:
		s.handleJoinRoom(c, env.Data)
	case EventTyping:
		s.handleTyping(c, env.Data, EventTyping)
	case EventStopTyping:
		s.handleTyping(c, env.Data, EventStopTyping)
	case EventNewMessage:
		s.handleNewMessage(c, env.Data)
	case EventCallInitiate:
		s.handleCallInitiate(c, env.Data)
	case EventCallAccept:
		s.handleCallRespond(c, env.Data, true)
	case EventCallReject:
		s.handleCallRespond(c, env.Data, false)
	case EventCallCancel:
		s.handleCallCancel(c, env.Data)
	case EventCallJoin:
		s.handleCallJoin(c, env.Data)
	case EventCallOffer:
		s.handleSignal(c, env.Data, SignalOffer)
	case EventCallAnswer:
		s.handleSignal(c, env.Data, SignalAnswer)
	case EventCallICE:
		s.handleSignal(c, env.Data, SignalCandidate)
	case EventCallLeave:
		s.handleCallLeave(c, env.Data)
	default:
		s.metrics.DroppedTotal.WithLabelValues(metrics.DropReasonUnknownEvent).Inc()
		s.log.Warn("unknown event", "event", env.Event, "conn_id", c.connID)
	}
}

// decodePayload strictly decodes and validates an event payload. A failure is
// logged and counted; the caller skips the message but keeps the connection.
func decodePayload[P interface{ validate() error }](s *Server, c *client, event string, data []byte, p *P) bool {
	if err := decodeStrict(data, p); err != nil {
		s.rejectPayload(c, event, err)
		return false
	}
	if err := (*p).validate(); err != nil {
		s.rejectPayload(c, event, err)
		return false
	}
	return true
}

func (s *Server) rejectPayload(c *client, event string, err error) {
	s.metrics.DroppedTotal.WithLabelValues(metrics.DropReasonMalformed).Inc()
	s.log.Warn("malformed payload", "event", event, "conn_id", c.connID, "err", err)
}

func (s *Server) handleSetup(c *client, data []byte) {
	var p SetupPayload
	if !decodePayload(s, c, EventSetup, data, &p) {
		return
	}

	c.setParticipantID(p.ParticipantID)
	s.gateway.Register(p.ParticipantID, c)
	s.log.Info("participant setup", "participant_id", p.ParticipantID, "conn_id", c.connID)
	c.Send(EventConnected, ConnectedPayload{ParticipantID: p.ParticipantID})
}

func (s *Server) handleJoinRoom(c *client, data []byte) {
	var p JoinRoomPayload
	if !decodePayload(s, c, EventJoinRoom, data, &p) {
		return
	}

	s.mu.Lock()
	set, ok := s.groups[p.RoomID]
	if !ok {
		set = make(map[*client]struct{})
		s.groups[p.RoomID] = set
	}
	set[c] = struct{}{}
	joined, ok := s.inGroup[c]
	if !ok {
		joined = make(map[string]struct{})
		s.inGroup[c] = joined
	}
	joined[p.RoomID] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) handleTyping(c *client, data []byte, event string) {
	var p TypingPayload
	if !decodePayload(s, c, event, data, &p) {
		return
	}

	out := TypingNotifyPayload{RoomID: p.RoomID, UserID: c.getParticipantID()}
	for _, member := range s.groupMembers(p.RoomID) {
		if member == c {
			continue
		}
		member.Send(event, out)
	}
}

func (s *Server) handleNewMessage(c *client, data []byte) {
	var p NewMessagePayload
	if !decodePayload(s, c, EventNewMessage, data, &p) {
		return
	}

	out := MessageReceivedPayload{SenderID: p.SenderID, Message: p.Message}
	for _, id := range p.Recipients {
		if id == p.SenderID {
			continue
		}
		s.gateway.SendTo(id, EventMessageReceived, out)
	}
}

func (s *Server) handleCallInitiate(c *client, data []byte) {
	var p InitiatePayload
	if !decodePayload(s, c, EventCallInitiate, data, &p) {
		return
	}
	initiatorID, err := p.InitiatorID()
	if err != nil {
		s.rejectPayload(c, EventCallInitiate, err)
		return
	}
	s.invites.Initiate(p.RoomID, initiatorID, p.FromUser, p.Recipients, p.IsGroup)
}

func (s *Server) handleCallRespond(c *client, data []byte, accepted bool) {
	event := EventCallReject
	if accepted {
		event = EventCallAccept
	}
	var p RespondPayload
	if !decodePayload(s, c, event, data, &p) {
		return
	}
	if accepted {
		s.invites.Accept(p.RoomID, p.FromUserID, p.UserID)
	} else {
		s.invites.Reject(p.RoomID, p.FromUserID, p.UserID)
	}
}

func (s *Server) handleCallCancel(c *client, data []byte) {
	var p CancelPayload
	if !decodePayload(s, c, EventCallCancel, data, &p) {
		return
	}
	s.invites.Cancel(p.RoomID, p.FromUserID, p.Recipients)
}

func (s *Server) handleCallJoin(c *client, data []byte) {
	var p CallJoinPayload
	if !decodePayload(s, c, EventCallJoin, data, &p) {
		return
	}

	others := s.registry.Join(p.RoomID, Member{
		ParticipantID: p.UserID,
		Name:          p.Name,
		ConnID:        c.connID,
		Sender:        c,
	})
	c.Send(EventCallUsersIn, UsersInRoomPayload{Users: others})
}

func (s *Server) handleSignal(c *client, data []byte, kind SignalKind) {
	var p SignalPayload
	if err := decodeStrict(data, &p); err != nil {
		s.rejectPayload(c, kind.Event(), err)
		return
	}
	if err := p.validate(kind); err != nil {
		s.rejectPayload(c, kind.Event(), err)
		return
	}
	s.relay.Forward(p.RoomID, p.FromUserID, p.ToUserID, kind, p.body(kind))
}

func (s *Server) handleCallLeave(c *client, data []byte) {
	var p CallLeavePayload
	if !decodePayload(s, c, EventCallLeave, data, &p) {
		return
	}

	remaining, removed := s.registry.Leave(p.RoomID, p.UserID)
	if !removed {
		return
	}
	s.log.Info("room leave", "room_id", p.RoomID, "participant_id", p.UserID, "remaining", len(remaining))
	for _, m := range remaining {
		m.Sender.Send(EventCallUserLeft, UserLeftPayload{UserID: p.UserID})
	}
}

func (s *Server) groupMembers(roomID string) []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.groups[roomID]
	members := make([]*client, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members
}

func (s *Server) removeFromGroupLocked(roomID string, c *client) {
	set, ok := s.groups[roomID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(s.groups, roomID)
	}
}
